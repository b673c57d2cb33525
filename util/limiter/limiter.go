// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package limiter

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/cubefs/contentrepo/errors"
)

type (
	// Limiter bounds import and export streams of repository views.
	Limiter interface {
		AcquireImport() error
		ReleaseImport()
		AcquireExport() error
		ReleaseExport()
		Reader(ctx context.Context, r io.Reader) LimitReader
		Writer(ctx context.Context, w io.Writer) LimitWriter
		SetImportConcurrency(value uint32)
		SetExportConcurrency(value uint32)
		SetImportMBPS(mbps int)
		SetExportMBPS(mbps int)
		GetConfig() *LimitConfig
		Status() Status
	}
	LimitReader interface {
		io.Reader
	}
	LimitWriter interface {
		io.Writer
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	// OpLimit bounds running operations by count and by operations per second.
	OpLimit interface {
		Acquire(ctx context.Context) error
		Release()
		Running() int
	}
	LimitConfig struct {
		ImportConcurrency int `json:"import_concurrency"`
		ExportConcurrency int `json:"export_concurrency"`
		ImportMBPS        int `json:"import_mbps"`
		ExportMBPS        int `json:"export_mbps"`
	}
	Status struct {
		Config        LimitConfig `json:"config"`
		ImportRunning int         `json:"import_running"`
		ExportRunning int         `json:"export_running"`
		ImportWait    int         `json:"import_wait"`
		ExportWait    int         `json:"export_wait"`
	}
	// reader limited reader
	reader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}
	// writer limited writer
	writer struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
	noopLimitReader struct {
		underlying io.Reader
	}
	noopLimitWriter struct {
		underlying io.Writer
	}
	// limiter applies zero values as unbounded. Count limits always exist so
	// a release always matches its acquire across SetLimit calls.
	limiter struct {
		lock             sync.RWMutex
		config           LimitConfig
		importCountLimit CountLimit
		exportCountLimit CountLimit
		rateReader       *rate.Limiter
		rateWriter       *rate.Limiter
	}
)

func (r *reader) Read(p []byte) (n int, err error) {
	if len(p) > r.rate.Burst() {
		p = p[:r.rate.Burst()]
	}
	if err = r.rate.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}
	n, err = r.underlying.Read(p)
	return
}

func (w *writer) Write(p []byte) (n int, err error) {
	burst := w.rate.Burst()
	for len(p) > 0 {
		chunk := p
		if len(chunk) > burst {
			chunk = chunk[:burst]
		}
		if err = w.rate.WaitN(w.ctx, len(chunk)); err != nil {
			return
		}
		var nn int
		nn, err = w.underlying.Write(chunk)
		n += nn
		if err != nil {
			return
		}
		p = p[nn:]
	}
	return
}

func (nr *noopLimitReader) Read(p []byte) (n int, err error) {
	return nr.underlying.Read(p)
}

func (nw *noopLimitWriter) Write(p []byte) (n int, err error) {
	return nw.underlying.Write(p)
}

func NewLimiter(cfg LimitConfig) Limiter {
	return &limiter{
		config:           cfg,
		importCountLimit: NewCountLimit(cfg.ImportConcurrency),
		exportCountLimit: NewCountLimit(cfg.ExportConcurrency),
		rateReader:       newRate(cfg.ImportMBPS),
		rateWriter:       newRate(cfg.ExportMBPS),
	}
}

func newRate(mbps int) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	mb := 1 << 20
	return rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)
}

func (lim *limiter) AcquireImport() error {
	return lim.importCountLimit.Acquire()
}

func (lim *limiter) AcquireExport() error {
	return lim.exportCountLimit.Acquire()
}

func (lim *limiter) ReleaseImport() {
	lim.importCountLimit.Release()
}

func (lim *limiter) ReleaseExport() {
	lim.exportCountLimit.Release()
}

func (lim *limiter) Reader(ctx context.Context, r io.Reader) LimitReader {
	lim.lock.RLock()
	rl := lim.rateReader
	lim.lock.RUnlock()
	if rl != nil {
		return &reader{
			ctx:        ctx,
			rate:       rl,
			underlying: r,
		}
	}
	return &noopLimitReader{underlying: r}
}

func (lim *limiter) Writer(ctx context.Context, w io.Writer) LimitWriter {
	lim.lock.RLock()
	rl := lim.rateWriter
	lim.lock.RUnlock()
	if rl != nil {
		return &writer{
			ctx:        ctx,
			rate:       rl,
			underlying: w,
		}
	}
	return &noopLimitWriter{underlying: w}
}

func (lim *limiter) SetImportConcurrency(value uint32) {
	lim.lock.Lock()
	lim.importCountLimit.SetLimit(value)
	lim.config.ImportConcurrency = int(value)
	lim.lock.Unlock()
}

func (lim *limiter) SetExportConcurrency(value uint32) {
	lim.lock.Lock()
	lim.exportCountLimit.SetLimit(value)
	lim.config.ExportConcurrency = int(value)
	lim.lock.Unlock()
}

// SetImportMBPS applies to streams opened afterwards; zero lifts the limit.
func (lim *limiter) SetImportMBPS(mbps int) {
	lim.lock.Lock()
	lim.rateReader = setRate(lim.rateReader, mbps)
	lim.config.ImportMBPS = mbps
	lim.lock.Unlock()
}

func (lim *limiter) SetExportMBPS(mbps int) {
	lim.lock.Lock()
	lim.rateWriter = setRate(lim.rateWriter, mbps)
	lim.config.ExportMBPS = mbps
	lim.lock.Unlock()
}

func setRate(r *rate.Limiter, mbps int) *rate.Limiter {
	if r == nil || mbps <= 0 {
		return newRate(mbps)
	}
	mb := 1 << 20
	r.SetLimit(rate.Limit(mbps * mb))
	r.SetBurst(mbps * mb)
	return r
}

func (lim *limiter) GetConfig() *LimitConfig {
	lim.lock.RLock()
	cfg := lim.config
	lim.lock.RUnlock()
	return &cfg
}

func (lim *limiter) Status() Status {
	lim.lock.RLock()
	defer lim.lock.RUnlock()
	return Status{
		Config:        lim.config,
		ImportRunning: lim.importCountLimit.Running(),
		ExportRunning: lim.exportCountLimit.Running(),
		ImportWait:    rateWait(lim.rateReader),
		ExportWait:    rateWait(lim.rateWriter),
	}
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

// Acquire never fails with a zero limit.
func (l *countLimit) Acquire() error {
	limit := atomic.LoadUint32(&l.limit)
	if atomic.AddUint32(&l.current, 1) > limit && limit > 0 {
		atomic.AddUint32(&l.current, minusOne)
		return apierrors.ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}

type opLimit struct {
	count CountLimit
	rate  *rate.Limiter
}

// NewOpLimit returns an operation limiter. Zero values disable the bound.
func NewOpLimit(concurrency int, opsPerSecond int) OpLimit {
	if concurrency < 0 {
		concurrency = 0
	}
	l := &opLimit{count: NewCountLimit(concurrency)}
	if opsPerSecond > 0 {
		l.rate = rate.NewLimiter(rate.Limit(opsPerSecond), opsPerSecond)
	}
	return l
}

func (l *opLimit) Acquire(ctx context.Context) error {
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return err
		}
	}
	return l.count.Acquire()
}

func (l *opLimit) Release() {
	l.count.Release()
}

func (l *opLimit) Running() int {
	return l.count.Running()
}
