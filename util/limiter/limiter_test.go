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
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/contentrepo/errors"
)

func TestLimiter_Concurrency(t *testing.T) {
	l := NewLimiter(LimitConfig{ImportConcurrency: 1, ExportConcurrency: 1})

	require.NoError(t, l.AcquireImport())
	require.ErrorIs(t, l.AcquireImport(), apierrors.ErrLimitExceeded)
	l.SetImportConcurrency(2)
	require.NoError(t, l.AcquireImport())
	require.Equal(t, 2, l.Status().ImportRunning)
	l.ReleaseImport()
	l.ReleaseImport()
	require.Equal(t, 0, l.Status().ImportRunning)

	require.NoError(t, l.AcquireExport())
	require.ErrorIs(t, l.AcquireExport(), apierrors.ErrLimitExceeded)
	l.ReleaseExport()
	require.Equal(t, 1, l.GetConfig().ExportConcurrency)
}

func TestLimiter_Streams(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(LimitConfig{ImportMBPS: 1, ExportMBPS: 1})

	src := bytes.Repeat([]byte("v"), 3<<20)
	r := l.Reader(ctx, bytes.NewReader(src))
	var out bytes.Buffer
	start := time.Now()
	n, err := io.Copy(&out, r)
	require.NoError(t, err)
	require.Equal(t, int64(len(src)), n)
	require.GreaterOrEqual(t, time.Since(start), time.Second)

	out.Reset()
	w := l.Writer(ctx, &out)
	written, err := w.Write(src[:2<<20])
	require.NoError(t, err)
	require.Equal(t, 2<<20, written)
	require.Equal(t, 2<<20, out.Len())

	noop := NewLimiter(LimitConfig{})
	nr := noop.Reader(ctx, bytes.NewReader(src))
	b, err := ioutil.ReadAll(nr)
	require.NoError(t, err)
	require.Equal(t, src, b)
}

func TestOpLimit(t *testing.T) {
	ctx := context.Background()
	l := NewOpLimit(1, 0)
	require.NoError(t, l.Acquire(ctx))
	require.Equal(t, 1, l.Running())
	require.ErrorIs(t, l.Acquire(ctx), apierrors.ErrLimitExceeded)
	l.Release()
	require.Equal(t, 0, l.Running())

	rl := NewOpLimit(0, 1)
	require.NoError(t, rl.Acquire(ctx))
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.Error(t, rl.Acquire(cctx))
	require.Equal(t, 0, rl.Running())
}

func TestLimiter_Runtime(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(LimitConfig{})

	// unbounded until a limit is set, releases stay balanced across the change
	require.NoError(t, l.AcquireImport())
	require.NoError(t, l.AcquireImport())
	l.SetImportConcurrency(2)
	require.ErrorIs(t, l.AcquireImport(), apierrors.ErrLimitExceeded)
	l.ReleaseImport()
	l.ReleaseImport()
	require.Equal(t, 0, l.Status().ImportRunning)
	l.SetImportConcurrency(0)
	require.NoError(t, l.AcquireImport())
	l.ReleaseImport()

	_, ok := l.Reader(ctx, bytes.NewReader(nil)).(*noopLimitReader)
	require.True(t, ok)
	l.SetImportMBPS(2)
	l.SetExportMBPS(1)
	_, ok = l.Reader(ctx, bytes.NewReader(nil)).(*reader)
	require.True(t, ok)
	_, ok = l.Writer(ctx, ioutil.Discard).(*writer)
	require.True(t, ok)
	l.SetImportMBPS(4)
	require.Equal(t, 4<<20, l.Reader(ctx, bytes.NewReader(nil)).(*reader).rate.Burst())
	l.SetExportMBPS(0)
	_, ok = l.Writer(ctx, ioutil.Discard).(*noopLimitWriter)
	require.True(t, ok)

	require.Equal(t, LimitConfig{ImportMBPS: 4}, *l.GetConfig())
	require.Equal(t, LimitConfig{ImportMBPS: 4}, l.Status().Config)
}
