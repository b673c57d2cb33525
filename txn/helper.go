package txn

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/metrics"
)

const (
	defaultMaxRetries           = 20
	defaultMinRetryWaitMS       = 100
	defaultMaxRetryWaitMS       = 2000
	defaultRetryWaitIncrementMS = 100
)

type (
	Callback func(ctx context.Context) error

	RetryConfig struct {
		MaxRetries           int `json:"max_retries"`
		MinRetryWaitMS       int `json:"min_retry_wait_ms"`
		MaxRetryWaitMS       int `json:"max_retry_wait_ms"`
		RetryWaitIncrementMS int `json:"retry_wait_increment_ms"`
	}
)

// Helper runs callbacks in transactions and retries them on optimistic
// commit failures.
type Helper struct {
	cfg RetryConfig
	mgr *Manager
}

func NewHelper(mgr *Manager, cfg RetryConfig) *Helper {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MinRetryWaitMS <= 0 {
		cfg.MinRetryWaitMS = defaultMinRetryWaitMS
	}
	if cfg.MaxRetryWaitMS < cfg.MinRetryWaitMS {
		cfg.MaxRetryWaitMS = defaultMaxRetryWaitMS
		if cfg.MaxRetryWaitMS < cfg.MinRetryWaitMS {
			cfg.MaxRetryWaitMS = cfg.MinRetryWaitMS
		}
	}
	if cfg.RetryWaitIncrementMS <= 0 {
		cfg.RetryWaitIncrementMS = defaultRetryWaitIncrementMS
	}
	return &Helper{cfg: cfg, mgr: mgr}
}

func (h *Helper) Manager() *Manager {
	return h.mgr
}

// DoInTransaction runs fn inside the transaction bound to ctx, or inside a
// new one when there is none or requiresNew is set. Only a new transaction
// is committed and retried here.
func (h *Helper) DoInTransaction(ctx context.Context, fn Callback, readOnly, requiresNew bool) error {
	if !requiresNew {
		if t := FromContext(ctx); t != nil {
			return fn(ctx)
		}
	}

	span := trace.SpanFromContextSafe(ctx)
	var lastErr error
	for count := 0; count <= h.cfg.MaxRetries; count++ {
		if count > 0 {
			metrics.TxnRetries.Inc()
			wait := h.retryWait(count)
			span.Debugf("retry transaction after %s, attempt %d, last error: %s", wait, count, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		t := h.mgr.Begin(readOnly)
		err := fn(WithTxn(ctx, t))
		if err != nil {
			t.Rollback(ctx)
		} else {
			err = t.Commit(ctx)
		}
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	span.Warnf("transaction failed after %d retries: %s", h.cfg.MaxRetries, lastErr)
	return lastErr
}

// retryWait grows the upper bound with each attempt and picks a random
// wait between the minimum and that bound.
func (h *Helper) retryWait(count int) time.Duration {
	maxWait := h.cfg.MinRetryWaitMS + h.cfg.RetryWaitIncrementMS*(count-1)
	if maxWait > h.cfg.MaxRetryWaitMS {
		maxWait = h.cfg.MaxRetryWaitMS
	}
	wait := h.cfg.MinRetryWaitMS
	if maxWait > wait {
		wait += rand.Intn(maxWait - wait + 1)
	}
	return time.Duration(wait) * time.Millisecond
}

func IsRetryable(err error) bool {
	return errors.Is(err, apierrors.ErrConcurrencyFailure) || errors.Is(err, apierrors.ErrUniqueConflict)
}
