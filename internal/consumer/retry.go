package consumer

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"chatrelay/internal/model"
	"chatrelay/pkg/logger"

	"github.com/cenkalti/backoff/v5"
)

// RetryingStreamer retries a whole stream with exponential backoff. Only rate
// limits, gateway timeouts and transport failures are retried, and only while
// no token has reached the caller. OnError fires once, for the last attempt.
type RetryingStreamer struct {
	inner    *Consumer
	retries  uint
	maxWait  time.Duration
	interval time.Duration
	aborted  atomic.Bool
}

// NewRetryingStreamer wraps c. retries is the number of extra attempts after
// the first one; maxWait bounds the total time spent retrying.
func NewRetryingStreamer(c *Consumer, retries int, maxWait time.Duration) *RetryingStreamer {
	if retries < 0 {
		retries = 0
	}
	return &RetryingStreamer{
		inner:    c,
		retries:  uint(retries),
		maxWait:  maxWait,
		interval: 500 * time.Millisecond,
	}
}

func (r *RetryingStreamer) Abort() {
	r.aborted.Store(true)
	r.inner.Abort()
}

func (r *RetryingStreamer) State() State {
	return r.inner.State()
}

func (r *RetryingStreamer) Stream(ctx context.Context, req *model.StreamRequest, cb Callbacks) error {
	r.aborted.Store(false)

	type pendingError struct {
		model, message string
	}
	var (
		delivered bool
		pending   *pendingError
		attempt   int
	)

	wrapped := Callbacks{
		OnToken: func(modelKey, token, full string) {
			delivered = true
			if cb.OnToken != nil {
				cb.OnToken(modelKey, token, full)
			}
		},
		OnDone: cb.OnDone,
		OnError: func(modelKey, message string) {
			pending = &pendingError{model: modelKey, message: message}
		},
	}
	report := func() {
		if pending != nil && cb.OnError != nil && !r.aborted.Load() {
			cb.OnError(pending.model, pending.message)
		}
		pending = nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.interval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.retries + 1),
	}
	if r.maxWait > 0 {
		bo.MaxInterval = r.maxWait
		opts = append(opts, backoff.WithMaxElapsedTime(r.maxWait))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if r.aborted.Load() {
			return struct{}{}, nil
		}
		attempt++
		pending = nil
		err := r.inner.Stream(ctx, req, wrapped)
		if err == nil {
			report()
			return struct{}{}, nil
		}
		if delivered || !Retryable(err) {
			report()
			return struct{}{}, backoff.Permanent(err)
		}
		logger.Warnf("consumer: attempt %d for %q failed, retrying: %v", attempt, req.Model, err)
		return struct{}{}, err
	}, opts...)

	if err != nil && (r.aborted.Load() || ctx.Err() != nil) {
		return nil
	}
	report()
	return err
}

// Retryable reports whether a failed stream may be attempted again.
func Retryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Status == http.StatusTooManyRequests || relayErr.Status == http.StatusGatewayTimeout
	}
	return false
}
