package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBaseWait is the delay used between attempts when no schedule is set.
const DefaultBaseWait = time.Second

// NotifyFunc is called before sleeping ahead of a retry. Attempt is the
// 1-based number of the attempt that just failed.
type NotifyFunc func(attempt int, err error, wait time.Duration)

type options struct {
	maxRetries int
	baseWait   time.Duration
	schedule   []time.Duration
	notify     NotifyFunc
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times a failed call is retried. Zero means the
// function runs exactly once.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithBaseWait sets a constant delay between attempts.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) {
		o.baseWait = d
	}
}

// WithSchedule sets a fixed list of delays. The Nth retry waits schedule[N-1];
// once the list is exhausted the last delay repeats.
func WithSchedule(delays ...time.Duration) Option {
	return func(o *options) {
		o.schedule = append([]time.Duration(nil), delays...)
	}
}

// WithNotify registers a callback fired before each retry.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) {
		o.notify = fn
	}
}

// scheduleBackOff walks a fixed list of delays.
type scheduleBackOff struct {
	base     time.Duration
	schedule []time.Duration
	attempt  int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	d := b.base
	if len(b.schedule) > 0 {
		idx := b.attempt
		if idx >= len(b.schedule) {
			idx = len(b.schedule) - 1
		}
		d = b.schedule[idx]
	}
	b.attempt++
	return d
}

func (b *scheduleBackOff) Reset() {
	b.attempt = 0
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// the retry budget is spent, or ctx is done. The last error from fn is
// returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := &options{baseWait: DefaultBaseWait}
	for _, opt := range opts {
		opt(o)
	}

	var b backoff.BackOff = &scheduleBackOff{base: o.baseWait, schedule: o.schedule}
	b = backoff.WithMaxRetries(b, uint64(o.maxRetries))

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if o.notify != nil {
		notify = func(err error, wait time.Duration) {
			o.notify(attempt, err, wait)
		}
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
