// Package retry wraps a storage.Backend with bounded exponential backoff for
// transient failures. CAS mismatches and not-found results are definitive and
// pass through untouched.
package retry

import (
	"context"
	"time"

	"pkt.systems/secretd/internal/clock"
	"pkt.systems/secretd/internal/storage"
)

// Policy bounds the retry loop. Zero values fall back to defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 25 * time.Millisecond
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 2 * time.Second
)

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	return p
}

// Backend decorates another storage.Backend with the retry policy.
type Backend struct {
	next   storage.Backend
	policy Policy
	clk    clock.Clock
}

// New wraps next. A nil clk selects the real clock.
func New(next storage.Backend, policy Policy, clk clock.Clock) *Backend {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Backend{next: next, policy: policy.normalized(), clk: clk}
}

func (b *Backend) do(ctx context.Context, op func() error) error {
	delay := b.policy.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !storage.IsTransient(err) {
			return err
		}
		if attempt >= b.policy.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clk.After(delay):
		}
		delay = time.Duration(float64(delay) * b.policy.Multiplier)
		if delay > b.policy.MaxDelay {
			delay = b.policy.MaxDelay
		}
	}
}

func (b *Backend) Get(ctx context.Context, key string) (storage.GetResult, error) {
	var res storage.GetResult
	err := b.do(ctx, func() error {
		var opErr error
		res, opErr = b.next.Get(ctx, key)
		return opErr
	})
	return res, err
}

func (b *Backend) Put(ctx context.Context, key string, value []byte, opts storage.PutOptions) (storage.ObjectInfo, error) {
	var info storage.ObjectInfo
	err := b.do(ctx, func() error {
		var opErr error
		info, opErr = b.next.Put(ctx, key, value, opts)
		return opErr
	})
	return info, err
}

func (b *Backend) Delete(ctx context.Context, key string, opts storage.DeleteOptions) error {
	return b.do(ctx, func() error {
		return b.next.Delete(ctx, key, opts)
	})
}

func (b *Backend) List(ctx context.Context, opts storage.ListOptions) (storage.ListResult, error) {
	var res storage.ListResult
	err := b.do(ctx, func() error {
		var opErr error
		res, opErr = b.next.List(ctx, opts)
		return opErr
	})
	return res, err
}

func (b *Backend) Close() error {
	return b.next.Close()
}
