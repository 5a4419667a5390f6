package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/secretd/internal/storage"
)

type fakeClock struct {
	waits []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.waits = append(c.waits, d)
}

type flakyBackend struct {
	storage.Backend
	failures int
	calls    int
	err      error
}

func (f *flakyBackend) Get(context.Context, string) (storage.GetResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return storage.GetResult{}, f.err
	}
	return storage.GetResult{Value: []byte("ok")}, nil
}

func TestRetriesTransientErrors(t *testing.T) {
	clk := &fakeClock{}
	flaky := &flakyBackend{failures: 2, err: storage.NewTransientError(errors.New("io glitch"))}
	b := New(flaky, Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}, clk)

	res, err := b.Get(context.Background(), "tokens/a")
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if string(res.Value) != "ok" {
		t.Fatalf("unexpected value %q", res.Value)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", flaky.calls)
	}
	if len(clk.waits) != 2 || clk.waits[0] != 10*time.Millisecond || clk.waits[1] != 20*time.Millisecond {
		t.Fatalf("unexpected backoff schedule %v", clk.waits)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	clk := &fakeClock{}
	cause := storage.NewTransientError(errors.New("still down"))
	flaky := &flakyBackend{failures: 100, err: cause}
	b := New(flaky, Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Second}, clk)

	_, err := b.Get(context.Background(), "tokens/a")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", flaky.calls)
	}
}

func TestDefinitiveErrorsPassThrough(t *testing.T) {
	clk := &fakeClock{}
	flaky := &flakyBackend{failures: 100, err: storage.ErrCASMismatch}
	b := New(flaky, Policy{}, clk)

	_, err := b.Get(context.Background(), "tokens/a")
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("definitive error must not be retried, got %d calls", flaky.calls)
	}
	if len(clk.waits) != 0 {
		t.Fatalf("no waits expected, got %v", clk.waits)
	}
}
