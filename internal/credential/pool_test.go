package credential

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestPool(t *testing.T, maxTransient int) *Pool {
	t.Helper()
	return NewPool(maxTransient, zap.NewNop())
}

func TestAcquireSequentialOrder(t *testing.T) {
	p := newTestPool(t, 3)
	p.Load("marketdata", []string{"key-a", "key-b", "key-c"})

	c, err := p.Acquire("marketdata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Secret != "key-a" {
		t.Errorf("got %q, want first configured key", c.Secret)
	}

	// Same key is returned until something is reported against it.
	c2, _ := p.Acquire("marketdata")
	if c2.Secret != "key-a" {
		t.Errorf("got %q, want key-a again", c2.Secret)
	}
}

func TestRotationOnRateLimit(t *testing.T) {
	p := newTestPool(t, 3)
	p.Load("marketdata", []string{"key-a", "key-b"})

	c, _ := p.Acquire("marketdata")
	p.Report("marketdata", c, OutcomeRateLimited)

	c, err := p.Acquire("marketdata")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Secret != "key-b" {
		t.Errorf("got %q, want key-b after rate limit", c.Secret)
	}
}

func TestAllExhaustedThenReset(t *testing.T) {
	p := newTestPool(t, 3)
	p.Load("marketdata", []string{"key-a", "key-b", "key-c"})

	for i := 0; i < 3; i++ {
		c, err := p.Acquire("marketdata")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		p.Report("marketdata", c, OutcomeRateLimited)
	}

	if _, err := p.Acquire("marketdata"); !errors.Is(err, ErrAllExhausted) {
		t.Fatalf("got %v, want ErrAllExhausted", err)
	}

	p.Reset("marketdata")
	c, err := p.Acquire("marketdata")
	if err != nil {
		t.Fatalf("acquire after reset: %v", err)
	}
	if c.Secret != "key-a" {
		t.Errorf("got %q, want original first key after reset", c.Secret)
	}
}

func TestInvalidCredentialSkipped(t *testing.T) {
	p := newTestPool(t, 3)
	p.Load("voice", []string{"key-a", "key-b"})

	c, _ := p.Acquire("voice")
	p.Report("voice", c, OutcomeInvalid)

	c, err := p.Acquire("voice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Secret != "key-b" {
		t.Errorf("got %q, want key-b after invalid", c.Secret)
	}
}

func TestTransientErrorsRetryInPlace(t *testing.T) {
	p := newTestPool(t, 2)
	p.Load("news", []string{"key-a", "key-b"})

	c, _ := p.Acquire("news")
	p.Report("news", c, OutcomeTransientError)

	// One transient error: same key is retried in place.
	c2, _ := p.Acquire("news")
	if c2.Secret != "key-a" {
		t.Fatalf("got %q, want key-a retried in place", c2.Secret)
	}

	// Second transient error hits the bound and exhausts the key.
	p.Report("news", c2, OutcomeTransientError)
	c3, _ := p.Acquire("news")
	if c3.Secret != "key-b" {
		t.Errorf("got %q, want key-b after transient bound", c3.Secret)
	}
}

func TestSuccessClearsTransientCount(t *testing.T) {
	p := newTestPool(t, 2)
	p.Load("news", []string{"key-a"})

	c, _ := p.Acquire("news")
	p.Report("news", c, OutcomeTransientError)
	p.Report("news", c, OutcomeSuccess)
	p.Report("news", c, OutcomeTransientError)

	// The success in between reset the counter, so key-a is still usable.
	c2, err := p.Acquire("news")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c2.Secret != "key-a" {
		t.Errorf("got %q, want key-a still available", c2.Secret)
	}
}

func TestUnknownProvider(t *testing.T) {
	p := newTestPool(t, 3)
	if _, err := p.Acquire("nope"); !errors.Is(err, ErrAllExhausted) {
		t.Errorf("got %v, want ErrAllExhausted for unknown provider", err)
	}
}

func TestSnapshot(t *testing.T) {
	p := newTestPool(t, 3)
	p.Load("marketdata", []string{"key-a", "key-b"})
	p.Load("voice", []string{"key-c"})

	c, _ := p.Acquire("marketdata")
	p.Report("marketdata", c, OutcomeRateLimited)

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got %d providers, want 2", len(snap))
	}
	// Sorted by provider name.
	if snap[0].Provider != "marketdata" || snap[1].Provider != "voice" {
		t.Fatalf("unexpected order: %+v", snap)
	}
	if snap[0].Available != 1 || snap[0].Exhausted != 1 {
		t.Errorf("marketdata status = %+v, want 1 available / 1 exhausted", snap[0])
	}
}
