package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/meridel/finbrief/internal/credential"
	"go.uber.org/zap"
)

// scriptTarget returns the scripted errors in order, then succeeds.
type scriptTarget struct {
	mu       sync.Mutex
	provider string
	errs     []error
	calls    int
	secrets  []string
}

func (s *scriptTarget) Provider() string { return s.provider }

func (s *scriptTarget) Call(ctx context.Context, payload Payload, cred *credential.Credential) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if cred != nil {
		s.secrets = append(s.secrets, cred.Secret)
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &Output{Fields: map[string]interface{}{"answer": "ok"}}, nil
}

type cannedResponder struct{ text string }

func (c cannedResponder) Respond(ctx context.Context, payload Payload) (*Output, error) {
	return &Output{Fields: map[string]interface{}{"answer": c.text}}, nil
}

func newTestClient(t *testing.T, providers map[string][]string) *Client {
	t.Helper()
	pool := credential.NewPool(3, zap.NewNop())
	for name, secrets := range providers {
		pool.Load(name, secrets)
	}
	c := NewClient(pool, zap.NewNop())
	c.SetBackoff(time.Millisecond)
	return c
}

func rateLimited(cap Capability) error {
	return &Failure{Capability: cap, Kind: KindRateLimited, Retriable: true, Err: errors.New("429")}
}

func TestInvokeSuccess(t *testing.T) {
	c := newTestClient(t, map[string][]string{"marketdata": {"key-a"}})
	target := &scriptTarget{provider: "marketdata"}
	c.Register(CapMarketData, target, Config{})

	out, err := c.Invoke(context.Background(), CapMarketData, Payload{"q": "exposure"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Degraded {
		t.Error("successful primary call marked degraded")
	}
	if out.Str("answer") != "ok" {
		t.Errorf("got %q, want ok", out.Str("answer"))
	}
}

func TestInvokeRotatesOnRateLimit(t *testing.T) {
	c := newTestClient(t, map[string][]string{"marketdata": {"key-a", "key-b"}})
	target := &scriptTarget{
		provider: "marketdata",
		errs:     []error{rateLimited(CapMarketData)},
	}
	c.Register(CapMarketData, target, Config{})

	out, err := c.Invoke(context.Background(), CapMarketData, Payload{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Degraded {
		t.Error("rotation to a healthy credential must not be degraded")
	}
	if len(target.secrets) != 2 || target.secrets[0] != "key-a" || target.secrets[1] != "key-b" {
		t.Errorf("credential sequence = %v, want [key-a key-b]", target.secrets)
	}
}

func TestInvokeFallbackWhenAllExhausted(t *testing.T) {
	c := newTestClient(t, map[string][]string{"marketdata": {"key-a", "key-b"}})
	target := &scriptTarget{
		provider: "marketdata",
		errs:     []error{rateLimited(CapMarketData), rateLimited(CapMarketData)},
	}
	c.Register(CapMarketData, target, Config{})
	c.RegisterFallback(CapMarketData, cannedResponder{text: "canned"})

	out, err := c.Invoke(context.Background(), CapMarketData, Payload{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Degraded {
		t.Error("fallback output must be degraded")
	}
	if out.Str("answer") != "canned" {
		t.Errorf("got %q, want canned", out.Str("answer"))
	}
}

func TestInvokeNoFallbackSurfacesUnavailable(t *testing.T) {
	c := newTestClient(t, map[string][]string{"marketdata": {"key-a"}})
	target := &scriptTarget{
		provider: "marketdata",
		errs:     []error{rateLimited(CapMarketData)},
	}
	c.Register(CapMarketData, target, Config{})

	_, err := c.Invoke(context.Background(), CapMarketData, Payload{})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("got %v, want *Failure", err)
	}
	if f.Kind != KindUnavailable || f.Retriable {
		t.Errorf("got kind=%s retriable=%v, want unavailable non-retriable", f.Kind, f.Retriable)
	}
}

func TestInvokeRetryBudgetThenFallback(t *testing.T) {
	c := newTestClient(t, map[string][]string{})
	target := &scriptTarget{
		errs: []error{
			errors.New("transient"),
			errors.New("transient"),
		},
	}
	c.Register(CapGenerate, target, Config{MaxRetries: 2})
	c.RegisterFallback(CapGenerate, cannedResponder{text: "canned"})

	out, err := c.Invoke(context.Background(), CapGenerate, Payload{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Degraded {
		t.Error("expected degraded output after retry budget")
	}
	if target.calls != 2 {
		t.Errorf("got %d calls, want 2", target.calls)
	}
}

func TestInvokeRetriesTransientThenSucceeds(t *testing.T) {
	c := newTestClient(t, map[string][]string{})
	target := &scriptTarget{errs: []error{errors.New("blip")}}
	c.Register(CapAnalyze, target, Config{MaxRetries: 3})

	out, err := c.Invoke(context.Background(), CapAnalyze, Payload{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Degraded {
		t.Error("recovered retry must not be degraded")
	}
	if target.calls != 2 {
		t.Errorf("got %d calls, want 2", target.calls)
	}
}

func TestInvokeCancelledContext(t *testing.T) {
	c := newTestClient(t, map[string][]string{})
	c.Register(CapGenerate, &scriptTarget{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Invoke(ctx, CapGenerate, Payload{})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("got %v, want *Failure", err)
	}
	if f.Kind != KindTimeout {
		t.Errorf("got kind %s, want timeout", f.Kind)
	}
}

func TestHTTPTargetStatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantKind  FailureKind
		retriable bool
	}{
		{"rate limited", http.StatusTooManyRequests, KindRateLimited, true},
		{"unauthorized", http.StatusUnauthorized, KindInvalidCredential, true},
		{"gateway timeout", http.StatusGatewayTimeout, KindTimeout, true},
		{"server error", http.StatusInternalServerError, KindUnavailable, true},
		{"bad request", http.StatusBadRequest, KindUnavailable, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			target := NewHTTPTarget(CapMarketData, srv.URL, "marketdata", time.Second, zap.NewNop())
			cred := &credential.Credential{Provider: "marketdata", Secret: "key-a"}
			_, err := target.Call(context.Background(), Payload{}, cred)
			var f *Failure
			if !errors.As(err, &f) {
				t.Fatalf("got %v, want *Failure", err)
			}
			if f.Kind != tc.wantKind || f.Retriable != tc.retriable {
				t.Errorf("got kind=%s retriable=%v, want kind=%s retriable=%v",
					f.Kind, f.Retriable, tc.wantKind, tc.retriable)
			}
		})
	}
}

func TestHTTPTargetSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"success": true, "data": {"sentiment": "neutral"}}`))
	}))
	defer srv.Close()

	target := NewHTTPTarget(CapMarketData, srv.URL, "marketdata", time.Second, zap.NewNop())
	cred := &credential.Credential{Provider: "marketdata", Secret: "key-a"}
	out, err := target.Call(context.Background(), Payload{"q": "sentiment"}, cred)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Str("sentiment") != "neutral" {
		t.Errorf("got %q, want neutral", out.Str("sentiment"))
	}
	if gotAuth != "Bearer key-a" {
		t.Errorf("got auth %q, want Bearer key-a", gotAuth)
	}
}

func TestHTTPTargetServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error": "no data for symbol"}`))
	}))
	defer srv.Close()

	target := NewHTTPTarget(CapMarketData, srv.URL, "", time.Second, zap.NewNop())
	_, err := target.Call(context.Background(), Payload{}, nil)
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("got %v, want *Failure", err)
	}
	if f.Retriable {
		t.Error("application-level failure must not be retriable")
	}
}
