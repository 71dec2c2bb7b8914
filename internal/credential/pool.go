package credential

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status tracks whether a credential can be handed out.
type Status string

const (
	StatusAvailable Status = "available"
	StatusExhausted Status = "exhausted"
	StatusInvalid   Status = "invalid"
)

// Outcome is reported back after a call made with a credential.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeTransientError Outcome = "transient_error"
)

// ErrAllExhausted is returned by Acquire when no credential for the
// provider is in the available state.
var ErrAllExhausted = errors.New("credential: all credentials exhausted")

// Credential is one API key for a provider. The pool owns it; callers
// hold it only for the duration of a single call.
type Credential struct {
	Provider    string
	Secret      string
	Status      Status
	LastFailure time.Time

	transientCount int
}

// providerState holds the ordered credential list for one provider.
// Its mutex serializes Acquire/Report/Reset for that provider only.
type providerState struct {
	mu    sync.Mutex
	creds []*Credential
}

// Pool manages prioritized credentials per external provider. Selection
// is deterministic: the first available credential in configured order.
type Pool struct {
	mu           sync.RWMutex
	providers    map[string]*providerState
	maxTransient int
	logger       *zap.Logger
}

// NewPool creates an empty pool. maxTransient bounds how many
// transient_error reports a credential absorbs before it is exhausted.
func NewPool(maxTransient int, logger *zap.Logger) *Pool {
	if maxTransient <= 0 {
		maxTransient = 3
	}
	return &Pool{
		providers:    make(map[string]*providerState),
		maxTransient: maxTransient,
		logger:       logger,
	}
}

// Load registers the secrets for a provider in priority order, replacing
// any previous list.
func (p *Pool) Load(provider string, secrets []string) {
	creds := make([]*Credential, 0, len(secrets))
	for _, s := range secrets {
		if s == "" {
			continue
		}
		creds = append(creds, &Credential{
			Provider: provider,
			Secret:   s,
			Status:   StatusAvailable,
		})
	}

	p.mu.Lock()
	p.providers[provider] = &providerState{creds: creds}
	p.mu.Unlock()

	p.logger.Info("loaded credentials",
		zap.String("provider", provider),
		zap.Int("count", len(creds)))
}

func (p *Pool) state(provider string) (*providerState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.providers[provider]
	return st, ok
}

// Acquire returns the first available credential for the provider, or
// ErrAllExhausted when none remains.
func (p *Pool) Acquire(provider string) (*Credential, error) {
	st, ok := p.state(provider)
	if !ok {
		return nil, fmt.Errorf("credential: unknown provider %s: %w", provider, ErrAllExhausted)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range st.creds {
		if c.Status == StatusAvailable {
			return c, nil
		}
	}
	return nil, ErrAllExhausted
}

// Report records the outcome of a call made with cred. Rate-limited
// credentials become exhausted and invalid ones invalid; both are
// skipped by Acquire until Reset. Transient errors are tolerated up to
// the configured bound, then the credential is exhausted. The pool holds
// no timers — cooldown decisions belong to callers, which can consult
// LastFailure.
func (p *Pool) Report(provider string, cred *Credential, outcome Outcome) {
	st, ok := p.state(provider)
	if !ok || cred == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		cred.transientCount = 0
	case OutcomeRateLimited:
		cred.Status = StatusExhausted
		cred.LastFailure = time.Now()
		p.logger.Warn("credential rate limited",
			zap.String("provider", provider))
	case OutcomeInvalid:
		cred.Status = StatusInvalid
		cred.LastFailure = time.Now()
		p.logger.Warn("credential rejected as invalid",
			zap.String("provider", provider))
	case OutcomeTransientError:
		cred.transientCount++
		cred.LastFailure = time.Now()
		if cred.transientCount >= p.maxTransient {
			cred.Status = StatusExhausted
			p.logger.Warn("credential exhausted after repeated transient errors",
				zap.String("provider", provider),
				zap.Int("failures", cred.transientCount))
		}
	}
}

// Reset returns every credential for the provider to available in its
// original order. Used for manual recovery.
func (p *Pool) Reset(provider string) {
	st, ok := p.state(provider)
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range st.creds {
		c.Status = StatusAvailable
		c.transientCount = 0
		c.LastFailure = time.Time{}
	}
	p.logger.Info("credentials reset", zap.String("provider", provider))
}

// ProviderStatus summarizes one provider's credential health.
type ProviderStatus struct {
	Provider  string `json:"provider"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Exhausted int    `json:"exhausted"`
	Invalid   int    `json:"invalid"`
}

// Snapshot reports the current health of every provider's credentials.
func (p *Pool) Snapshot() []ProviderStatus {
	p.mu.RLock()
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	p.mu.RUnlock()
	sort.Strings(names)

	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		st, ok := p.state(name)
		if !ok {
			continue
		}
		st.mu.Lock()
		ps := ProviderStatus{Provider: name, Total: len(st.creds)}
		for _, c := range st.creds {
			switch c.Status {
			case StatusAvailable:
				ps.Available++
			case StatusExhausted:
				ps.Exhausted++
			case StatusInvalid:
				ps.Invalid++
			}
		}
		st.mu.Unlock()
		out = append(out, ps)
	}
	return out
}
