package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meridel/finbrief/internal/credential"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = 200 * time.Millisecond
)

// Client is the uniform RPC surface over all backend agents. It owns
// per-capability timeout and retry policy, credential rotation via the
// pool, and the switch to a degraded fallback responder.
type Client struct {
	mu        sync.RWMutex
	targets   map[Capability]Target
	fallbacks map[Capability]Responder
	configs   map[Capability]Config
	pool      *credential.Pool
	backoff   time.Duration
	logger    *zap.Logger
}

// NewClient creates a client backed by the given credential pool.
func NewClient(pool *credential.Pool, logger *zap.Logger) *Client {
	return &Client{
		targets:   make(map[Capability]Target),
		fallbacks: make(map[Capability]Responder),
		configs:   make(map[Capability]Config),
		pool:      pool,
		backoff:   defaultBackoff,
		logger:    logger,
	}
}

// Register binds a capability to its target with the given policy.
func (c *Client) Register(cap Capability, target Target, cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	c.mu.Lock()
	c.targets[cap] = target
	c.configs[cap] = cfg
	c.mu.Unlock()
	c.logger.Info("registered capability",
		zap.String("capability", string(cap)),
		zap.String("provider", target.Provider()))
}

// RegisterFallback declares the degraded responder for a capability.
func (c *Client) RegisterFallback(cap Capability, r Responder) {
	c.mu.Lock()
	c.fallbacks[cap] = r
	c.mu.Unlock()
}

// SetBackoff overrides the base retry backoff. Tests use this to avoid
// real sleeps.
func (c *Client) SetBackoff(d time.Duration) {
	c.mu.Lock()
	c.backoff = d
	c.mu.Unlock()
}

func (c *Client) lookup(cap Capability) (Target, Responder, Config, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targets[cap], c.fallbacks[cap], c.configs[cap], c.backoff
}

// Invoke calls the capability's target, absorbing rate-limit and
// invalid-credential failures through pool rotation and retrying
// retriable failures with exponential backoff. When the credential pool
// is exhausted or the retry budget is spent, the registered fallback
// responder answers instead and the output is marked degraded. Without
// a fallback, a non-retriable Failure surfaces.
func (c *Client) Invoke(ctx context.Context, cap Capability, payload Payload) (*Output, error) {
	target, fallback, cfg, backoff := c.lookup(cap)
	if target == nil {
		if fallback != nil {
			return c.degrade(ctx, cap, fallback, payload, errors.New("no target registered"))
		}
		return nil, &Failure{Capability: cap, Kind: KindUnavailable, Retriable: false,
			Err: errors.New("no target registered")}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	provider := target.Provider()
	var lastErr error
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, &Failure{Capability: cap, Kind: KindTimeout, Retriable: false, Err: err}
		}

		var cred *credential.Credential
		if provider != "" {
			var err error
			cred, err = c.pool.Acquire(provider)
			if err != nil {
				if errors.Is(err, credential.ErrAllExhausted) {
					c.logger.Warn("provider credentials exhausted, engaging fallback",
						zap.String("capability", string(cap)),
						zap.String("provider", provider))
					return c.degrade(ctx, cap, fallback, payload, err)
				}
				return nil, &Failure{Capability: cap, Kind: KindUnavailable, Retriable: false, Err: err}
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		out, err := target.Call(callCtx, payload, cred)
		cancel()

		if err == nil {
			if cred != nil {
				c.pool.Report(provider, cred, credential.OutcomeSuccess)
			}
			return out, nil
		}
		lastErr = err

		switch kind, retriable := classify(err); kind {
		case KindRateLimited:
			// Absorbed by rotation: the next loop acquires the next
			// credential without spending the retry budget.
			if cred != nil {
				c.pool.Report(provider, cred, credential.OutcomeRateLimited)
				continue
			}
			retries++
		case KindInvalidCredential:
			if cred != nil {
				c.pool.Report(provider, cred, credential.OutcomeInvalid)
				continue
			}
			retries++
		default:
			if cred != nil {
				c.pool.Report(provider, cred, credential.OutcomeTransientError)
			}
			if !retriable {
				c.logger.Warn("capability failed, engaging fallback",
					zap.String("capability", string(cap)), zap.Error(err))
				return c.degrade(ctx, cap, fallback, payload, err)
			}
			retries++
		}

		if retries >= cfg.MaxRetries {
			c.logger.Warn("retry budget exhausted, engaging fallback",
				zap.String("capability", string(cap)),
				zap.Int("retries", retries), zap.Error(lastErr))
			return c.degrade(ctx, cap, fallback, payload, lastErr)
		}

		wait := backoff << uint(retries-1)
		select {
		case <-ctx.Done():
			return nil, &Failure{Capability: cap, Kind: KindTimeout, Retriable: false, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}
}

// degrade answers through the fallback responder, or surfaces an
// Unavailable failure when the capability has none.
func (c *Client) degrade(ctx context.Context, cap Capability, fallback Responder, payload Payload, cause error) (*Output, error) {
	if fallback == nil {
		return nil, &Failure{Capability: cap, Kind: KindUnavailable, Retriable: false, Err: cause}
	}
	out, err := fallback.Respond(ctx, payload)
	if err != nil {
		return nil, &Failure{Capability: cap, Kind: KindUnavailable, Retriable: false, Err: err}
	}
	out.Degraded = true
	return out, nil
}

// classify maps an arbitrary target error onto the failure taxonomy.
// Unknown errors count as retriable transient failures.
func classify(err error) (FailureKind, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind, f.Retriable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout, true
	}
	return KindUnavailable, true
}
