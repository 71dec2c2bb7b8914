package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/meridel/finbrief/internal/credential"
)

// Capability is an abstract operation implemented by exactly one
// backend agent target.
type Capability string

const (
	CapMarketData Capability = "market_data"
	CapNews       Capability = "news"
	CapRetrieve   Capability = "retrieve"
	CapAnalyze    Capability = "analyze"
	CapGenerate   Capability = "generate"
	CapClassify   Capability = "classify"
	CapTranscribe Capability = "transcribe"
	CapSpeak      Capability = "speak"
)

// Payload carries the input of one capability invocation.
type Payload map[string]interface{}

// Output is the result of one capability invocation. Degraded marks
// results produced by a fallback responder instead of the primary
// provider.
type Output struct {
	Fields   map[string]interface{} `json:"fields"`
	Degraded bool                   `json:"degraded"`
}

// Str returns a string field, or "" when absent or not a string.
func (o *Output) Str(key string) string {
	if o == nil || o.Fields == nil {
		return ""
	}
	s, _ := o.Fields[key].(string)
	return s
}

// Strings returns a string-slice field, tolerating []interface{} as
// produced by JSON decoding.
func (o *Output) Strings(key string) []string {
	if o == nil || o.Fields == nil {
		return nil
	}
	switch v := o.Fields[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Bool returns a boolean field, false when absent.
func (o *Output) Bool(key string) bool {
	if o == nil || o.Fields == nil {
		return false
	}
	b, _ := o.Fields[key].(bool)
	return b
}

// FailureKind classifies an invocation failure.
type FailureKind string

const (
	KindUnavailable       FailureKind = "unavailable"
	KindTimeout           FailureKind = "timeout"
	KindRateLimited       FailureKind = "rate_limited"
	KindInvalidCredential FailureKind = "invalid_credential"
)

// Failure is the error returned when a capability invocation cannot
// produce output, even via fallback.
type Failure struct {
	Capability Capability
	Kind       FailureKind
	Retriable  bool
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("agent %s: %s: %v", f.Capability, f.Kind, f.Err)
	}
	return fmt.Sprintf("agent %s: %s", f.Capability, f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// Target is one backend agent implementation of a capability. Provider
// returns the credential-pool provider name, or "" when the target
// needs no credential.
type Target interface {
	Call(ctx context.Context, payload Payload, cred *credential.Credential) (*Output, error)
	Provider() string
}

// Responder is a deterministic, offline substitute engaged when the
// primary target is out of credentials or retries. Kept injectable so
// fallback behavior is declared per capability, never branched inline.
type Responder interface {
	Respond(ctx context.Context, payload Payload) (*Output, error)
}

// ResponderFunc adapts a plain function into a Responder.
type ResponderFunc func(ctx context.Context, payload Payload) (*Output, error)

func (f ResponderFunc) Respond(ctx context.Context, payload Payload) (*Output, error) {
	return f(ctx, payload)
}

// Config bounds one capability's invocations.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
}

// FuncTarget adapts a plain function into a credential-free Target,
// used for in-process capabilities such as retrieval.
type FuncTarget func(ctx context.Context, payload Payload) (*Output, error)

func (f FuncTarget) Call(ctx context.Context, payload Payload, _ *credential.Credential) (*Output, error) {
	return f(ctx, payload)
}

func (f FuncTarget) Provider() string { return "" }
