package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridel/finbrief/internal/credential"
	"go.uber.org/zap"
)

// HTTPTarget invokes a backend agent service over JSON-RPC-style HTTP.
// The service contract is a POST of the payload and a response of
// {"success": bool, "data": {...}, "error": "..."}.
type HTTPTarget struct {
	capability Capability
	url        string
	provider   string
	client     *http.Client
	logger     *zap.Logger
}

// NewHTTPTarget creates a target posting to url. provider names the
// credential pool to draw from; pass "" for unbilled services.
func NewHTTPTarget(cap Capability, url, provider string, timeout time.Duration, logger *zap.Logger) *HTTPTarget {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTarget{
		capability: cap,
		url:        url,
		provider:   provider,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (t *HTTPTarget) Provider() string { return t.provider }

type serviceResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   string                 `json:"error"`
}

// Call posts the payload and maps HTTP status codes onto the failure
// taxonomy so the client can rotate credentials or retry.
func (t *HTTPTarget) Call(ctx context.Context, payload Payload, cred *credential.Credential) (*Output, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &Failure{Capability: t.capability, Kind: KindUnavailable, Retriable: false,
			Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{Capability: t.capability, Kind: KindUnavailable, Retriable: false,
			Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if cred != nil {
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Failure{Capability: t.capability, Kind: KindTimeout, Retriable: true, Err: err}
		}
		return nil, &Failure{Capability: t.capability, Kind: KindUnavailable, Retriable: true,
			Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Failure{Capability: t.capability, Kind: KindRateLimited, Retriable: true,
			Err: fmt.Errorf("agent service %s rate limited", t.url)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Failure{Capability: t.capability, Kind: KindInvalidCredential, Retriable: true,
			Err: fmt.Errorf("agent service %s rejected credential (%d)", t.url, resp.StatusCode)}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &Failure{Capability: t.capability, Kind: KindTimeout, Retriable: true,
			Err: fmt.Errorf("agent service %s timed out (%d)", t.url, resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &Failure{Capability: t.capability, Kind: KindUnavailable, Retriable: true,
			Err: fmt.Errorf("agent service %s error %d", t.url, resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &Failure{Capability: t.capability, Kind: KindUnavailable, Retriable: false,
			Err: fmt.Errorf("agent service %s error %d: %s", t.url, resp.StatusCode, string(respBody))}
	}

	var sr serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, &Failure{Capability: t.capability, Kind: KindUnavailable, Retriable: true,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	if !sr.Success {
		return nil, &Failure{Capability: t.capability, Kind: KindUnavailable, Retriable: false,
			Err: fmt.Errorf("agent service %s: %s", t.url, sr.Error)}
	}

	return &Output{Fields: sr.Data}, nil
}
