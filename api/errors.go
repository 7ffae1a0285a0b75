package api

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"raingate/internal/errorutil"
)

// Error kinds reported by upstream providers. The gateway uses these to
// decide between credential rotation, provider fallback, and giving up.
const (
	KindAuth        = "auth"
	KindForbidden   = "forbidden"
	KindRateLimited = "rate_limited"
	KindTimeout     = "timeout"
	KindUpstream    = "upstream"
)

// Provider is a weather data source. Fetch returns the provider's raw
// JSON forecast payload for the given coordinates.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, lat, lon float64, key string) ([]byte, error)
}

// UpstreamError represents a failed request to a weather provider.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Kind       string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (status %d, %s): %s", e.Provider, e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s API error (%s): %s", e.Provider, e.Kind, e.Message)
}

// CredentialFault reports whether the error indicates a problem with the
// API key itself rather than the provider or the network.
func (e *UpstreamError) CredentialFault() bool {
	switch e.Kind {
	case KindAuth, KindForbidden, KindRateLimited:
		return true
	}
	return false
}

// classifyTransportError wraps a transport-level failure (no HTTP response
// was received) into an UpstreamError.
func classifyTransportError(provider string, err error) *UpstreamError {
	kind := KindUpstream
	if errorutil.IsTimeout(err) {
		kind = KindTimeout
	}
	return &UpstreamError{
		Provider: provider,
		Kind:     kind,
		Message:  err.Error(),
	}
}

// classifyResponseError maps a non-2xx provider response to an UpstreamError.
// The message is pulled from the JSON error body when one is present.
func classifyResponseError(provider string, resp *resty.Response) *UpstreamError {
	status := resp.StatusCode()

	var kind string
	switch status {
	case 401:
		kind = KindAuth
	case 403:
		kind = KindForbidden
	case 429:
		kind = KindRateLimited
	default:
		kind = KindUpstream
	}

	return &UpstreamError{
		Provider:   provider,
		StatusCode: status,
		Kind:       kind,
		Message:    errorMessage(resp.Body(), status),
	}
}

// errorMessage extracts a human-readable message from a provider error body.
// Tomorrow.io uses {"message": ...} or {"type": ...}; OpenWeather uses
// {"cod": ..., "message": ...}. Non-JSON bodies fall back to the status code.
func errorMessage(body []byte, status int) string {
	for _, path := range []string{"message", "type", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return fmt.Sprintf("request failed with status %d", status)
}
