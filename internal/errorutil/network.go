// Package errorutil classifies transport-level failures and validates
// request inputs shared across the HTTP surface and the upstream clients.
package errorutil

import (
	"context"
	"errors"
	"net"
	neturl "net/url"
	"strings"
)

// IsTimeout reports whether an error is a network timeout or a context
// deadline, in any of the shapes the HTTP client surfaces them.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *neturl.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsDNSError reports whether an error came from name resolution.
func IsDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsConnectionRefused reports a refused connection, which usually means the
// upstream endpoint is down rather than rejecting us.
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused")
}

// IsRetryable reports whether retrying the same call later could plausibly
// succeed: timeouts, DNS hiccups, and refused connections qualify.
func IsRetryable(err error) bool {
	return IsTimeout(err) || IsDNSError(err) || IsConnectionRefused(err)
}
