package tool

import (
	"errors"
	"strings"

	"testscribe/internal/domain"
)

var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrProviderError,
	domain.ErrUpstream,
	domain.ErrRateLimit,
}

// retryablePatterns are matched case-insensitively against error text
// from transports that do not wrap a sentinel.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
	"eof",
}

// classifyToolError reports whether err looks transient. Upstream 4xx
// responses other than 408 and 429 are permanent even though they wrap
// ErrUpstream.
func classifyToolError(err error) bool {
	if err == nil {
		return false
	}

	var up *domain.UpstreamError
	if errors.As(err, &up) {
		return up.Status >= 500 || up.Status == 408 || up.Status == 429
	}

	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
