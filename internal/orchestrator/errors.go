package orchestrator

import (
	"errors"
	"net"
	"strings"

	"nexuschat/internal/providers"
)

const systemErrorPrefix = "**System Error:** "

// FormatSystemError renders err as the inline error bubble text, with a short
// hint for the failures a user can act on.
func FormatSystemError(err error) string {
	if err == nil {
		err = errors.New("unknown error")
	}
	msg := err.Error()
	return systemErrorPrefix + msg + hint(err, msg)
}

func hint(err error, msg string) string {
	code := 0
	var statusErr *providers.StatusError
	if errors.As(err, &statusErr) {
		code = statusErr.StatusCode
	}
	switch {
	case code == 401 || strings.Contains(msg, "401"):
		return " (Unauthorized - Check API Key)"
	case code == 402 || strings.Contains(msg, "402"):
		return " (Payment Required - Check Credits)"
	case code == 429 || strings.Contains(msg, "429"):
		return " (Rate Limited - Try Again Later)"
	}
	if isNetworkError(err, msg) {
		return " (Network Error - Check Connection)"
	}
	return ""
}

func isNetworkError(err error, msg string) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	lower := strings.ToLower(msg)
	return strings.Contains(msg, "NetworkError") ||
		strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host")
}
