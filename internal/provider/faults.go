package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var quotaSignatures = []string{
	"insufficient_quota",
	"exceeded your current quota",
	"quota exceeded",
	"credit balance",
	"insufficient funds",
	"insufficient_balance",
	"billing",
	"payment required",
}

// auth failures from adapters that only hand back a formatted string
var authSignatures = []string{
	"invalid_api_key",
	"incorrect api key",
	"invalid api key",
	"invalid x-api-key",
	"authentication_error",
	"unauthorized",
	"status code: 401",
	"status code: 403",
}

// IsQuota reports whether err means the account is out of credits or over
// its quota
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.StatusCode == http.StatusPaymentRequired {
			return true
		}
		if containsAny(perr.Code, quotaSignatures) || containsAny(perr.Message, quotaSignatures) {
			return true
		}
	}
	return containsAny(err.Error(), quotaSignatures)
}

// IsCallerFault reports whether err was caused by the request rather than
// the backend: a bad or exhausted key, a rejected payload, a cancelled
// context. These never count against a backend's circuit breaker since
// keys come per task.
func IsCallerFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsQuota(err) {
		return true
	}
	var perr *Error
	if errors.As(err, &perr) && perr.StatusCode/100 == 4 {
		return perr.StatusCode != http.StatusRequestTimeout && perr.StatusCode != http.StatusTooManyRequests
	}
	return containsAny(err.Error(), authSignatures)
}

func containsAny(s string, signatures []string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, sig := range signatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
