package runner

import (
	"errors"
	"fmt"
	"strings"
)

// FailoverReason classifies a provider failure so callers can decide
// whether to retry the same runner or move to another one.
type FailoverReason string

const (
	ReasonBilling          FailoverReason = "billing"
	ReasonRateLimit        FailoverReason = "rate_limit"
	ReasonAuth             FailoverReason = "auth"
	ReasonTimeout          FailoverReason = "timeout"
	ReasonServerError      FailoverReason = "server_error"
	ReasonInvalidRequest   FailoverReason = "invalid_request"
	ReasonModelUnavailable FailoverReason = "model_unavailable"
	ReasonContentFilter    FailoverReason = "content_filter"
	ReasonUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether the same runner is worth retrying after a
// backoff. Billing, auth, and validation failures will not fix
// themselves; rate limits, timeouts, and server errors might.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether the failure justifies switching to a
// different runner entirely.
func (r FailoverReason) ShouldFailover() bool {
	switch r {
	case ReasonBilling, ReasonAuth, ReasonModelUnavailable, ReasonServerError:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure. It wraps the underlying cause
// so errors.Is/As keep working through it.
type Error struct {
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Reason   FailoverReason
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	if e.Message != "" {
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(e.Cause.Error())
	} else {
		b.WriteString(string(e.Reason))
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err, after classification, is worth
// retrying against the same runner.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// WrapError classifies err and attaches provider/model context. A nil
// err returns nil; an already-classified error passes through.
func WrapError(err error, provider, model string) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{
		Provider: provider,
		Model:    model,
		Reason:   ClassifyError(err),
		Cause:    err,
	}
}

// ClassifyError maps an arbitrary provider error onto a FailoverReason
// by inspecting its message. Providers return typed errors
// inconsistently across SDK versions, so string matching is the only
// classification that works for all of them.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "billing") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "insufficient credit") ||
		strings.Contains(msg, "payment"):
		return ReasonBilling

	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return ReasonRateLimit

	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "api key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403"):
		return ReasonAuth

	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "context canceled"):
		return ReasonTimeout

	case strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "unknown model") ||
		strings.Contains(msg, "does not exist"):
		return ReasonModelUnavailable

	case strings.Contains(msg, "content filter") ||
		strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "safety"):
		return ReasonContentFilter

	case strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "invalid_request") ||
		strings.Contains(msg, "400"):
		return ReasonInvalidRequest

	case strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "overloaded"):
		return ReasonServerError
	}

	return ReasonUnknown
}

// ClassifyStatusCode maps an HTTP status onto a FailoverReason when the
// provider surfaces one.
func ClassifyStatusCode(status int) FailoverReason {
	switch {
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 402:
		return ReasonBilling
	case status == 404:
		return ReasonModelUnavailable
	case status == 408:
		return ReasonTimeout
	case status == 429:
		return ReasonRateLimit
	case status >= 400 && status < 500:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}
