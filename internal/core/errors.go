package core

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"canvas_worker/internal/provider"
	"canvas_worker/internal/storage"
)

// ErrorKind is the failure class shown to users and counted in metrics
type ErrorKind string

const (
	ErrorTransientNetwork ErrorKind = "transient_network"
	ErrorTimeout          ErrorKind = "timeout"
	ErrorQuota            ErrorKind = "quota"
	ErrorUnsupportedKind  ErrorKind = "unsupported_kind"
	ErrorProvider         ErrorKind = "provider"
)

// MaxErrorMessage caps provider messages surfaced on a node
const MaxErrorMessage = 500

const (
	timeoutMessage = "Generation took too long and was stopped. Try again, or shorten the prompt or context."
	quotaMessage   = "The AI provider account is out of credits or over its quota. Check billing for the provider and try again."
)

// ClassifiedError is a failure with a user-facing message
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify maps any failure onto the error taxonomy
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, ErrUnsupportedKind):
		return &ClassifiedError{Kind: ErrorUnsupportedKind, Message: truncateMessage(err.Error()), Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ClassifiedError{Kind: ErrorTimeout, Message: timeoutMessage, Err: err}
	case provider.IsQuota(err):
		return &ClassifiedError{Kind: ErrorQuota, Message: quotaMessage, Err: err}
	case storage.IsTransient(err):
		return &ClassifiedError{Kind: ErrorTransientNetwork, Message: truncateMessage("Network error: " + err.Error()), Err: err}
	}

	return &ClassifiedError{Kind: ErrorProvider, Message: truncateMessage(providerMessage(err)), Err: err}
}

// providerMessage prefers the backend's own message over our wrapping
func providerMessage(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	return err.Error()
}

func truncateMessage(s string) string {
	if utf8.RuneCountInString(s) <= MaxErrorMessage {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxErrorMessage-3]) + "..."
}
