// Package mailerr classifies delivery failures so callers can decide between
// retrying, refreshing credentials, or failing a message terminally.
package mailerr

import (
	"errors"
	"fmt"
)

// Kind is the retry class of a delivery failure.
type Kind int

const (
	// KindUnknown is reported for errors that were never classified.
	// Callers treat it like KindTransient.
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindAuth
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is a classified delivery failure. Message is the human readable text
// shown to operators and stored in the audit log.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Provider != "" {
		prefix = e.Provider + " " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, provider, message string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: err}
}

// Transient reports a retryable failure such as a network error or a 5xx.
func Transient(provider, message string, err error) *Error {
	return newError(KindTransient, provider, message, err)
}

// Permanent reports a failure that will not succeed on retry.
func Permanent(provider, message string, err error) *Error {
	return newError(KindPermanent, provider, message, err)
}

// Auth reports an expired or rejected credential.
func Auth(provider, message string, err error) *Error {
	return newError(KindAuth, provider, message, err)
}

// Configuration reports missing or invalid settings. These are surfaced to
// the caller synchronously and never enqueued.
func Configuration(message string, err error) *Error {
	return newError(KindConfiguration, "", message, err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a message failing with err may be tried again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindConfiguration:
		return false
	default:
		return true
	}
}

// Message returns the operator facing text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
