package provider

import (
	"errors"
	"fmt"
)

// Kind buckets a failure for lifecycle routing and status reporting.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindParse     Kind = "parse"
	KindConfig    Kind = "config"
)

// AuthError means credentials are missing or invalid. Fails fast, no retry.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth: %v", e.Provider, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers network timeouts, 5xx responses, and rate
// limits. Retried with backoff up to a configured ceiling.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError means the provider reported an unrecoverable failure.
// It will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ParseError means the provider call succeeded but no parseable
// structured output was found by any fallback.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ConfigError is a wiring mistake (e.g. a plugin asked to run in a mode
// it does not support). Raised before any Request is created.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

func NewAuthError(provider string, err error) error { return &AuthError{Provider: provider, Err: err} }
func NewTransient(err error) error                  { return &TransientError{Err: err} }
func NewPermanent(err error) error                  { return &PermanentError{Err: err} }
func NewParseError(format string, args ...any) error {
	return &ParseError{Err: fmt.Errorf(format, args...)}
}
func NewConfigError(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// Classify maps an error onto its Kind. Unrecognized errors are treated
// as transient so a flaky failure is never promoted to permanent by
// accident; the retry ceiling still bounds them.
func Classify(err error) Kind {
	var (
		authErr   *AuthError
		permErr   *PermanentError
		parseErr  *ParseError
		configErr *ConfigError
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &configErr):
		return KindConfig
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &permErr):
		return KindPermanent
	default:
		return KindTransient
	}
}

// Retryable reports whether the error should be retried.
func Retryable(err error) bool { return Classify(err) == KindTransient }
