package ir

import (
	"errors"
	"fmt"
)

// ConfigErrorCode classifies a malformed or self-contradictory specification.
type ConfigErrorCode string

const (
	ErrInvalidWeights    ConfigErrorCode = "INVALID_WEIGHTS"
	ErrInvalidRange      ConfigErrorCode = "INVALID_RANGE"
	ErrEmptyBands        ConfigErrorCode = "EMPTY_BANDS"
	ErrEmptyValues       ConfigErrorCode = "EMPTY_VALUES"
	ErrNoMatch           ConfigErrorCode = "NO_MATCH"
	ErrMissingFallback   ConfigErrorCode = "MISSING_FALLBACK"
	ErrCycle             ConfigErrorCode = "CYCLE"
	ErrUnknownReference  ConfigErrorCode = "UNKNOWN_REFERENCE"
	ErrForwardReference  ConfigErrorCode = "FORWARD_REFERENCE"
	ErrDuplicateID       ConfigErrorCode = "DUPLICATE_ID"
	ErrUnknownDomain     ConfigErrorCode = "UNKNOWN_DOMAIN"
	ErrUnknownEventType  ConfigErrorCode = "UNKNOWN_EVENT_TYPE"
	ErrInvalidPredicate  ConfigErrorCode = "INVALID_PREDICATE"
	ErrInvalidSpec       ConfigErrorCode = "INVALID_SPEC"
	ErrInvalidDescriptor ConfigErrorCode = "INVALID_DESCRIPTOR"
)

// ConfigError reports a specification fault. It is always fatal to the call
// that returned it and nothing is partially applied.
//
// Subject names the offending attribute, template, rule or domain so the
// specification can be fixed without guessing.
type ConfigError struct {
	Code    ConfigErrorCode
	Subject string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("configuration error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("configuration error [%s] %s: %s", e.Code, e.Subject, e.Message)
}

// NewConfigError creates a ConfigError with a formatted message.
func NewConfigError(code ConfigErrorCode, subject, format string, args ...any) *ConfigError {
	return &ConfigError{
		Code:    code,
		Subject: subject,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithSubject returns a copy of e whose subject is prefixed by outer,
// e.g. "age" becomes "population adults/age".
func (e *ConfigError) WithSubject(outer string) *ConfigError {
	subject := outer
	if e.Subject != "" {
		subject = outer + "/" + e.Subject
	}
	return &ConfigError{Code: e.Code, Subject: subject, Message: e.Message}
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// AsConfigError extracts the *ConfigError wrapped by err, if any.
func AsConfigError(err error) (*ConfigError, bool) {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ScopeConfigError prefixes the subject of a wrapped ConfigError and
// returns any other error unchanged.
func ScopeConfigError(err error, outer string) error {
	if ce, ok := AsConfigError(err); ok {
		return ce.WithSubject(outer)
	}
	return err
}
