package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class buckets provider failures for the fallback executor.
type Class int

const (
	// ClassTransient covers timeouts, network failures, and rate
	// limits. Penalizes health, advances to the next candidate.
	ClassTransient Class = iota

	// ClassAuth covers missing or invalid credentials. Skipped
	// without a health penalty; the provider is disabled for the
	// session.
	ClassAuth

	// ClassConfig covers malformed or missing provider
	// configuration. Same handling as ClassAuth.
	ClassConfig

	// ClassModelLoad covers local artifact download or load
	// failures. The local provider stays unavailable for the
	// process.
	ClassModelLoad
)

func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassConfig:
		return "config"
	case ClassModelLoad:
		return "model_load"
	default:
		return "transient"
	}
}

// Error wraps a provider failure with its classification.
type Error struct {
	Class      Class
	ProviderID string
	Status     int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %v", e.ProviderID, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s error (status=%d)", e.ProviderID, e.Class, e.Status)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AuthError marks a missing/invalid credential failure.
func AuthError(id string, err error) *Error {
	return &Error{Class: ClassAuth, ProviderID: id, Err: err}
}

// ConfigError marks a configuration failure.
func ConfigError(id string, err error) *Error {
	return &Error{Class: ClassConfig, ProviderID: id, Err: err}
}

// TransientError marks a retryable failure.
func TransientError(id string, err error) *Error {
	return &Error{Class: ClassTransient, ProviderID: id, Err: err}
}

// ModelLoadError marks a local model artifact or load failure.
func ModelLoadError(id string, err error) *Error {
	return &Error{Class: ClassModelLoad, ProviderID: id, Err: err}
}

// statusError wraps an HTTP-level failure with its status code.
func statusError(id string, status int, err error) *Error {
	return &Error{Class: classifyStatus(status), ProviderID: id, Status: status, Err: err}
}

func classifyStatus(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 429 || (status >= 500 && status <= 599):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// Classify maps any provider failure into the taxonomy. Unrecognized
// errors count as transient so the chain always advances.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	return ClassTransient
}

// IsTransient reports whether a failure should penalize health and
// advance the chain.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }

// IsAuth reports a credential failure.
func IsAuth(err error) bool { return Classify(err) == ClassAuth }

// IsConfig reports a configuration failure.
func IsConfig(err error) bool { return Classify(err) == ClassConfig }

// IsModelLoad reports a local model load failure.
func IsModelLoad(err error) bool { return Classify(err) == ClassModelLoad }
