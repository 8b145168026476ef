package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes pipeline failures. The cascade routes on kinds, not
// on concrete error values.
type ErrorKind string

const (
	// ErrorKindStoreUnavailable indicates the trace store could not be
	// reached. The request degrades; it never fails for this.
	ErrorKindStoreUnavailable ErrorKind = "store_unavailable"

	// ErrorKindProviderTimeout indicates a provider call exceeded its budget.
	ErrorKindProviderTimeout ErrorKind = "provider_timeout"

	// ErrorKindProviderUnavailable indicates a provider call failed outright.
	ErrorKindProviderUnavailable ErrorKind = "provider_unavailable"

	// ErrorKindClassifier indicates the crisis classifier itself failed.
	// Callers must fail closed and treat the input as a crisis match.
	ErrorKindClassifier ErrorKind = "classifier_error"

	// ErrorKindInvalidInput indicates an empty or oversized message.
	ErrorKindInvalidInput ErrorKind = "invalid_input"

	// ErrorKindConfig indicates a configuration or programming defect, the
	// only kind that surfaces as a hard failure to the caller.
	ErrorKindConfig ErrorKind = "config_defect"
)

// PipelineError is the canonical error carried between pipeline components.
type PipelineError struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *PipelineError) Error() string {
	switch {
	case e.Provider != "" && e.Err != nil:
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Provider, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Provider != "":
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// KindOf extracts the error kind, or "" if err is not a pipeline error.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrStoreUnavailable wraps a trace store failure.
func ErrStoreUnavailable(err error) *PipelineError {
	return &PipelineError{Kind: ErrorKindStoreUnavailable, Message: "trace store unavailable", Err: err}
}

// ErrProviderTimeout wraps a provider deadline overrun.
func ErrProviderTimeout(provider string, err error) *PipelineError {
	return &PipelineError{Kind: ErrorKindProviderTimeout, Provider: provider, Message: "provider call timed out", Err: err}
}

// ErrProviderUnavailable wraps any non-timeout provider failure.
func ErrProviderUnavailable(provider string, err error) *PipelineError {
	return &PipelineError{Kind: ErrorKindProviderUnavailable, Provider: provider, Message: "provider call failed", Err: err}
}

// ErrClassifier wraps a crisis classifier failure.
func ErrClassifier(err error) *PipelineError {
	return &PipelineError{Kind: ErrorKindClassifier, Message: "crisis classifier failed", Err: err}
}

// ErrInvalidInput reports an empty or oversized message.
func ErrInvalidInput(message string) *PipelineError {
	return &PipelineError{Kind: ErrorKindInvalidInput, Message: message}
}

// ErrConfig reports a configuration defect.
func ErrConfig(message string) *PipelineError {
	return &PipelineError{Kind: ErrorKindConfig, Message: message}
}
