package domain

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrProviderUnavailable = errors.New("provider not configured or disabled")
	ErrProviderCall        = errors.New("provider call failed")
	ErrInvalidConfig       = errors.New("invalid configuration document")
	ErrPersistence         = errors.New("configuration persistence failed")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
	ErrEmptyResponse       = errors.New("provider returned no content")
)

// ProviderError is the single error shape returned by provider clients.
// It matches ErrProviderCall and unwraps to the underlying fault.
type ProviderError struct {
	Provider ProviderID
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderCall
}

// NewProviderError wraps err unless it is already a ProviderError.
func NewProviderError(id ProviderID, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: id, Err: err}
}
