// Package apperr holds the error taxonomy shared by the selection, promotion and
// serving layers. Typed errors match their sentinel through errors.Is.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRegistration     = errors.New("model registration failed")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrPrediction       = errors.New("prediction failed")
	ErrUnavailable      = errors.New("upstream unavailable")
	ErrInvalidConfig    = errors.New("invalid config")
)

// RegistrationError reports a failed registry write for one model. It is non-fatal
// to the promotion pipeline.
type RegistrationError struct {
	ModelName string
	Alias     string
	Err       error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s@%s: %v", e.ModelName, e.Alias, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

func (e *RegistrationError) Is(target error) bool { return target == ErrRegistration }

// ModelUnavailableError is returned when neither the primary nor the fallback model
// could be loaded.
type ModelUnavailableError struct {
	ModelURI         string
	FallbackModelURI string
	ModelErr         error
	FallbackErr      error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("load %s: %v; fallback %s: %v", e.ModelURI, e.ModelErr, e.FallbackModelURI, e.FallbackErr)
}

func (e *ModelUnavailableError) Unwrap() []error { return []error{e.ModelErr, e.FallbackErr} }

func (e *ModelUnavailableError) Is(target error) bool { return target == ErrModelUnavailable }

// PredictionError wraps a failed inference call on a loaded model.
type PredictionError struct {
	ModelURI string
	Err      error
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("predict with %s: %v", e.ModelURI, e.Err)
}

func (e *PredictionError) Unwrap() error { return e.Err }

func (e *PredictionError) Is(target error) bool { return target == ErrPrediction }
