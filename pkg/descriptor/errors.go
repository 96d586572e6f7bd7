package descriptor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/menta2k/ar-target/pkg/types"
)

var (
	// ErrInvalidDescriptor is wrapped by every validation failure.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	// ErrNoStrategies is returned by a builder without strategies.
	ErrNoStrategies = errors.New("descriptor: no generation strategies configured")
)

// AttemptError records why one strategy did not produce an accepted descriptor.
type AttemptError struct {
	Method   types.GenerationMethod
	Err      error
	Duration time.Duration
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Method, e.Duration.Round(time.Millisecond), e.Err)
}

func (e AttemptError) Unwrap() error {
	return e.Err
}

// GenerationFailure is returned when every strategy failed.
type GenerationFailure struct {
	Attempts []AttemptError
}

func (e *GenerationFailure) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("descriptor generation failed after %d attempt(s): %s", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *GenerationFailure) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// IntegrityError is returned by the fetcher when a descriptor cannot be
// retrieved or what was retrieved is not a binary descriptor.
type IntegrityError struct {
	URL    string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("descriptor integrity: %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("descriptor integrity: %s: %s", e.URL, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}
