package provision

import (
	"errors"
	"fmt"

	"github.com/splax/runway/api/internal/domain"
)

var (
	// ErrInvalidRequest indicates a malformed provisioning request.
	ErrInvalidRequest = errors.New("invalid provisioning request")
	// ErrPreconditionMissing indicates a required account linkage is absent.
	ErrPreconditionMissing = errors.New("provisioning precondition missing")
	// ErrFatalStep marks a saga aborted by a step failure.
	ErrFatalStep = errors.New("provisioning step failed")
)

// SagaError reports the step that aborted a saga along with the step ledger
// recorded up to and including the failure.
type SagaError struct {
	Step  domain.StepName
	Steps []domain.StepResult
	Err   error
}

func (e *SagaError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

// Unwrap exposes both ErrFatalStep and the underlying cause.
func (e *SagaError) Unwrap() []error {
	return []error{ErrFatalStep, e.Err}
}
