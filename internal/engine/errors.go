package engine

import (
	"errors"
	"fmt"

	"scrumbringer/internal/domain"
)

// ErrNotFoundOrConflict is the single collapsed optimistic-lock error: the
// task row either does not exist or the presented version is stale. The two
// are deliberately indistinguishable without a prior read.
var ErrNotFoundOrConflict = errors.New("task not found or version conflict")

// InvalidTransitionError reports an operation that is not valid for the
// task's current state.
type InvalidTransitionError struct {
	Op     string
	Status domain.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s task in status %s", e.Op, e.Status)
}

// InvalidReferenceError reports a foreign reference that does not resolve,
// for both direct task creation and automation-created tasks.
type InvalidReferenceError struct {
	Field string
}

func (e InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid reference: %s does not resolve", e.Field)
}
