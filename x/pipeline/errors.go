package pipeline

import (
	"errors"
	"fmt"
)

// ErrPrerequisiteNotReady marks a value another party has not published yet.
var ErrPrerequisiteNotReady = errors.New("prerequisite not ready")

// StageError attaches the failing stage and the user-facing message that was
// published to the coordination record.
type StageError struct {
	Stage   Stage
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}
