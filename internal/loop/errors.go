package loop

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by Run and Predict when the input cannot support a recommendation
var (
	ErrMissingGlucose          = errors.New("no glucose history")
	ErrGlucoseTooOld           = errors.New("latest glucose is too old")
	ErrBasalTimelineIncomplete = errors.New("basal timeline incomplete")
)

// CoverageError reports a schedule that does not reach an instant the algorithm needs.
// It matches ErrBasalTimelineIncomplete with errors.Is.
type CoverageError struct {
	Schedule string
	At       time.Time
}

func (e *CoverageError) Error() string {
	return fmt.Sprintf("%s schedule does not cover %s", e.Schedule, e.At.Format(time.RFC3339))
}

// Is implements errors.Is
func (e *CoverageError) Is(target error) bool {
	return target == ErrBasalTimelineIncomplete
}

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
