package command

import "strings"

// ValidationError lists every problem found while validating input.
type ValidationError struct {
	Problems []string `json:"problems"`
}

// NewValidationError returns nil when there are no problems.
func NewValidationError(problems ...string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}
