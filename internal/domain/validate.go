package domain

import (
	"fmt"
	"strings"
)

// ValidationError names the first required field that failed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// ValidateNew checks the fields a user must fill before a deliverable can be saved.
func ValidateNew(name, description string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if strings.TrimSpace(description) == "" {
		return &ValidationError{Field: "description", Message: "description is required"}
	}
	return nil
}
