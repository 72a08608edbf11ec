package app

import (
	"errors"
	"fmt"
	"net/http"

	"patchmgr/api/internal/patch"
)

// DomainError is an error the HTTP layer reports verbatim. Err, when set, is
// the underlying cause and stays reachable through errors.Is.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func requiredField(field string) error {
	return &DomainError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "VALIDATION_ERROR",
		Message: field + " is required",
		Details: map[string]any{"field": field},
		Err:     patch.ErrInvalid,
	}
}

// invalidField turns a patch.ErrInvalid from the tree into a validation
// error naming field. Other errors pass through.
func invalidField(field string, err error) error {
	if !errors.Is(err, patch.ErrInvalid) {
		return err
	}
	return &DomainError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "VALIDATION_ERROR",
		Message: field + " is invalid",
		Details: map[string]any{"field": field},
		Err:     err,
	}
}

func gitUnavailable() error {
	return domainError(http.StatusServiceUnavailable, "GIT_UNAVAILABLE", "Baseline repository not configured", nil)
}
