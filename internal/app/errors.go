package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func errForbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errImmutableField(field string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "IMMUTABLE_FIELD", field+" cannot be changed", nil)
}

func errCrossProject(what string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "CROSS_PROJECT_REF", what+" does not belong to the issue's project", nil)
}

func errInvalidTransition(from, to string) *DomainError {
	return domainError(http.StatusConflict, "INVALID_TRANSITION",
		fmt.Sprintf("cannot move issue from %q to %q", from, to),
		map[string]any{"from": from, "to": to})
}
