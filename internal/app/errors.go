package app

import (
	"errors"
	"fmt"
	"net/http"

	"smartchapter/manager/internal/apperr"
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

var kindStatus = map[apperr.Kind]int{
	apperr.NotFound:             http.StatusNotFound,
	apperr.Invalid:              http.StatusBadRequest,
	apperr.Conflict:             http.StatusConflict,
	apperr.InconsistentManifest: http.StatusConflict,
	apperr.ParseError:           http.StatusUnprocessableEntity,
	apperr.RepairFailed:         http.StatusUnprocessableEntity,
	apperr.ValidationFailed:     http.StatusInternalServerError,
	apperr.IOError:              http.StatusInternalServerError,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		status, ok := kindStatus[typed.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		if status == http.StatusInternalServerError {
			return status, string(typed.Kind), "Server error", nil
		}
		return status, string(typed.Kind), typed.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
