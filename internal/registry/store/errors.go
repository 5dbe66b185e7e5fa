package store

import (
	"errors"
	"fmt"
)

// NotFoundError indicates the resource was not found (or user lacks access).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates insufficient access.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	if e.Reason == "" {
		return "forbidden"
	}
	return "forbidden: " + e.Reason
}

// NotAuthenticatedError indicates no caller identity became available.
type NotAuthenticatedError struct{}

func (e *NotAuthenticatedError) Error() string {
	return "not authenticated"
}

// UnavailableError indicates the backend could not be reached in time.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return "storage unavailable"
	}
	return "storage unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// UploadFailedError wraps a blob transport failure.
type UploadFailedError struct {
	Name string
	Err  error
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("upload of %q failed: %v", e.Name, e.Err)
}

func (e *UploadFailedError) Unwrap() error { return e.Err }

// Kind names the error category of err, or "internal".
func Kind(err error) string {
	var notFound *NotFoundError
	var validation *ValidationError
	var conflict *ConflictError
	var forbidden *ForbiddenError
	var unauthenticated *NotAuthenticatedError
	var unavailable *UnavailableError
	var upload *UploadFailedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &validation):
		return "invalid_argument"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.As(err, &unauthenticated):
		return "not_authenticated"
	case errors.As(err, &unavailable):
		return "storage_unavailable"
	case errors.As(err, &upload):
		return "upload_failed"
	default:
		return "internal"
	}
}
