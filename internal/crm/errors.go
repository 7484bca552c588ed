package crm

import (
	"errors"
	"fmt"
)

// TransientError marks a remote failure that is retry-eligible: transport
// errors, timeouts and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermissionError marks a 401/403 response. Surfaced to the user, never
// retried.
type PermissionError struct {
	Op     string
	Status int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied (HTTP %d)", e.Op, e.Status)
}

// ShapeError marks a response record missing an expected identifier field.
// The affected record is dropped from the result with a logged warning; the
// rest of the response is kept.
type ShapeError struct {
	Entity string
	Detail string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("malformed %s record: %s", e.Entity, e.Detail)
}

// IsTransient reports whether err is retry-eligible.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermission reports whether err is a permission denial.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}
