package reservation

import (
	"errors"
	"fmt"

	"github.com/warp/bookstore-engine/generic"
)

// =============================================================================
// ERROR CODES
// =============================================================================

// Code names the specific reason a reservation operation failed.
type Code string

const (
	CodeMemberNotFound      Code = "member_not_found"
	CodeBookNotFound        Code = "book_not_found"
	CodeReservationNotFound Code = "reservation_not_found"
	CodeNoActiveMembership  Code = "no_active_membership"
	CodeNotRentable         Code = "book_not_rentable"
	CodeAlreadyReserved     Code = "already_reserved"
	CodeNotOwner            Code = "not_owner"

	// Stock-check outcomes.
	CodeNeverStocked    Code = "never_stocked"
	CodeCopiesAvailable Code = "copies_available"

	CodeStorage Code = "storage"
)

// GenericMessage is what clients see for every reservation failure.
const GenericMessage = "reservation failed"

// Error is returned by every Queue operation that fails.
//
// Error() returns GenericMessage only. The code and the wrapped cause are
// reachable through Detail and errors.Is/As.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return GenericMessage }
func (e *Error) Unwrap() error { return e.Err }

// Detail is the full internal reason, for logging.
func (e *Error) Detail() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// IsStockCheck reports whether the failure came from the availability check.
func (e *Error) IsStockCheck() bool {
	return e.Code == CodeNeverStocked || e.Code == CodeCopiesAvailable
}

func notFound(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format+": %w", append(args, generic.ErrNotFound)...)}
}

func ruleViolation(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format+": %w", append(args, generic.ErrBusinessRule)...)}
}

// wrap classifies an unexpected error, preserving an existing *Error.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var rErr *Error
	if errors.As(err, &rErr) {
		return err
	}
	return &Error{Code: CodeStorage, Err: err}
}

// CodeOf returns the code of a reservation error, or "" for other errors.
func CodeOf(err error) Code {
	var rErr *Error
	if errors.As(err, &rErr) {
		return rErr.Code
	}
	return ""
}
