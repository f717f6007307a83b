/*
errors.go - Centralized error types shared by every domain package

PURPOSE:
  All sentinel errors in one place for consistency and discoverability.
  Domain packages (ledger, inventory, reservation, bookclub) wrap these
  with additional context and structured error types.

ERROR CATEGORIES:
  1. Not-found errors     - a referenced entity does not exist (404)
  2. Client errors        - a business rule rejected the operation (400)
  3. Store errors         - database-level failures (500)

USAGE:
  Domain packages wrap generic errors:

    if errors.Is(err, generic.ErrDuplicate) {
        return false, nil // already awarded, silent no-op
    }

SEE ALSO:
  - inventory/errors.go: InsufficientStockError
  - reservation/errors.go: reservation error codes
  - api/handlers.go: maps these categories to HTTP status codes
*/
package generic

import (
	"errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrActorNotFound is returned when the user performing an operation doesn't exist.
	ErrActorNotFound = errors.New("actor not found")

	// ErrInvalidQuantity is returned when a quantity is zero or negative.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInvalidActivity is returned for an activity type the ledger doesn't know.
	ErrInvalidActivity = errors.New("invalid activity type")

	// ErrInsufficientStock is returned when a movement exceeds what the ledger allows.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrDuplicate is returned by stores when a unique constraint rejects a write.
	// For loyalty awards this is expected behavior for retries.
	ErrDuplicate = errors.New("duplicate record")

	// ErrBusinessRule is returned when an operation is valid input but not allowed.
	ErrBusinessRule = errors.New("business rule violation")
)

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrActorNotFound)
}

// IsClientError returns true if the error is due to invalid client input
// or a rejected business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidActivity) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrBusinessRule)
}
