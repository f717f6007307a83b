package inventory

import (
	"fmt"

	"github.com/warp/bookstore-engine/generic"
	"github.com/warp/bookstore-engine/ledger"
)

// InsufficientStockError provides details about a rejected movement.
type InsufficientStockError struct {
	BookID    int64
	Activity  ledger.ActivityType
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s of book %d: requested %d, available %d",
		e.Activity, e.BookID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return generic.ErrInsufficientStock
}
