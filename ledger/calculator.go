package ledger

import (
	"context"
)

// =============================================================================
// TOTALS - Per-activity sums for one book
// =============================================================================

// Totals are the raw sums the derived figures are built from.
type Totals struct {
	Stocked  int
	Sold     int
	Removed  int
	Rented   int
	Returned int
}

// Fold sums the quantities of txs by activity. Order-independent.
func Fold(txs []BookTransaction) Totals {
	var t Totals
	for _, tx := range txs {
		switch tx.Kind() {
		case ActivityStock:
			t.Stocked += tx.Quantity
		case ActivitySold:
			t.Sold += tx.Quantity
		case ActivityRemove:
			t.Removed += tx.Quantity
		case ActivityRent:
			t.Rented += tx.Quantity
		case ActivityReturn:
			t.Returned += tx.Quantity
		}
	}
	return t
}

// CurrentQuantity is what can be sold or checked out right now.
// Not floored: inconsistent history shows up as a negative number.
func (t Totals) CurrentQuantity() int {
	return t.Stocked - t.Sold - t.Removed - t.Rented + t.Returned
}

// PhysicalStock is the number of copies owned, rented out or not.
func (t Totals) PhysicalStock() int {
	return t.Stocked - t.Sold - t.Removed
}

// CurrentlyRented is the number of copies out on loan, floored at zero.
func (t Totals) CurrentlyRented() int {
	return max(0, t.Rented-t.Returned)
}

func (t Totals) AvailableForRentalCopies() int {
	return max(0, t.PhysicalStock()-t.CurrentlyRented())
}

func (t Totals) Figures() Figures {
	return Figures{
		CurrentQuantity:          t.CurrentQuantity(),
		PhysicalStock:            t.PhysicalStock(),
		CurrentlyRented:          t.CurrentlyRented(),
		AvailableForRentalCopies: t.AvailableForRentalCopies(),
	}
}

// Figures are the derived inventory numbers for one book.
type Figures struct {
	CurrentQuantity          int
	PhysicalStock            int
	CurrentlyRented          int
	AvailableForRentalCopies int
}

// =============================================================================
// CALCULATOR - Derive, never cache
// =============================================================================

// Calculator derives inventory figures by folding a book's full ledger on
// every call. It holds no state between calls.
type Calculator struct {
	store Store
}

func NewCalculator(store Store) *Calculator {
	return &Calculator{store: store}
}

// Totals loads and folds the book's ledger.
func (c *Calculator) Totals(ctx context.Context, bookID int64) (Totals, error) {
	txs, err := c.store.BookTransactions(ctx, bookID)
	if err != nil {
		return Totals{}, err
	}
	return Fold(txs), nil
}

func (c *Calculator) Figures(ctx context.Context, bookID int64) (Figures, error) {
	t, err := c.Totals(ctx, bookID)
	if err != nil {
		return Figures{}, err
	}
	return t.Figures(), nil
}

func (c *Calculator) GetCurrentQuantity(ctx context.Context, bookID int64) (int, error) {
	t, err := c.Totals(ctx, bookID)
	return t.CurrentQuantity(), err
}

func (c *Calculator) GetPhysicalStock(ctx context.Context, bookID int64) (int, error) {
	t, err := c.Totals(ctx, bookID)
	return t.PhysicalStock(), err
}

func (c *Calculator) GetCurrentlyRented(ctx context.Context, bookID int64) (int, error) {
	t, err := c.Totals(ctx, bookID)
	return t.CurrentlyRented(), err
}

func (c *Calculator) GetAvailableForRentalCopies(ctx context.Context, bookID int64) (int, error) {
	t, err := c.Totals(ctx, bookID)
	return t.AvailableForRentalCopies(), err
}

// IsAvailableForPurchase reports qty > 0 && currentQuantity >= qty.
func (c *Calculator) IsAvailableForPurchase(ctx context.Context, bookID int64, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	t, err := c.Totals(ctx, bookID)
	if err != nil {
		return false, err
	}
	return t.CurrentQuantity() >= qty, nil
}

// IsAvailableForRental reports qty > 0 && physicalStock >= qty.
// It looks at physical stock, not current quantity, because current
// quantity of a rental title is already reduced by outstanding loans.
func (c *Calculator) IsAvailableForRental(ctx context.Context, bookID int64, qty int) (bool, error) {
	if qty <= 0 {
		return false, nil
	}
	t, err := c.Totals(ctx, bookID)
	if err != nil {
		return false, err
	}
	return t.PhysicalStock() >= qty, nil
}
