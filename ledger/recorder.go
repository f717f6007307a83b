package ledger

import (
	"context"
	"fmt"

	"github.com/warp/bookstore-engine/generic"
)

// =============================================================================
// RECORDER - Appends ledger rows (no availability checks)
// =============================================================================

// Entry is a movement to record.
type Entry struct {
	BookID   int64
	Activity ActivityType
	Quantity int
	UserID   int64
	Data     string
}

// Recorder appends ledger rows and refreshes the book's snapshot.
//
// Recording is pure: whether the movement is allowed is decided by the
// caller (inventory.Service). Call Record inside Transactor.WithTx so the
// row and the snapshot land together.
type Recorder struct {
	repo  Repository
	clock generic.Clock
}

func NewRecorder(repo Repository, clock generic.Clock) *Recorder {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &Recorder{repo: repo, clock: clock}
}

// Record validates and appends one row.
func (r *Recorder) Record(ctx context.Context, e Entry) (BookTransaction, error) {
	if !e.Activity.Valid() {
		return BookTransaction{}, fmt.Errorf("%w: %q", generic.ErrInvalidActivity, e.Activity)
	}
	if e.Quantity <= 0 {
		return BookTransaction{}, generic.ErrInvalidQuantity
	}

	data := e.Data
	if e.Activity == ActivityStock {
		data = stripLegacyReturnMarker(data)
	}

	tx, err := r.repo.AppendBookTransaction(ctx, BookTransaction{
		Activity:  e.Activity,
		BookID:    e.BookID,
		Quantity:  e.Quantity,
		CreatedAt: r.clock.Now(),
		UserID:    e.UserID,
		Data:      data,
	})
	if err != nil {
		return BookTransaction{}, err
	}

	if _, err := r.Rebuild(ctx, e.BookID); err != nil {
		return BookTransaction{}, err
	}
	return tx, nil
}

// Rebuild re-derives the book's snapshot from its full ledger and saves it.
func (r *Recorder) Rebuild(ctx context.Context, bookID int64) (Snapshot, error) {
	txs, err := r.repo.BookTransactions(ctx, bookID)
	if err != nil {
		return Snapshot{}, err
	}

	f := Fold(txs).Figures()
	snap := Snapshot{
		BookID:          bookID,
		CurrentQuantity: f.CurrentQuantity,
		PhysicalStock:   f.PhysicalStock,
		CurrentlyRented: f.CurrentlyRented,
		UpdatedAt:       r.clock.Now(),
	}
	for _, tx := range txs {
		snap.LastTransactionID = max(snap.LastTransactionID, tx.ID)
	}

	if err := r.repo.SaveSnapshot(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to save snapshot for book %d: %w", bookID, err)
	}
	return snap, nil
}
