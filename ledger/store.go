package ledger

import "context"

// =============================================================================
// STORE - Persistence contract (append-only)
// =============================================================================

// Store persists ledger rows.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete.
type Store interface {
	// AppendBookTransaction persists tx and returns it with its assigned ID.
	AppendBookTransaction(ctx context.Context, tx BookTransaction) (BookTransaction, error)

	// BookTransactions returns every row for the book ordered by (CreatedAt, ID).
	BookTransactions(ctx context.Context, bookID int64) ([]BookTransaction, error)
}

// SnapshotStore persists per-book running totals.
type SnapshotStore interface {
	// SaveSnapshot inserts or replaces the snapshot for s.BookID.
	SaveSnapshot(ctx context.Context, s Snapshot) error

	// Snapshot returns generic.ErrNotFound if the book has none.
	Snapshot(ctx context.Context, bookID int64) (*Snapshot, error)

	// Snapshots returns every snapshot ordered by BookID.
	Snapshots(ctx context.Context) ([]Snapshot, error)

	// LedgerBookIDs lists every book that has at least one ledger row.
	LedgerBookIDs(ctx context.Context) ([]int64, error)
}

// Repository is the full ledger persistence surface.
type Repository interface {
	Store
	SnapshotStore
}
