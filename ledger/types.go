/*
Package ledger is the append-only stock ledger for books.

PURPOSE:
  Every stock-affecting event for a book (copies added, sold, written off,
  rented out, returned) is one immutable BookTransaction. There is no stock
  column anywhere: current quantity, physical stock and rented-out counts
  are always computed by folding the book's transactions.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: ledger rows are never updated or deleted
  2. POSITIVE QUANTITY: direction comes from the activity, never the sign
  3. DERIVED FIGURES: recomputed from the full history on every read

ACTIVITIES AND THEIR EFFECT:

  activity   currentQuantity   physicalStock   currentlyRented
  --------   ---------------   -------------   ---------------
  stock            +                 +                .
  sold             -                 -                .
  remove           -                 -                .
  rent             -                 .                +
  return           +                 .                -

  A rented copy is still owned, so rent and return leave physicalStock alone.

LEGACY RETURNS:
  Older history recorded a return as a stock row with free-text data
  containing "Vraćeno:". Such rows are classified as returns when folded so that
  imported ledgers produce the same figures. New returns always use the
  explicit return activity.

SEE ALSO:
  - calculator.go: the fold
  - recorder.go: appending rows and keeping snapshots current
  - inventory/service.go: availability-gated mutators
*/
package ledger

import (
	"strings"
	"time"
)

// =============================================================================
// ACTIVITY TYPES
// =============================================================================

type ActivityType string

const (
	ActivityStock  ActivityType = "stock"
	ActivitySold   ActivityType = "sold"
	ActivityRemove ActivityType = "remove"
	ActivityRent   ActivityType = "rent"
	ActivityReturn ActivityType = "return"
)

// LegacyReturnMarker tags stock rows that were really returns.
const LegacyReturnMarker = "Vraćeno:"

func (a ActivityType) Valid() bool {
	switch a {
	case ActivityStock, ActivitySold, ActivityRemove, ActivityRent, ActivityReturn:
		return true
	}
	return false
}

// =============================================================================
// BOOK TRANSACTION - One immutable ledger row
// =============================================================================

type BookTransaction struct {
	ID        int64
	Activity  ActivityType
	BookID    int64
	Quantity  int
	CreatedAt time.Time
	UserID    int64
	Data      string
}

// stripLegacyReturnMarker drops the marker's colon so a new stock row can
// never fold as a return. Returns are recorded as ActivityReturn.
func stripLegacyReturnMarker(data string) string {
	bare := strings.TrimSuffix(LegacyReturnMarker, ":")
	for strings.Contains(data, LegacyReturnMarker) {
		data = strings.ReplaceAll(data, LegacyReturnMarker, bare)
	}
	return data
}

// Kind is the activity used when folding. Only imported history carries the
// legacy marker; Recorder strips it from new stock rows.
func (t BookTransaction) Kind() ActivityType {
	if t.Activity == ActivityStock && strings.Contains(t.Data, LegacyReturnMarker) {
		return ActivityReturn
	}
	return t.Activity
}

// =============================================================================
// SNAPSHOT - Running totals per book
// =============================================================================

// Snapshot is the fold result persisted alongside the most recent append.
// It is a read model for cross-book listings; the ledger stays authoritative.
type Snapshot struct {
	BookID            int64
	CurrentQuantity   int
	PhysicalStock     int
	CurrentlyRented   int
	LastTransactionID int64
	UpdatedAt         time.Time
}

func (s Snapshot) Figures() Figures {
	return Figures{
		CurrentQuantity:          s.CurrentQuantity,
		PhysicalStock:            s.PhysicalStock,
		CurrentlyRented:          s.CurrentlyRented,
		AvailableForRentalCopies: max(0, s.PhysicalStock-s.CurrentlyRented),
	}
}

// Matches reports whether the snapshot agrees with freshly derived figures.
func (s Snapshot) Matches(f Figures) bool {
	return s.CurrentQuantity == f.CurrentQuantity &&
		s.PhysicalStock == f.PhysicalStock &&
		s.CurrentlyRented == f.CurrentlyRented
}
