/*
Package bookclub is the book-club loyalty points ledger.

PURPOSE:
  Members earn points for renting and buying books. Points are kept per
  member per calendar year: each (member, year) pair has one UserBookClub
  bucket, created lazily on the first award of the year, and every award is
  one immutable points transaction in that bucket.

IDEMPOTENCY:
  Every award names the event that caused it: either an order item or a
  book ledger transaction. At most one award exists per (source, activity).
  Awarding twice for the same event is a silent no-op, so callers may retry
  freely. The store's unique indexes are the authoritative guard; the
  lookup before insert only saves a round trip.

EARNING RULES:
  book_rental:    20 points per rented copy, keyed to the rent ledger row
  book_purchase:  1 point per 10 currency units spent, keyed to the order item

EXAMPLE FLOW:
  1. Member rents 2 copies (ledger tx 41):   +40 book_rental  source tx:41
  2. Rental request is retried:               no-op (tx:41 already awarded)
  3. Member buys a 35.00 book (order item 7): +3 book_purchase source item:7
  Total for the year: 43

SEE ALSO:
  - ledger.go: the service
  - inventory/service.go: awards points after a rent or an order sale
*/
package bookclub

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACTIVITY TYPES AND EARNING RULES
// =============================================================================

type ActivityType string

const (
	ActivityBookRental   ActivityType = "book_rental"
	ActivityBookPurchase ActivityType = "book_purchase"
)

const RentalPointsPerCopy = 20

// PurchasePointsDivisor is the amount of money that earns one point.
var PurchasePointsDivisor = decimal.NewFromInt(10)

// PurchasePoints is floor(unitPrice * qty / PurchasePointsDivisor).
func PurchasePoints(unitPrice decimal.Decimal, qty int) int {
	if qty <= 0 || !unitPrice.IsPositive() {
		return 0
	}
	total := unitPrice.Mul(decimal.NewFromInt(int64(qty)))
	return int(total.Div(PurchasePointsDivisor).Floor().IntPart())
}

// =============================================================================
// RECORDS
// =============================================================================

// UserBookClub is a member's points bucket for one calendar year.
type UserBookClub struct {
	ID       int64
	MemberID int64
	Year     int
}

// PointsTransaction is one award. Exactly one of OrderItemID and
// BookTransactionID is set.
type PointsTransaction struct {
	ID                int64
	Activity          ActivityType
	UserBookClubID    int64
	Points            int
	CreatedAt         time.Time
	OrderItemID       *int64
	BookTransactionID *int64
}

func (t PointsTransaction) Source() Source {
	if t.OrderItemID != nil {
		return Source{Kind: SourceOrderItem, ID: *t.OrderItemID}
	}
	if t.BookTransactionID != nil {
		return Source{Kind: SourceBookTransaction, ID: *t.BookTransactionID}
	}
	return Source{}
}

// =============================================================================
// SOURCE - The event an award is keyed to
// =============================================================================

type SourceKind string

const (
	SourceOrderItem       SourceKind = "order_item"
	SourceBookTransaction SourceKind = "book_transaction"
)

type Source struct {
	Kind SourceKind
	ID   int64
}

func (s Source) String() string { return fmt.Sprintf("%s:%d", s.Kind, s.ID) }

// =============================================================================
// READ MODELS
// =============================================================================

type YearTotal struct {
	Year   int
	Points int
}

type LeaderboardEntry struct {
	Rank     int
	MemberID int64
	Points   int
}

// =============================================================================
// STORE
// =============================================================================

// Store persists buckets and awards. Points transactions are append-only.
type Store interface {
	// UserBookClub returns generic.ErrNotFound if the bucket doesn't exist.
	UserBookClub(ctx context.Context, memberID int64, year int) (*UserBookClub, error)

	// CreateUserBookClub returns generic.ErrDuplicate if (member, year) exists.
	CreateUserBookClub(ctx context.Context, c UserBookClub) (UserBookClub, error)

	// UserBookClubs returns all buckets of a member, newest year first.
	UserBookClubs(ctx context.Context, memberID int64) ([]UserBookClub, error)

	// FindAward returns generic.ErrNotFound if no award exists for (src, activity).
	FindAward(ctx context.Context, src Source, activity ActivityType) (*PointsTransaction, error)

	// AppendPoints returns generic.ErrDuplicate if (src, activity) was already awarded.
	AppendPoints(ctx context.Context, tx PointsTransaction) (PointsTransaction, error)

	// PointsTransactions returns a bucket's awards, most recent first.
	PointsTransactions(ctx context.Context, userBookClubID int64) ([]PointsTransaction, error)

	// Leaderboard returns members by total points for year, highest first,
	// ties broken by member ID. limit <= 0 means no limit.
	Leaderboard(ctx context.Context, year int, limit int) ([]LeaderboardEntry, error)
}
