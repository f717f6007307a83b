package bookclub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/bookstore-engine/generic"
)

// =============================================================================
// AWARD - Input to AwardPoints
// =============================================================================

type Award struct {
	MemberID          int64
	Activity          ActivityType
	Points            int
	OrderItemID       *int64
	BookTransactionID *int64
}

func (a Award) source() (Source, error) {
	switch {
	case a.OrderItemID != nil && a.BookTransactionID != nil:
		return Source{}, errors.New("award must name exactly one source, got both")
	case a.OrderItemID != nil:
		return Source{Kind: SourceOrderItem, ID: *a.OrderItemID}, nil
	case a.BookTransactionID != nil:
		return Source{Kind: SourceBookTransaction, ID: *a.BookTransactionID}, nil
	}
	return Source{}, errors.New("award must name a source")
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger awards and reports book-club points.
type Ledger struct {
	store        Store
	tx           generic.Transactor
	clock        generic.Clock
	logger       *slog.Logger
	rentalPoints int
}

func NewLedger(store Store, tx generic.Transactor, clock generic.Clock, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, tx: tx, clock: clock, logger: logger, rentalPoints: RentalPointsPerCopy}
}

// SetRentalPointsPerCopy overrides the rental earning rate. n <= 0 is ignored.
func (l *Ledger) SetRentalPointsPerCopy(n int) {
	if n > 0 {
		l.rentalPoints = n
	}
}

// GetOrCreateUserBookClub returns the ID of the member's bucket for year,
// creating it on first use.
func (l *Ledger) GetOrCreateUserBookClub(ctx context.Context, memberID int64, year int) (int64, error) {
	club, err := l.store.UserBookClub(ctx, memberID, year)
	if err == nil {
		return club.ID, nil
	}
	if !errors.Is(err, generic.ErrNotFound) {
		return 0, err
	}

	created, err := l.store.CreateUserBookClub(ctx, UserBookClub{MemberID: memberID, Year: year})
	if errors.Is(err, generic.ErrDuplicate) {
		// Lost a race with a concurrent creator; theirs is the bucket.
		club, err = l.store.UserBookClub(ctx, memberID, year)
		if err != nil {
			return 0, err
		}
		return club.ID, nil
	}
	if err != nil {
		return 0, err
	}
	return created.ID, nil
}

// AwardPoints records an award in the member's current-year bucket.
// Returns false without error if the source event was already awarded for
// this activity.
func (l *Ledger) AwardPoints(ctx context.Context, a Award) (bool, error) {
	if a.Points <= 0 {
		return false, fmt.Errorf("award points: %w", generic.ErrInvalidQuantity)
	}
	src, err := a.source()
	if err != nil {
		return false, err
	}

	awarded := false
	err = l.tx.WithTx(ctx, func(ctx context.Context) error {
		clubID, err := l.GetOrCreateUserBookClub(ctx, a.MemberID, l.clock.Now().Year())
		if err != nil {
			return err
		}

		_, err = l.store.FindAward(ctx, src, a.Activity)
		if err == nil {
			return nil
		}
		if !errors.Is(err, generic.ErrNotFound) {
			return err
		}

		_, err = l.store.AppendPoints(ctx, PointsTransaction{
			Activity:          a.Activity,
			UserBookClubID:    clubID,
			Points:            a.Points,
			CreatedAt:         l.clock.Now(),
			OrderItemID:       a.OrderItemID,
			BookTransactionID: a.BookTransactionID,
		})
		if errors.Is(err, generic.ErrDuplicate) {
			return nil
		}
		if err != nil {
			return err
		}
		awarded = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if !awarded {
		l.logger.DebugContext(ctx, "points already awarded",
			"member_id", a.MemberID, "source", src.String(), "activity", a.Activity)
	}
	return awarded, nil
}

// AwardRental awards the rental rate (RentalPointsPerCopy unless overridden)
// per copy, keyed to the rent row.
func (l *Ledger) AwardRental(ctx context.Context, memberID, bookTransactionID int64, qty int) (bool, error) {
	return l.AwardPoints(ctx, Award{
		MemberID:          memberID,
		Activity:          ActivityBookRental,
		Points:            l.rentalPoints * qty,
		BookTransactionID: &bookTransactionID,
	})
}

// =============================================================================
// QUERIES
// =============================================================================

// GetTotalPointsForYear is 0 when the member has no bucket for year.
func (l *Ledger) GetTotalPointsForYear(ctx context.Context, memberID int64, year int) (int, error) {
	txs, err := l.GetTransactionsForYear(ctx, memberID, year)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, tx := range txs {
		total += tx.Points
	}
	return total, nil
}

func (l *Ledger) GetCurrentYearPoints(ctx context.Context, memberID int64) (int, error) {
	return l.GetTotalPointsForYear(ctx, memberID, l.clock.Now().Year())
}

// GetTransactionsForYear returns the year's awards, most recent first.
func (l *Ledger) GetTransactionsForYear(ctx context.Context, memberID int64, year int) ([]PointsTransaction, error) {
	club, err := l.store.UserBookClub(ctx, memberID, year)
	if errors.Is(err, generic.ErrNotFound) {
		return []PointsTransaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return l.store.PointsTransactions(ctx, club.ID)
}

// History returns per-year totals, newest year first.
func (l *Ledger) History(ctx context.Context, memberID int64) ([]YearTotal, error) {
	clubs, err := l.store.UserBookClubs(ctx, memberID)
	if err != nil {
		return nil, err
	}

	history := make([]YearTotal, 0, len(clubs))
	for _, club := range clubs {
		txs, err := l.store.PointsTransactions(ctx, club.ID)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, tx := range txs {
			total += tx.Points
		}
		history = append(history, YearTotal{Year: club.Year, Points: total})
	}
	return history, nil
}

func (l *Ledger) Leaderboard(ctx context.Context, year, limit int) ([]LeaderboardEntry, error) {
	return l.store.Leaderboard(ctx, year, limit)
}
