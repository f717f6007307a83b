/*
service.go - Availability-gated stock mutators

PURPOSE:
  The only way stock changes. Each mutator checks its precondition against
  figures freshly derived from the ledger, then records the movement, then
  (for rentals and order sales) awards loyalty points. All three steps run
  in one storage transaction, so two concurrent rentals cannot both pass the
  availability check against the same history.

OPERATIONS:
  add-stock  qty>0, actor exists                        -> stock row
  sell       qty>0, actor exists, currentQuantity >= qty -> sold row
  remove     qty>0, actor exists, currentQuantity >= qty -> remove row
  rent       qty>0, actor exists, physicalStock >= qty
             and availableForRentalCopies >= qty         -> rent row, +20 points/copy
  return     qty>0, actor exists, currentlyRented >= qty -> return row

RESULT CONTRACT:
  AddStock, Sell, Remove, Rent and Return return a plain bool: true when the
  row was recorded, false for ANY failure (rule or storage). The failure is
  logged. Callers that need the reason use Apply, which returns the typed
  error.

SEE ALSO:
  - ledger/calculator.go: derived figures
  - ledger/recorder.go: appending rows
  - bookclub/ledger.go: idempotent point awards
*/
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/warp/bookstore-engine/bookclub"
	"github.com/warp/bookstore-engine/catalog"
	"github.com/warp/bookstore-engine/generic"
	"github.com/warp/bookstore-engine/ledger"
)

// =============================================================================
// OPERATIONS
// =============================================================================

type Operation string

const (
	OpAddStock Operation = "add-stock"
	OpSell     Operation = "sell"
	OpRemove   Operation = "remove"
	OpRent     Operation = "rent"
	OpReturn   Operation = "return"
)

var operationActivities = map[Operation]ledger.ActivityType{
	OpAddStock: ledger.ActivityStock,
	OpSell:     ledger.ActivitySold,
	OpRemove:   ledger.ActivityRemove,
	OpRent:     ledger.ActivityRent,
	OpReturn:   ledger.ActivityReturn,
}

func (o Operation) Activity() (ledger.ActivityType, bool) {
	a, ok := operationActivities[o]
	return a, ok
}

// Request is the body of every mutator.
type Request struct {
	Quantity int
	UserID   int64
	Data     string
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	repo      ledger.Repository
	calc      *ledger.Calculator
	recorder  *ledger.Recorder
	directory catalog.Directory
	points    *bookclub.Ledger
	tx        generic.Transactor
	logger    *slog.Logger
}

func NewService(
	repo ledger.Repository,
	directory catalog.Directory,
	points *bookclub.Ledger,
	tx generic.Transactor,
	clock generic.Clock,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		calc:      ledger.NewCalculator(repo),
		recorder:  ledger.NewRecorder(repo, clock),
		directory: directory,
		points:    points,
		tx:        tx,
		logger:    logger,
	}
}

// Calculator exposes the read side.
func (s *Service) Calculator() *ledger.Calculator { return s.calc }

// Apply performs op and returns the recorded row or the reason it wasn't.
func (s *Service) Apply(ctx context.Context, op Operation, bookID int64, req Request) (ledger.BookTransaction, error) {
	activity, ok := op.Activity()
	if !ok {
		return ledger.BookTransaction{}, fmt.Errorf("%w: %q", generic.ErrInvalidActivity, op)
	}
	if req.Quantity <= 0 {
		return ledger.BookTransaction{}, generic.ErrInvalidQuantity
	}

	var recorded ledger.BookTransaction
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.checkActor(ctx, req.UserID); err != nil {
			return err
		}
		if _, err := s.directory.GetBook(ctx, bookID); err != nil {
			return fmt.Errorf("book %d: %w", bookID, err)
		}
		if err := s.checkAvailability(ctx, activity, bookID, req.Quantity); err != nil {
			return err
		}

		var err error
		recorded, err = s.recorder.Record(ctx, ledger.Entry{
			BookID:   bookID,
			Activity: activity,
			Quantity: req.Quantity,
			UserID:   req.UserID,
			Data:     req.Data,
		})
		if err != nil {
			return err
		}

		if op == OpRent {
			return s.awardRental(ctx, recorded)
		}
		return nil
	})
	if err != nil {
		return ledger.BookTransaction{}, err
	}
	return recorded, nil
}

func (s *Service) checkActor(ctx context.Context, userID int64) error {
	exists, err := s.directory.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("user %d: %w", userID, generic.ErrActorNotFound)
	}
	return nil
}

// checkAvailability gates outflows. Stock and returns are never gated; an
// over-return is absorbed by the zero floor on currentlyRented.
func (s *Service) checkAvailability(ctx context.Context, activity ledger.ActivityType, bookID int64, qty int) error {
	if activity == ledger.ActivityStock || activity == ledger.ActivityReturn {
		return nil
	}

	totals, err := s.calc.Totals(ctx, bookID)
	if err != nil {
		return err
	}

	var available int
	switch activity {
	case ledger.ActivitySold, ledger.ActivityRemove:
		available = totals.CurrentQuantity()
	case ledger.ActivityRent:
		// Physical stock bounds the request; outstanding loans bound it further.
		available = min(totals.PhysicalStock(), totals.AvailableForRentalCopies())
	}

	if qty > available {
		return &InsufficientStockError{
			BookID:    bookID,
			Activity:  activity,
			Requested: qty,
			Available: max(0, available),
		}
	}
	return nil
}

// awardRental credits the member behind the renting user. Rentals by users
// who aren't members earn nothing.
func (s *Service) awardRental(ctx context.Context, rent ledger.BookTransaction) error {
	if s.points == nil {
		return nil
	}
	member, err := s.directory.MemberByUserID(ctx, rent.UserID)
	if errors.Is(err, generic.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.points.AwardRental(ctx, member.ID, rent.ID, rent.Quantity)
	return err
}

// =============================================================================
// BOOLEAN CONTRACT
// =============================================================================

func (s *Service) AddStock(ctx context.Context, bookID int64, req Request) bool {
	return s.succeeded(ctx, OpAddStock, bookID, req)
}

func (s *Service) Sell(ctx context.Context, bookID int64, req Request) bool {
	return s.succeeded(ctx, OpSell, bookID, req)
}

func (s *Service) Remove(ctx context.Context, bookID int64, req Request) bool {
	return s.succeeded(ctx, OpRemove, bookID, req)
}

func (s *Service) Rent(ctx context.Context, bookID int64, req Request) bool {
	return s.succeeded(ctx, OpRent, bookID, req)
}

func (s *Service) Return(ctx context.Context, bookID int64, req Request) bool {
	return s.succeeded(ctx, OpReturn, bookID, req)
}

func (s *Service) succeeded(ctx context.Context, op Operation, bookID int64, req Request) bool {
	_, err := s.Apply(ctx, op, bookID, req)
	if err == nil {
		return true
	}

	level := slog.LevelError
	if generic.IsClientError(err) || generic.IsNotFound(err) {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "stock operation rejected",
		"op", op, "book_id", bookID, "user_id", req.UserID, "quantity", req.Quantity, "err", err)
	return false
}

// =============================================================================
// ORDER SALES
// =============================================================================

// SellToOrder records a sale that fulfils an order item and awards purchase
// points to the buyer keyed to that order item. Retrying with the same order
// item never double-awards, but does record another sale; deduplicating
// orders is the ordering system's job.
func (s *Service) SellToOrder(ctx context.Context, bookID, orderItemID int64, req Request) (ledger.BookTransaction, error) {
	var sold ledger.BookTransaction
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		sold, err = s.Apply(ctx, OpSell, bookID, req)
		if err != nil {
			return err
		}
		if s.points == nil {
			return nil
		}

		member, err := s.directory.MemberByUserID(ctx, req.UserID)
		if errors.Is(err, generic.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		book, err := s.directory.GetBook(ctx, bookID)
		if err != nil {
			return err
		}

		points := bookclub.PurchasePoints(book.Price, req.Quantity)
		if points == 0 {
			return nil
		}
		_, err = s.points.AwardPoints(ctx, bookclub.Award{
			MemberID:    member.ID,
			Activity:    bookclub.ActivityBookPurchase,
			Points:      points,
			OrderItemID: &orderItemID,
		})
		return err
	})
	if err != nil {
		return ledger.BookTransaction{}, err
	}
	return sold, nil
}

// =============================================================================
// ACTIVE RENTALS
// =============================================================================

type ActiveRental struct {
	BookID                   int64
	Title                    string
	CurrentlyRented          int
	PhysicalStock            int
	AvailableForRentalCopies int
}

// ActiveRentals lists every book with copies out on loan, from snapshots.
func (s *Service) ActiveRentals(ctx context.Context) ([]ActiveRental, error) {
	snaps, err := s.repo.Snapshots(ctx)
	if err != nil {
		return nil, err
	}

	rentals := []ActiveRental{}
	for _, snap := range snaps {
		fig := snap.Figures()
		if fig.CurrentlyRented <= 0 {
			continue
		}
		r := ActiveRental{
			BookID:                   snap.BookID,
			CurrentlyRented:          fig.CurrentlyRented,
			PhysicalStock:            fig.PhysicalStock,
			AvailableForRentalCopies: fig.AvailableForRentalCopies,
		}
		book, err := s.directory.GetBook(ctx, snap.BookID)
		switch {
		case err == nil:
			r.Title = book.Title
		case !errors.Is(err, generic.ErrNotFound):
			return nil, err
		}
		rentals = append(rentals, r)
	}
	return rentals, nil
}

// Transactions returns the book's ledger history.
func (s *Service) Transactions(ctx context.Context, bookID int64) ([]ledger.BookTransaction, error) {
	return s.repo.BookTransactions(ctx, bookID)
}

// RebuildSnapshot re-derives one book's snapshot from its ledger.
func (s *Service) RebuildSnapshot(ctx context.Context, bookID int64) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		snap, err = s.recorder.Rebuild(ctx, bookID)
		return err
	})
	return snap, err
}
