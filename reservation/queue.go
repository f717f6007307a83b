/*
Package reservation is the FIFO waiting list for rental books.

PURPOSE:
  When every copy of a rental title is out on loan, members can queue for
  it. The queue for a book is its reservations ordered by (ReservedAt, ID);
  a reservation's position is its 1-based index in that order.

RULES FOR RESERVING:
  1. The member exists
  2. The member has an active membership right now
  3. The book exists and is a rental title
  4. The book has physical stock (something to wait for)
  5. No copy is free to rent (queueing is only for booked-out titles)
  6. The member has no reservation for this book yet

  A confirmation is sent after the reservation is stored. A failed send is
  logged and never undoes the reservation.

CANCELLING:
  Only the member who owns a reservation may cancel it. Cancelling a
  reservation that doesn't exist is a no-op, not an error. Everyone behind
  it moves up one position on the next read.

FULFILMENT:
  Nothing removes a reservation when a copy comes back. Whoever hands out
  the returned copy is expected to consult GetQueueForBook.

SEE ALSO:
  - errors.go: error codes and the generic client message
  - ledger/calculator.go: the stock figures checked in rules 4 and 5
*/
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/bookstore-engine/catalog"
	"github.com/warp/bookstore-engine/generic"
	"github.com/warp/bookstore-engine/ledger"
	"github.com/warp/bookstore-engine/notify"
)

// =============================================================================
// TYPES
// =============================================================================

type Reservation struct {
	ID         int64
	MemberID   int64
	BookID     int64
	ReservedAt time.Time
}

// QueueEntry is a reservation with its current 1-based position.
type QueueEntry struct {
	Reservation
	Position int
}

// Store persists reservations.
type Store interface {
	// CreateReservation returns generic.ErrDuplicate if (member, book) exists.
	CreateReservation(ctx context.Context, r Reservation) (Reservation, error)

	// GetReservation returns generic.ErrNotFound if absent.
	GetReservation(ctx context.Context, id int64) (*Reservation, error)

	// FindReservation returns generic.ErrNotFound if the member has none for the book.
	FindReservation(ctx context.Context, memberID, bookID int64) (*Reservation, error)

	// DeleteReservation returns generic.ErrNotFound if absent.
	DeleteReservation(ctx context.Context, id int64) error

	// ReservationsForBook returns the book's queue ordered by (ReservedAt, ID).
	ReservationsForBook(ctx context.Context, bookID int64) ([]Reservation, error)

	// ReservationsForMember returns the member's reservations ordered by (ReservedAt, ID).
	ReservationsForMember(ctx context.Context, memberID int64) ([]Reservation, error)
}

// =============================================================================
// QUEUE
// =============================================================================

type Queue struct {
	store     Store
	directory catalog.Directory
	calc      *ledger.Calculator
	tx        generic.Transactor
	sender    notify.Sender
	clock     generic.Clock
	logger    *slog.Logger
}

func NewQueue(
	store Store,
	directory catalog.Directory,
	calc *ledger.Calculator,
	tx generic.Transactor,
	sender notify.Sender,
	clock generic.Clock,
	logger *slog.Logger,
) *Queue {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		sender = notify.LogSender{Logger: logger}
	}
	return &Queue{
		store:     store,
		directory: directory,
		calc:      calc,
		tx:        tx,
		sender:    sender,
		clock:     clock,
		logger:    logger,
	}
}

// Reserve puts the member at the back of the book's queue.
func (q *Queue) Reserve(ctx context.Context, memberID, bookID int64) (Reservation, error) {
	var (
		created Reservation
		member  *catalog.Member
		book    *catalog.Book
	)
	err := q.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		member, book, err = q.checkEligibility(ctx, memberID, bookID)
		if err != nil {
			return err
		}

		created, err = q.store.CreateReservation(ctx, Reservation{
			MemberID:   memberID,
			BookID:     bookID,
			ReservedAt: q.clock.Now(),
		})
		if errors.Is(err, generic.ErrDuplicate) {
			return ruleViolation(CodeAlreadyReserved, "member %d already reserved book %d", memberID, bookID)
		}
		return err
	})
	if err != nil {
		err = wrap(err)
		q.logFailure(ctx, "reserve", err, "member_id", memberID, "book_id", bookID)
		return Reservation{}, err
	}

	q.confirm(ctx, member, book, created)
	return created, nil
}

func (q *Queue) checkEligibility(ctx context.Context, memberID, bookID int64) (*catalog.Member, *catalog.Book, error) {
	member, err := q.directory.GetMember(ctx, memberID)
	if errors.Is(err, generic.ErrNotFound) {
		return nil, nil, notFound(CodeMemberNotFound, "member %d", memberID)
	}
	if err != nil {
		return nil, nil, err
	}

	active, err := q.directory.HasActiveMembership(ctx, memberID, q.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	if !active {
		return nil, nil, ruleViolation(CodeNoActiveMembership, "member %d has no active membership", memberID)
	}

	book, err := q.directory.GetBook(ctx, bookID)
	if errors.Is(err, generic.ErrNotFound) {
		return nil, nil, notFound(CodeBookNotFound, "book %d", bookID)
	}
	if err != nil {
		return nil, nil, err
	}
	if book.Purpose != catalog.PurposeRent {
		return nil, nil, ruleViolation(CodeNotRentable, "book %d is for %s", bookID, book.Purpose)
	}

	totals, err := q.calc.Totals(ctx, bookID)
	if err != nil {
		return nil, nil, fmt.Errorf("stock check for book %d: %w", bookID, err)
	}
	if totals.PhysicalStock() <= 0 {
		return nil, nil, ruleViolation(CodeNeverStocked, "book %d has no physical copies", bookID)
	}
	if free := totals.AvailableForRentalCopies(); free > 0 {
		return nil, nil, ruleViolation(CodeCopiesAvailable, "book %d has %d copies available", bookID, free)
	}

	_, err = q.store.FindReservation(ctx, memberID, bookID)
	if err == nil {
		return nil, nil, ruleViolation(CodeAlreadyReserved, "member %d already reserved book %d", memberID, bookID)
	}
	if !errors.Is(err, generic.ErrNotFound) {
		return nil, nil, err
	}
	return member, book, nil
}

// confirm sends the confirmation. Failures are logged only.
func (q *Queue) confirm(ctx context.Context, member *catalog.Member, book *catalog.Book, r Reservation) {
	recipient := ""
	if user, err := q.directory.GetUser(ctx, member.UserID); err == nil {
		recipient = user.Email
	}

	msg := notify.NewMessage(
		notify.KindReservationConfirmed,
		recipient,
		"Reservation confirmed",
		fmt.Sprintf("You are in the queue for %q.", book.Title),
		q.clock.Now(),
	)
	msg.Payload["reservation_id"] = r.ID
	msg.Payload["member_id"] = r.MemberID
	msg.Payload["book_id"] = r.BookID

	if err := q.sender.Send(ctx, msg); err != nil {
		q.logger.WarnContext(ctx, "reservation confirmation not sent",
			"reservation_id", r.ID, "message_id", msg.ID.String(), "err", err)
	}
}

// Cancel removes the member's reservation. Returns false, nil if the
// reservation doesn't exist.
func (q *Queue) Cancel(ctx context.Context, reservationID, memberID int64) (bool, error) {
	cancelled := false
	err := q.tx.WithTx(ctx, func(ctx context.Context) error {
		r, err := q.store.GetReservation(ctx, reservationID)
		if errors.Is(err, generic.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if r.MemberID != memberID {
			return ruleViolation(CodeNotOwner, "reservation %d belongs to member %d, not %d", reservationID, r.MemberID, memberID)
		}

		err = q.store.DeleteReservation(ctx, reservationID)
		if errors.Is(err, generic.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		err = wrap(err)
		q.logFailure(ctx, "cancel", err, "reservation_id", reservationID, "member_id", memberID)
		return false, err
	}
	return cancelled, nil
}

// GetQueueForBook returns the book's queue, head first.
func (q *Queue) GetQueueForBook(ctx context.Context, bookID int64) ([]QueueEntry, error) {
	rs, err := q.store.ReservationsForBook(ctx, bookID)
	if err != nil {
		return nil, wrap(err)
	}
	entries := make([]QueueEntry, len(rs))
	for i, r := range rs {
		entries[i] = QueueEntry{Reservation: r, Position: i + 1}
	}
	return entries, nil
}

// GetQueuePosition returns the 1-based position of the reservation.
func (q *Queue) GetQueuePosition(ctx context.Context, reservationID int64) (int, error) {
	r, err := q.store.GetReservation(ctx, reservationID)
	if errors.Is(err, generic.ErrNotFound) {
		return 0, notFound(CodeReservationNotFound, "reservation %d", reservationID)
	}
	if err != nil {
		return 0, wrap(err)
	}

	queue, err := q.GetQueueForBook(ctx, r.BookID)
	if err != nil {
		return 0, err
	}
	for _, e := range queue {
		if e.ID == reservationID {
			return e.Position, nil
		}
	}
	// Deleted between the two reads.
	return 0, notFound(CodeReservationNotFound, "reservation %d", reservationID)
}

// ReservationsForMember returns the member's reservations with positions.
func (q *Queue) ReservationsForMember(ctx context.Context, memberID int64) ([]QueueEntry, error) {
	rs, err := q.store.ReservationsForMember(ctx, memberID)
	if err != nil {
		return nil, wrap(err)
	}

	entries := make([]QueueEntry, 0, len(rs))
	for _, r := range rs {
		pos, err := q.GetQueuePosition(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, QueueEntry{Reservation: r, Position: pos})
	}
	return entries, nil
}

func (q *Queue) logFailure(ctx context.Context, op string, err error, attrs ...any) {
	var rErr *Error
	if !errors.As(err, &rErr) {
		return
	}
	level := slog.LevelInfo
	if rErr.Code == CodeStorage {
		level = slog.LevelError
	}
	q.logger.Log(ctx, level, "reservation "+op+" failed", append(attrs, "code", rErr.Code, "detail", rErr.Detail())...)
}
