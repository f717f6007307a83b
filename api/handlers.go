/*
handlers.go - HTTP API handlers for the bookstore engine

PURPOSE:
  Exposes stock operations, the reservation queue and book-club points via
  REST API. Handles HTTP request/response, JSON serialization, and delegates
  to the domain services.

ENDPOINTS:
  Book transactions:
    GET    /book-transaction/book/{bookId}/transactions          Ledger history
    GET    /book-transaction/book/{bookId}/current-quantity      Derived figure
    GET    /book-transaction/book/{bookId}/physical-stock        Derived figure
    GET    /book-transaction/book/{bookId}/currently-rented      Derived figure
    GET    /book-transaction/book/{bookId}/available?quantity=   Purchase check
    GET    /book-transaction/book/{bookId}/available-for-rental?quantity=
    POST   /book-transaction/book/{bookId}/{op}                  Mutator, answers bool
    POST   /book-transaction/book/{bookId}/sell-order            Sale for an order item
    POST   /book-transaction/book/{bookId}/rebuild-snapshot      Re-derive snapshot
    GET    /book-transaction/active-rentals
    POST   /book-transaction/audit                               Repair drifted snapshots

  Reservations:
    POST   /reservations                       Join a queue
    DELETE /reservations/{id}?memberId=        Leave a queue
    GET    /reservations/book/{bookId}         Queue for a book
    GET    /reservations/member/{memberId}     A member's reservations
    GET    /reservations/{id}/position

  Book club points:
    GET    /bookclubpoints/member/{memberId}/current
    GET    /bookclubpoints/member/{memberId}/year/{year}
    GET    /bookclubpoints/member/{memberId}/transactions?year=
    GET    /bookclubpoints/member/{memberId}/history
    GET    /bookclubpoints/leaderboard?year=&limit=

  Catalog:
    GET/POST /books, GET /books/{id}, POST /users, POST /members, POST /memberships

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, business-rule violations
  - 403: Cancelling someone else's reservation
  - 404: Resource not found
  - 409: Duplicate
  - 429: Rate limited (server.go)
  - 500: Internal errors (no details leave the server)
  Stock mutators are the exception: they answer 200 with true or false.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/bookstore-engine/bookclub"
	"github.com/warp/bookstore-engine/catalog"
	"github.com/warp/bookstore-engine/generic"
	"github.com/warp/bookstore-engine/inventory"
	"github.com/warp/bookstore-engine/ledger"
	"github.com/warp/bookstore-engine/notify"
	"github.com/warp/bookstore-engine/reservation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is everything the handlers need from storage. Both store/sqlite
// and store/memory satisfy it.
type Backend interface {
	catalog.Store
	ledger.Repository
	bookclub.Store
	reservation.Store
	generic.Transactor
}

// Options configures NewHandler. Zero values pick defaults.
type Options struct {
	Clock               generic.Clock
	Logger              *slog.Logger
	Sender              notify.Sender
	RentalPointsPerCopy int
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Catalog   catalog.Store
	Inventory *inventory.Service
	Queue     *reservation.Queue
	Points    *bookclub.Ledger

	clock    generic.Clock
	logger   *slog.Logger
	validate *validator.Validate
	pinger   interface{ Ping(context.Context) error }
}

// NewHandler wires the domain services on top of backend.
func NewHandler(backend Backend, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = generic.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	points := bookclub.NewLedger(backend, backend, opts.Clock, opts.Logger)
	points.SetRentalPointsPerCopy(opts.RentalPointsPerCopy)
	inv := inventory.NewService(backend, backend, points, backend, opts.Clock, opts.Logger)

	h := &Handler{
		Catalog:   backend,
		Inventory: inv,
		Queue:     reservation.NewQueue(backend, backend, inv.Calculator(), backend, opts.Sender, opts.Clock, opts.Logger),
		Points:    points,
		clock:     opts.Clock,
		logger:    opts.Logger,
		validate:  validator.New(),
	}
	if p, ok := backend.(interface{ Ping(context.Context) error }); ok {
		h.pinger = p
	}
	return h
}

// Health reports whether the backing store is reachable.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unreachable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BOOK TRANSACTION HANDLERS
// =============================================================================

// GetBookTransactions returns the ledger history of a book.
// GET /book-transaction/book/{bookId}/transactions
func (h *Handler) GetBookTransactions(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookId")
	if !ok {
		return
	}

	txs, err := h.Inventory.Transactions(r.Context(), bookID)
	if err != nil {
		h.fail(w, r, "Failed to get transactions", err)
		return
	}

	dtos := make([]BookTransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toBookTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// figure serves one derived number.
func (h *Handler) figure(get func(*ledger.Calculator, context.Context, int64) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookID, ok := pathID(w, r, "bookId")
		if !ok {
			return
		}
		n, err := get(h.Inventory.Calculator(), r.Context(), bookID)
		if err != nil {
			h.fail(w, r, "Failed to compute figure", err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

// availability serves one boolean check.
func (h *Handler) availability(check func(*ledger.Calculator, context.Context, int64, int) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookID, ok := pathID(w, r, "bookId")
		if !ok {
			return
		}
		qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "quantity must be an integer", nil)
			return
		}
		available, err := check(h.Inventory.Calculator(), r.Context(), bookID, qty)
		if err != nil {
			h.fail(w, r, "Failed to check availability", err)
			return
		}
		writeJSON(w, http.StatusOK, available)
	}
}

// Mutate records a stock movement. Rejections answer false, not an error.
// POST /book-transaction/book/{bookId}/{add-stock|sell|remove|rent|return}
func (h *Handler) Mutate(op inventory.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bookID, ok := pathID(w, r, "bookId")
		if !ok {
			return
		}
		var req StockRequest
		if !h.decodeAndValidate(w, r, &req) {
			return
		}

		ok = h.mutators(op)(r.Context(), bookID, inventory.Request{
			Quantity: req.Quantity,
			UserID:   req.UserID,
			Data:     req.Data,
		})
		writeJSON(w, http.StatusOK, ok)
	}
}

func (h *Handler) mutators(op inventory.Operation) func(context.Context, int64, inventory.Request) bool {
	switch op {
	case inventory.OpAddStock:
		return h.Inventory.AddStock
	case inventory.OpSell:
		return h.Inventory.Sell
	case inventory.OpRemove:
		return h.Inventory.Remove
	case inventory.OpRent:
		return h.Inventory.Rent
	case inventory.OpReturn:
		return h.Inventory.Return
	}
	return func(context.Context, int64, inventory.Request) bool { return false }
}

// SellToOrder records a sale for an order item and awards purchase points.
// POST /book-transaction/book/{bookId}/sell-order
func (h *Handler) SellToOrder(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookId")
	if !ok {
		return
	}
	var req OrderSaleRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	tx, err := h.Inventory.SellToOrder(r.Context(), bookID, req.OrderItemID, inventory.Request{
		Quantity: req.Quantity,
		UserID:   req.UserID,
		Data:     req.Data,
	})
	if err != nil {
		h.fail(w, r, "Failed to record sale", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookTransactionDTO(tx))
}

// GetActiveRentals lists books with copies out on loan.
// GET /book-transaction/active-rentals
func (h *Handler) GetActiveRentals(w http.ResponseWriter, r *http.Request) {
	rentals, err := h.Inventory.ActiveRentals(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list active rentals", err)
		return
	}
	dtos := make([]ActiveRentalDTO, len(rentals))
	for i, rental := range rentals {
		dtos[i] = toActiveRentalDTO(rental)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RebuildSnapshot re-derives one book's snapshot.
// POST /book-transaction/book/{bookId}/rebuild-snapshot
func (h *Handler) RebuildSnapshot(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookId")
	if !ok {
		return
	}
	snap, err := h.Inventory.RebuildSnapshot(r.Context(), bookID)
	if err != nil {
		h.fail(w, r, "Failed to rebuild snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// Audit runs one snapshot audit pass.
// POST /book-transaction/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Inventory.Audit(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to audit snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// Reserve puts a member in a book's queue.
// POST /reservations
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.Queue.Reserve(r.Context(), req.MemberID, req.BookID)
	if err != nil {
		h.fail(w, r, reservation.GenericMessage, err)
		return
	}

	position, err := h.Queue.GetQueuePosition(r.Context(), created.ID)
	if err != nil {
		// Cancelled between the two calls; report without a position.
		position = 0
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(reservation.QueueEntry{Reservation: created, Position: position}))
}

// CancelReservation removes a member's reservation.
// DELETE /reservations/{id}?memberId=
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	memberID, err := strconv.ParseInt(r.URL.Query().Get("memberId"), 10, 64)
	if err != nil || memberID <= 0 {
		writeError(w, http.StatusBadRequest, "memberId query parameter is required", nil)
		return
	}

	cancelled, err := h.Queue.Cancel(r.Context(), id, memberID)
	if err != nil {
		h.fail(w, r, reservation.GenericMessage, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}

// GetBookQueue returns a book's queue, head first.
// GET /reservations/book/{bookId}
func (h *Handler) GetBookQueue(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookId")
	if !ok {
		return
	}
	entries, err := h.Queue.GetQueueForBook(r.Context(), bookID)
	if err != nil {
		h.fail(w, r, reservation.GenericMessage, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(entries))
}

// GetMemberReservations returns a member's reservations with positions.
// GET /reservations/member/{memberId}
func (h *Handler) GetMemberReservations(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberId")
	if !ok {
		return
	}
	entries, err := h.Queue.ReservationsForMember(r.Context(), memberID)
	if err != nil {
		h.fail(w, r, reservation.GenericMessage, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(entries))
}

// GetQueuePosition returns a reservation's 1-based position.
// GET /reservations/{id}/position
func (h *Handler) GetQueuePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	position, err := h.Queue.GetQueuePosition(r.Context(), id)
	if err != nil {
		h.fail(w, r, reservation.GenericMessage, err)
		return
	}
	writeJSON(w, http.StatusOK, QueuePositionDTO{ReservationID: id, Position: position})
}

func toReservationDTOs(entries []reservation.QueueEntry) []ReservationDTO {
	dtos := make([]ReservationDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toReservationDTO(e)
	}
	return dtos
}

// =============================================================================
// BOOK CLUB POINTS HANDLERS
// =============================================================================

// GetCurrentPoints returns the member's total for the current year.
// GET /bookclubpoints/member/{memberId}/current
func (h *Handler) GetCurrentPoints(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberId")
	if !ok {
		return
	}
	h.writeYearTotal(w, r, memberID, h.clock.Now().Year())
}

// GetYearPoints returns the member's total for a year.
// GET /bookclubpoints/member/{memberId}/year/{year}
func (h *Handler) GetYearPoints(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberId")
	if !ok {
		return
	}
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "year must be an integer", nil)
		return
	}
	h.writeYearTotal(w, r, memberID, year)
}

func (h *Handler) writeYearTotal(w http.ResponseWriter, r *http.Request, memberID int64, year int) {
	total, err := h.Points.GetTotalPointsForYear(r.Context(), memberID, year)
	if err != nil {
		h.fail(w, r, "Failed to get points", err)
		return
	}
	writeJSON(w, http.StatusOK, PointsSummaryDTO{MemberID: memberID, Year: year, Points: total})
}

// GetPointsTransactions returns a year's awards, most recent first.
// GET /bookclubpoints/member/{memberId}/transactions?year=
func (h *Handler) GetPointsTransactions(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberId")
	if !ok {
		return
	}
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}

	txs, err := h.Points.GetTransactionsForYear(r.Context(), memberID, year)
	if err != nil {
		h.fail(w, r, "Failed to get points transactions", err)
		return
	}
	dtos := make([]PointsTransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toPointsTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPointsHistory returns per-year totals, newest year first.
// GET /bookclubpoints/member/{memberId}/history
func (h *Handler) GetPointsHistory(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberId")
	if !ok {
		return
	}
	history, err := h.Points.History(r.Context(), memberID)
	if err != nil {
		h.fail(w, r, "Failed to get points history", err)
		return
	}
	dtos := make([]YearTotalDTO, len(history))
	for i, y := range history {
		dtos[i] = YearTotalDTO(y)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLeaderboard ranks members by points for a year.
// GET /bookclubpoints/leaderboard?year=&limit=
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	year, ok := h.yearParam(w, r)
	if !ok {
		return
	}
	limit := 10
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	entries, err := h.Points.Leaderboard(r.Context(), year, limit)
	if err != nil {
		h.fail(w, r, "Failed to get leaderboard", err)
		return
	}
	dtos := make([]LeaderboardEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LeaderboardEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// yearParam reads ?year=, defaulting to the current year.
func (h *Handler) yearParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("year")
	if s == "" {
		return h.clock.Now().Year(), true
	}
	year, err := strconv.Atoi(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "year must be an integer", nil)
		return 0, false
	}
	return year, true
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListBooks returns all books.
// GET /books
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.Catalog.ListBooks(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list books", err)
		return
	}
	dtos := make([]BookDTO, len(books))
	for i, b := range books {
		dtos[i] = toBookDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBook returns one book.
// GET /books/{id}
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	book, err := h.Catalog.GetBook(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Book not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTO(*book))
}

// CreateBook adds a book to the catalog.
// POST /books
func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req CreateBookRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if req.Price.IsNegative() {
		writeError(w, http.StatusBadRequest, "price must not be negative", nil)
		return
	}

	book, err := h.Catalog.CreateBook(r.Context(), catalog.Book{
		Title:     req.Title,
		Author:    req.Author,
		Purpose:   catalog.Purpose(req.Purpose),
		Price:     req.Price,
		CreatedAt: h.clock.Now(),
	})
	if err != nil {
		h.fail(w, r, "Failed to create book", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookDTO(book))
}

// CreateUser registers an actor.
// POST /users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.Catalog.CreateUser(r.Context(), catalog.User{
		Name:      req.Name,
		Email:     req.Email,
		Role:      catalog.Role(req.Role),
		CreatedAt: h.clock.Now(),
	})
	if err != nil {
		h.fail(w, r, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, UserDTO{ID: user.ID, Name: user.Name, Email: user.Email, Role: string(user.Role)})
}

// CreateMember enrolls a user as a member.
// POST /members
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	member, err := h.Catalog.CreateMember(r.Context(), catalog.Member{
		UserID:    req.UserID,
		Name:      req.Name,
		CreatedAt: h.clock.Now(),
	})
	if err != nil {
		h.fail(w, r, "Failed to create member", err)
		return
	}
	writeJSON(w, http.StatusCreated, MemberDTO{ID: member.ID, UserID: member.UserID, Name: member.Name})
}

// CreateMembership records a paid membership period.
// POST /memberships
func (h *Handler) CreateMembership(w http.ResponseWriter, r *http.Request) {
	var req CreateMembershipRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	ms, err := h.Catalog.CreateMembership(r.Context(), catalog.Membership{
		MemberID: req.MemberID,
		StartsAt: req.StartsAt.UTC(),
		EndsAt:   req.EndsAt.UTC(),
	})
	if err != nil {
		h.fail(w, r, "Failed to create membership", err)
		return
	}
	writeJSON(w, http.StatusCreated, MembershipDTO(ms))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case reservation.CodeOf(err) == reservation.CodeNotOwner:
		return http.StatusForbidden
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrDuplicate):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// their details withheld.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), message, "path", r.URL.Path, "err", err)
		writeError(w, status, "Internal error", nil)
		return
	}
	writeError(w, status, message, err)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a positive integer", name), nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation error", err)
		return false
	}
	return true
}
