/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. decodeAndValidate in
  handlers.go rejects a body that fails them with 400 before any domain
  call. Quantity on StockRequest carries no tag: a non-positive
  quantity is a domain rejection and answers false, not 400.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bookstore-engine/bookclub"
	"github.com/warp/bookstore-engine/catalog"
	"github.com/warp/bookstore-engine/inventory"
	"github.com/warp/bookstore-engine/ledger"
	"github.com/warp/bookstore-engine/reservation"
)

// =============================================================================
// BOOK TRANSACTIONS
// =============================================================================

// StockRequest is the body of every stock mutator.
type StockRequest struct {
	Quantity int    `json:"quantity"`
	UserID   int64  `json:"userId" validate:"required"`
	Data     string `json:"data,omitempty" validate:"max=500"`
}

// OrderSaleRequest records a sale that fulfils an order item.
type OrderSaleRequest struct {
	Quantity    int    `json:"quantity" validate:"gt=0"`
	UserID      int64  `json:"userId" validate:"required"`
	OrderItemID int64  `json:"orderItemId" validate:"required,gt=0"`
	Data        string `json:"data,omitempty" validate:"max=500"`
}

type BookTransactionDTO struct {
	ID        int64     `json:"id"`
	Activity  string    `json:"activityType"`
	BookID    int64     `json:"bookId"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
	UserID    int64     `json:"userId"`
	Data      string    `json:"data,omitempty"`
}

func toBookTransactionDTO(tx ledger.BookTransaction) BookTransactionDTO {
	return BookTransactionDTO{
		ID:        tx.ID,
		Activity:  string(tx.Activity),
		BookID:    tx.BookID,
		Quantity:  tx.Quantity,
		CreatedAt: tx.CreatedAt,
		UserID:    tx.UserID,
		Data:      tx.Data,
	}
}

type ActiveRentalDTO struct {
	BookID                   int64  `json:"bookId"`
	Title                    string `json:"title"`
	CurrentlyRented          int    `json:"currentlyRented"`
	PhysicalStock            int    `json:"physicalStock"`
	AvailableForRentalCopies int    `json:"availableForRentalCopies"`
}

func toActiveRentalDTO(r inventory.ActiveRental) ActiveRentalDTO {
	return ActiveRentalDTO(r)
}

type SnapshotDTO struct {
	BookID            int64     `json:"bookId"`
	CurrentQuantity   int       `json:"currentQuantity"`
	PhysicalStock     int       `json:"physicalStock"`
	CurrentlyRented   int       `json:"currentlyRented"`
	LastTransactionID int64     `json:"lastTransactionId"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func toSnapshotDTO(s ledger.Snapshot) SnapshotDTO {
	return SnapshotDTO(s)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type ReserveRequest struct {
	MemberID int64 `json:"memberId" validate:"required"`
	BookID   int64 `json:"bookId" validate:"required"`
}

type ReservationDTO struct {
	ID         int64     `json:"id"`
	MemberID   int64     `json:"memberId"`
	BookID     int64     `json:"bookId"`
	ReservedAt time.Time `json:"reservedAt"`
	Position   int       `json:"position,omitempty"`
}

func toReservationDTO(e reservation.QueueEntry) ReservationDTO {
	return ReservationDTO{
		ID:         e.ID,
		MemberID:   e.MemberID,
		BookID:     e.BookID,
		ReservedAt: e.ReservedAt,
		Position:   e.Position,
	}
}

type QueuePositionDTO struct {
	ReservationID int64 `json:"reservationId"`
	Position      int   `json:"position"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// =============================================================================
// BOOK CLUB POINTS
// =============================================================================

type PointsSummaryDTO struct {
	MemberID int64 `json:"memberId"`
	Year     int   `json:"year"`
	Points   int   `json:"points"`
}

type PointsTransactionDTO struct {
	ID                int64     `json:"id"`
	Activity          string    `json:"activityType"`
	Points            int       `json:"points"`
	CreatedAt         time.Time `json:"createdAt"`
	OrderItemID       *int64    `json:"orderItemId,omitempty"`
	BookTransactionID *int64    `json:"bookTransactionId,omitempty"`
}

func toPointsTransactionDTO(tx bookclub.PointsTransaction) PointsTransactionDTO {
	return PointsTransactionDTO{
		ID:                tx.ID,
		Activity:          string(tx.Activity),
		Points:            tx.Points,
		CreatedAt:         tx.CreatedAt,
		OrderItemID:       tx.OrderItemID,
		BookTransactionID: tx.BookTransactionID,
	}
}

type YearTotalDTO struct {
	Year   int `json:"year"`
	Points int `json:"points"`
}

type LeaderboardEntryDTO struct {
	Rank     int   `json:"rank"`
	MemberID int64 `json:"memberId"`
	Points   int   `json:"points"`
}

// =============================================================================
// CATALOG
// =============================================================================

type CreateBookRequest struct {
	Title   string          `json:"title" validate:"required,max=300"`
	Author  string          `json:"author" validate:"max=200"`
	Purpose string          `json:"purpose" validate:"required,oneof=sell rent"`
	Price   decimal.Decimal `json:"price"`
}

type BookDTO struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title"`
	Author    string          `json:"author,omitempty"`
	Purpose   string          `json:"purpose"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toBookDTO(b catalog.Book) BookDTO {
	return BookDTO{
		ID:        b.ID,
		Title:     b.Title,
		Author:    b.Author,
		Purpose:   string(b.Purpose),
		Price:     b.Price,
		CreatedAt: b.CreatedAt,
	}
}

type CreateUserRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
	Role  string `json:"role" validate:"required,oneof=employee member"`
}

type UserDTO struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

type CreateMemberRequest struct {
	UserID int64  `json:"userId" validate:"required"`
	Name   string `json:"name" validate:"max=200"`
}

type MemberDTO struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"userId"`
	Name   string `json:"name,omitempty"`
}

type CreateMembershipRequest struct {
	MemberID int64     `json:"memberId" validate:"required"`
	StartsAt time.Time `json:"startsAt" validate:"required"`
	EndsAt   time.Time `json:"endsAt" validate:"required,gtfield=StartsAt"`
}

type MembershipDTO struct {
	ID       int64     `json:"id"`
	MemberID int64     `json:"memberId"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
