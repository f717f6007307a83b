/*
Package catalog holds the records the stock and reservation logic consult
but does not own: books, users, members and memberships.

PURPOSE:
  The inventory ledger needs to know that an actor exists and which member
  stands behind it. The reservation queue needs to know a book's purpose and
  whether a member's membership is active. Those lookups are collected in
  the Directory interface so services depend on a narrow contract, not on
  a concrete store.

KEY TYPES:
  Book:       Title, author, purpose (sell or rent) and unit price
  User:       Anyone who can cause a stock movement (employee or member)
  Member:     A user enrolled as a library member
  Membership: A paid period during which the member may reserve books

SEE ALSO:
  - store/sqlite/sqlite.go: books, users, members, memberships tables
  - reservation/queue.go: main consumer of Directory
*/
package catalog

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BOOK
// =============================================================================

// Purpose says whether copies of a book are sold or lent out.
type Purpose string

const (
	PurposeSell Purpose = "sell"
	PurposeRent Purpose = "rent"
)

func (p Purpose) Valid() bool { return p == PurposeSell || p == PurposeRent }

type Book struct {
	ID        int64
	Title     string
	Author    string
	Purpose   Purpose
	Price     decimal.Decimal
	CreatedAt time.Time
}

// =============================================================================
// USERS AND MEMBERS
// =============================================================================

type Role string

const (
	RoleEmployee Role = "employee"
	RoleMember   Role = "member"
)

type User struct {
	ID        int64
	Name      string
	Email     string
	Role      Role
	CreatedAt time.Time
}

type Member struct {
	ID        int64
	UserID    int64
	Name      string
	CreatedAt time.Time
}

// Membership is active on [StartsAt, EndsAt).
type Membership struct {
	ID       int64
	MemberID int64
	StartsAt time.Time
	EndsAt   time.Time
}

func (m Membership) ActiveAt(t time.Time) bool {
	return !t.Before(m.StartsAt) && t.Before(m.EndsAt)
}

// =============================================================================
// DIRECTORY - Read-side contract used by the domain services
// =============================================================================

// Directory resolves actors, members and books.
// Lookups that find nothing return generic.ErrNotFound.
type Directory interface {
	GetBook(ctx context.Context, id int64) (*Book, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
	GetMember(ctx context.Context, id int64) (*Member, error)
	// MemberByUserID returns generic.ErrNotFound when the user isn't a member.
	MemberByUserID(ctx context.Context, userID int64) (*Member, error)
	HasActiveMembership(ctx context.Context, memberID int64, at time.Time) (bool, error)
}

// Store adds the write side used by the scaffolding endpoints.
type Store interface {
	Directory
	CreateBook(ctx context.Context, b Book) (Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	CreateUser(ctx context.Context, u User) (User, error)
	CreateMember(ctx context.Context, m Member) (Member, error)
	CreateMembership(ctx context.Context, m Membership) (Membership, error)
}
