package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/bookstore-engine/bookclub"
	"github.com/warp/bookstore-engine/catalog"
	"github.com/warp/bookstore-engine/generic"
	"github.com/warp/bookstore-engine/inventory"
	"github.com/warp/bookstore-engine/ledger"
	"github.com/warp/bookstore-engine/reservation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var t0 = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

// =============================================================================
// CATALOG
// =============================================================================

func TestCatalog_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, catalog.Book{
		Title: "Emma", Author: "Austen", Purpose: catalog.PurposeSell, Price: decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)

	got, err := store.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Emma", got.Title)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, catalog.PurposeSell, got.Purpose)

	_, err = store.GetBook(ctx, 999)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	books, err := store.ListBooks(ctx)
	require.NoError(t, err)
	assert.Len(t, books, 1)
}

func TestCatalog_KeepsCallerTimestamps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	book, err := store.CreateBook(ctx, catalog.Book{Title: "Emma", Purpose: catalog.PurposeSell, CreatedAt: t0})
	require.NoError(t, err)
	user, err := store.CreateUser(ctx, catalog.User{Name: "Ana", Role: catalog.RoleMember, CreatedAt: t0})
	require.NoError(t, err)
	member, err := store.CreateMember(ctx, catalog.Member{UserID: user.ID, CreatedAt: t0})
	require.NoError(t, err)

	gotBook, err := store.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.True(t, gotBook.CreatedAt.Equal(t0))
	gotUser, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, gotUser.CreatedAt.Equal(t0))
	gotMember, err := store.GetMember(ctx, member.ID)
	require.NoError(t, err)
	assert.True(t, gotMember.CreatedAt.Equal(t0))
}

func TestDSN(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{":memory:", ":memory:?_foreign_keys=on&_journal_mode=WAL"},
		{"./data/bookstore.db", "./data/bookstore.db?_foreign_keys=on&_journal_mode=WAL"},
		{"file:bookstore.db?cache=shared", "file:bookstore.db?cache=shared&_foreign_keys=on&_journal_mode=WAL"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, dsn(tt.path))
		})
	}
}

func TestNew_FileURIWithQuery(t *testing.T) {
	store, err := New("file:" + t.TempDir() + "/bookstore.db?cache=private")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	assert.NoError(t, store.Ping(context.Background()))
}

func TestCatalog_Members(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, catalog.User{Name: "Ana", Email: "ana@example.com", Role: catalog.RoleMember})
	require.NoError(t, err)
	exists, err := store.UserExists(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	member, err := store.CreateMember(ctx, catalog.Member{UserID: user.ID, Name: "Ana"})
	require.NoError(t, err)

	_, err = store.CreateMember(ctx, catalog.Member{UserID: user.ID})
	assert.ErrorIs(t, err, generic.ErrDuplicate)
	_, err = store.CreateMember(ctx, catalog.Member{UserID: 999})
	assert.ErrorIs(t, err, generic.ErrActorNotFound)

	byUser, err := store.MemberByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, member.ID, byUser.ID)

	_, err = store.CreateMembership(ctx, catalog.Membership{MemberID: member.ID, StartsAt: t0, EndsAt: t0.AddDate(1, 0, 0)})
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before start", t0.Add(-time.Second), false},
		{"at start", t0, true},
		{"inside", t0.AddDate(0, 6, 0), true},
		{"at end", t0.AddDate(1, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active, err := store.HasActiveMembership(ctx, member.ID, tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, active)
		})
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func TestBookTransactions_OrderedByCreatedAtThenID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	late, err := store.AppendBookTransaction(ctx, ledger.BookTransaction{
		Activity: ledger.ActivityStock, BookID: 1, Quantity: 1, UserID: 1, CreatedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	early, err := store.AppendBookTransaction(ctx, ledger.BookTransaction{
		Activity: ledger.ActivityRent, BookID: 1, Quantity: 1, UserID: 1, CreatedAt: t0, Data: "walk-in",
	})
	require.NoError(t, err)
	_, err = store.AppendBookTransaction(ctx, ledger.BookTransaction{
		Activity: ledger.ActivityStock, BookID: 2, Quantity: 9, UserID: 1, CreatedAt: t0,
	})
	require.NoError(t, err)

	txs, err := store.BookTransactions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, early.ID, txs[0].ID)
	assert.Equal(t, "walk-in", txs[0].Data)
	assert.True(t, txs[0].CreatedAt.Equal(t0))
	assert.Equal(t, late.ID, txs[1].ID)

	ids, err := store.LedgerBookIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
}

func TestBookTransactions_AppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.AppendBookTransaction(ctx, ledger.BookTransaction{
		Activity: ledger.ActivityStock, BookID: 1, Quantity: 3, UserID: 1, CreatedAt: t0,
	})
	require.NoError(t, err)

	_, err = store.db.Exec(`UPDATE book_transactions SET quantity = 10 WHERE id = ?`, tx.ID)
	assert.Error(t, err)
	_, err = store.db.Exec(`DELETE FROM book_transactions WHERE id = ?`, tx.ID)
	assert.Error(t, err)
}

func TestSnapshots_Upsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, ledger.Snapshot{BookID: 4, CurrentQuantity: 1, UpdatedAt: t0}))
	require.NoError(t, store.SaveSnapshot(ctx, ledger.Snapshot{BookID: 4, CurrentQuantity: 2, PhysicalStock: 3, CurrentlyRented: 1, LastTransactionID: 8, UpdatedAt: t0}))

	snap, err := store.Snapshot(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.CurrentQuantity)
	assert.Equal(t, int64(8), snap.LastTransactionID)

	_, err = store.Snapshot(ctx, 5)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	all, err := store.Snapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context) error {
		_, err := store.AppendBookTransaction(ctx, ledger.BookTransaction{
			Activity: ledger.ActivityStock, BookID: 1, Quantity: 3, UserID: 1, CreatedAt: t0,
		})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	txs, err := store.BookTransactions(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestWithTx_NestedJoinsOuter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context) error {
		return store.WithTx(ctx, func(ctx context.Context) error {
			_, err := store.AppendBookTransaction(ctx, ledger.BookTransaction{
				Activity: ledger.ActivityStock, BookID: 1, Quantity: 1, UserID: 1, CreatedAt: t0,
			})
			return err
		})
	})
	require.NoError(t, err)

	txs, err := store.BookTransactions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

// =============================================================================
// BOOK CLUB
// =============================================================================

func TestPoints_UniquePerSourceAndActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	club, err := store.CreateUserBookClub(ctx, bookclub.UserBookClub{MemberID: 1, Year: 2025})
	require.NoError(t, err)
	_, err = store.CreateUserBookClub(ctx, bookclub.UserBookClub{MemberID: 1, Year: 2025})
	assert.ErrorIs(t, err, generic.ErrDuplicate)

	item := int64(7)
	award := bookclub.PointsTransaction{
		Activity: bookclub.ActivityBookPurchase, UserBookClubID: club.ID, Points: 3, CreatedAt: t0, OrderItemID: &item,
	}
	_, err = store.AppendPoints(ctx, award)
	require.NoError(t, err)

	_, err = store.AppendPoints(ctx, award)
	assert.ErrorIs(t, err, generic.ErrDuplicate)

	// Same id as a book transaction is a different source.
	award.OrderItemID = nil
	award.BookTransactionID = &item
	_, err = store.AppendPoints(ctx, award)
	assert.NoError(t, err)

	found, err := store.FindAward(ctx, bookclub.Source{Kind: bookclub.SourceOrderItem, ID: 7}, bookclub.ActivityBookPurchase)
	require.NoError(t, err)
	assert.Equal(t, 3, found.Points)
	assert.Nil(t, found.BookTransactionID)

	_, err = store.FindAward(ctx, bookclub.Source{Kind: bookclub.SourceOrderItem, ID: 8}, bookclub.ActivityBookPurchase)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestLeaderboard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, m := range []struct {
		member int64
		points int
	}{{1, 20}, {2, 60}, {3, 20}} {
		club, err := store.CreateUserBookClub(ctx, bookclub.UserBookClub{MemberID: m.member, Year: 2025})
		require.NoError(t, err)
		src := int64(i + 1)
		_, err = store.AppendPoints(ctx, bookclub.PointsTransaction{
			Activity: bookclub.ActivityBookRental, UserBookClubID: club.ID, Points: m.points, CreatedAt: t0, BookTransactionID: &src,
		})
		require.NoError(t, err)
	}

	board, err := store.Leaderboard(ctx, 2025, 0)
	require.NoError(t, err)
	assert.Equal(t, []bookclub.LeaderboardEntry{
		{Rank: 1, MemberID: 2, Points: 60},
		{Rank: 2, MemberID: 1, Points: 20},
		{Rank: 3, MemberID: 3, Points: 20},
	}, board)

	top, err := store.Leaderboard(ctx, 2025, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)

	empty, err := store.Leaderboard(ctx, 2024, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestReservations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	second, err := store.CreateReservation(ctx, reservation.Reservation{MemberID: 2, BookID: 1, ReservedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	first, err := store.CreateReservation(ctx, reservation.Reservation{MemberID: 1, BookID: 1, ReservedAt: t0})
	require.NoError(t, err)

	_, err = store.CreateReservation(ctx, reservation.Reservation{MemberID: 1, BookID: 1, ReservedAt: t0})
	assert.ErrorIs(t, err, generic.ErrDuplicate)

	queue, err := store.ReservationsForBook(ctx, 1)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, first.ID, queue[0].ID)
	assert.Equal(t, second.ID, queue[1].ID)

	found, err := store.FindReservation(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)

	require.NoError(t, store.DeleteReservation(ctx, first.ID))
	assert.ErrorIs(t, store.DeleteReservation(ctx, first.ID), generic.ErrNotFound)
	_, err = store.GetReservation(ctx, first.ID)
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// END TO END
// =============================================================================

func TestInventoryOnSQLite_RentalFlow(t *testing.T) {
	// GIVEN: A rental title with 1 copy and a member
	store := newTestStore(t)
	ctx := context.Background()
	clock := generic.NewFixedClock(t0)
	points := bookclub.NewLedger(store, store, clock, nil)
	svc := inventory.NewService(store, store, points, store, clock, nil)

	clerk, err := store.CreateUser(ctx, catalog.User{Name: "Clerk", Role: catalog.RoleEmployee})
	require.NoError(t, err)
	user, err := store.CreateUser(ctx, catalog.User{Name: "Ana", Role: catalog.RoleMember})
	require.NoError(t, err)
	member, err := store.CreateMember(ctx, catalog.Member{UserID: user.ID})
	require.NoError(t, err)
	book, err := store.CreateBook(ctx, catalog.Book{Title: "Dune", Purpose: catalog.PurposeRent})
	require.NoError(t, err)

	// WHEN
	require.True(t, svc.AddStock(ctx, book.ID, inventory.Request{Quantity: 1, UserID: clerk.ID}))
	require.True(t, svc.Rent(ctx, book.ID, inventory.Request{Quantity: 1, UserID: user.ID}))
	second := svc.Rent(ctx, book.ID, inventory.Request{Quantity: 1, UserID: user.ID})

	// THEN
	assert.False(t, second)
	total, err := points.GetCurrentYearPoints(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, total)

	snap, err := store.Snapshot(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CurrentlyRented)
	assert.Equal(t, 0, snap.CurrentQuantity)
}

func TestInventoryOnSQLite_ConcurrentRentals(t *testing.T) {
	// GIVEN: 4 rental copies and a member
	store := newTestStore(t)
	ctx := context.Background()
	clock := generic.NewFixedClock(t0)
	points := bookclub.NewLedger(store, store, clock, nil)
	svc := inventory.NewService(store, store, points, store, clock, nil)

	clerk, err := store.CreateUser(ctx, catalog.User{Name: "Clerk", Role: catalog.RoleEmployee, CreatedAt: t0})
	require.NoError(t, err)
	user, err := store.CreateUser(ctx, catalog.User{Name: "Ana", Role: catalog.RoleMember, CreatedAt: t0})
	require.NoError(t, err)
	member, err := store.CreateMember(ctx, catalog.Member{UserID: user.ID, CreatedAt: t0})
	require.NoError(t, err)
	book, err := store.CreateBook(ctx, catalog.Book{Title: "Dune", Purpose: catalog.PurposeRent, CreatedAt: t0})
	require.NoError(t, err)
	require.True(t, svc.AddStock(ctx, book.ID, inventory.Request{Quantity: 4, UserID: clerk.ID}))

	// WHEN: 40 single-copy rentals race
	const attempts = 40
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Rent(ctx, book.ID, inventory.Request{Quantity: 1, UserID: user.ID}) {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly the 4 copies went out, each earning points once
	assert.Equal(t, 4, succeeded)
	fig, err := svc.Calculator().Figures(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, fig.CurrentlyRented)
	assert.Equal(t, 0, fig.AvailableForRentalCopies)

	total, err := points.GetCurrentYearPoints(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, total)
}
