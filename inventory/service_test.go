package inventory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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
	"github.com/warp/bookstore-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	store    *memory.Store
	svc      *inventory.Service
	points   *bookclub.Ledger
	clock    *generic.FixedClock
	employee catalog.User
	member   catalog.Member
	memberU  catalog.User
	rental   catalog.Book
	forSale  catalog.Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	clock := generic.NewFixedClock(time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC))
	points := bookclub.NewLedger(store, store, clock, nil)

	f := &fixture{
		store:  store,
		svc:    inventory.NewService(store, store, points, store, clock, nil),
		points: points,
		clock:  clock,
	}

	var err error
	f.employee, err = store.CreateUser(ctx, catalog.User{Name: "Clerk", Role: catalog.RoleEmployee})
	require.NoError(t, err)
	f.memberU, err = store.CreateUser(ctx, catalog.User{Name: "Ana", Email: "ana@example.com", Role: catalog.RoleMember})
	require.NoError(t, err)
	f.member, err = store.CreateMember(ctx, catalog.Member{UserID: f.memberU.ID, Name: "Ana"})
	require.NoError(t, err)
	f.rental, err = store.CreateBook(ctx, catalog.Book{Title: "Dune", Purpose: catalog.PurposeRent})
	require.NoError(t, err)
	f.forSale, err = store.CreateBook(ctx, catalog.Book{Title: "Emma", Purpose: catalog.PurposeSell, Price: decimal.RequireFromString("35.00")})
	require.NoError(t, err)
	return f
}

func (f *fixture) by(userID int64, qty int) inventory.Request {
	return inventory.Request{Quantity: qty, UserID: userID}
}

func (f *fixture) figures(t *testing.T, bookID int64) ledger.Figures {
	t.Helper()
	fig, err := f.svc.Calculator().Figures(context.Background(), bookID)
	require.NoError(t, err)
	return fig
}

// =============================================================================
// MUTATORS
// =============================================================================

func TestAddStockThenSell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.svc.AddStock(ctx, f.forSale.ID, f.by(f.employee.ID, 3)))
	assert.True(t, f.svc.Sell(ctx, f.forSale.ID, f.by(f.employee.ID, 2)))
	assert.False(t, f.svc.Sell(ctx, f.forSale.ID, f.by(f.employee.ID, 2)))

	assert.Equal(t, 1, f.figures(t, f.forSale.ID).CurrentQuantity)
}

func TestRemove_RespectsCurrentQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.forSale.ID, f.by(f.employee.ID, 2)))

	_, err := f.svc.Apply(ctx, inventory.OpRemove, f.forSale.ID, f.by(f.employee.ID, 3))

	var stockErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.ErrorIs(t, err, generic.ErrInsufficientStock)
	assert.Equal(t, 2, stockErr.Available)
	assert.True(t, f.svc.Remove(ctx, f.forSale.ID, f.by(f.employee.ID, 2)))
	assert.Equal(t, 0, f.figures(t, f.forSale.ID).PhysicalStock)
}

func TestApply_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		op     inventory.Operation
		bookID int64
		req    inventory.Request
		want   error
	}{
		{"zero quantity", inventory.OpAddStock, f.rental.ID, f.by(f.employee.ID, 0), generic.ErrInvalidQuantity},
		{"negative quantity", inventory.OpAddStock, f.rental.ID, f.by(f.employee.ID, -1), generic.ErrInvalidQuantity},
		{"unknown actor", inventory.OpAddStock, f.rental.ID, f.by(999, 1), generic.ErrActorNotFound},
		{"unknown book", inventory.OpAddStock, 999, f.by(f.employee.ID, 1), generic.ErrNotFound},
		{"unknown operation", inventory.Operation("lend"), f.rental.ID, f.by(f.employee.ID, 1), generic.ErrInvalidActivity},
		{"sell from empty stock", inventory.OpSell, f.forSale.ID, f.by(f.employee.ID, 1), generic.ErrInsufficientStock},
		{"return with unknown actor", inventory.OpReturn, f.rental.ID, f.by(999, 1), generic.ErrActorNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Apply(ctx, tt.op, tt.bookID, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	txs, err := f.svc.Transactions(ctx, f.rental.ID)
	require.NoError(t, err)
	assert.Empty(t, txs, "rejected operations must not append")
}

func TestBooleanContract_FalseOnRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 0)))
	assert.False(t, f.svc.AddStock(ctx, f.rental.ID, f.by(999, 1)))
	assert.False(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1)))
	assert.False(t, f.svc.Return(ctx, f.rental.ID, f.by(f.memberU.ID, 0)))
}

// =============================================================================
// RENTAL SCENARIOS
// =============================================================================

func TestRent_PoolExhaustion(t *testing.T) {
	// GIVEN: 2 rental copies
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 2)))

	// WHEN: Three single-copy rentals
	first := f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1))
	second := f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1))
	third := f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1))

	// THEN: The third fails, both copies are out
	assert.True(t, first)
	assert.True(t, second)
	assert.False(t, third)

	fig := f.figures(t, f.rental.ID)
	assert.Equal(t, 2, fig.CurrentlyRented)
	assert.Equal(t, 0, fig.AvailableForRentalCopies)
	assert.Equal(t, 2, fig.PhysicalStock)
}

func TestReturnThenRent(t *testing.T) {
	// GIVEN: 1 copy, rented out
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 1)))
	require.True(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1)))
	require.False(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1)))

	// WHEN: It comes back
	require.True(t, f.svc.Return(ctx, f.rental.ID, f.by(f.memberU.ID, 1)))

	// THEN: It can be rented again
	assert.True(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1)))
	assert.Equal(t, 1, f.figures(t, f.rental.ID).CurrentlyRented)
}

func TestRent_AwardsPointsToMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 5)))

	rent, err := f.svc.Apply(ctx, inventory.OpRent, f.rental.ID, f.by(f.memberU.ID, 2))
	require.NoError(t, err)

	txs, err := f.points.GetTransactionsForYear(ctx, f.member.ID, 2025)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 40, txs[0].Points)
	assert.Equal(t, bookclub.ActivityBookRental, txs[0].Activity)
	assert.Equal(t, rent.ID, *txs[0].BookTransactionID)
}

func TestRent_ByNonMember_NoPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 5)))

	assert.True(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.employee.ID, 1)))

	board, err := f.points.Leaderboard(ctx, 2025, 0)
	require.NoError(t, err)
	assert.Empty(t, board)
}

// failingPoints makes every award fail so the surrounding transaction aborts.
type failingPoints struct {
	*memory.Store
}

func (failingPoints) AppendPoints(context.Context, bookclub.PointsTransaction) (bookclub.PointsTransaction, error) {
	return bookclub.PointsTransaction{}, errors.New("disk full")
}

func TestRent_AwardFailure_RollsBackLedgerRow(t *testing.T) {
	// GIVEN: A points store that can't write
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 1)))

	points := bookclub.NewLedger(failingPoints{f.store}, f.store, f.clock, nil)
	svc := inventory.NewService(f.store, f.store, points, f.store, f.clock, nil)

	// WHEN
	ok := svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1))

	// THEN: Neither the rent row nor its snapshot survive
	assert.False(t, ok)
	assert.Equal(t, 0, f.figures(t, f.rental.ID).CurrentlyRented)

	snap, err := f.store.Snapshot(ctx, f.rental.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.CurrentlyRented)
}

func TestActiveRentals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 3)))
	require.True(t, f.svc.AddStock(ctx, f.forSale.ID, f.by(f.employee.ID, 3)))
	require.True(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 2)))

	rentals, err := f.svc.ActiveRentals(ctx)

	require.NoError(t, err)
	assert.Equal(t, []inventory.ActiveRental{
		{BookID: f.rental.ID, Title: "Dune", CurrentlyRented: 2, PhysicalStock: 3, AvailableForRentalCopies: 1},
	}, rentals)
}

// =============================================================================
// ORDER SALES
// =============================================================================

func TestSellToOrder_AwardsPurchasePointsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.forSale.ID, f.by(f.employee.ID, 5)))

	// WHEN: Order item 7 for 2 x 35.00 is fulfilled, then retried
	_, err := f.svc.SellToOrder(ctx, f.forSale.ID, 7, f.by(f.memberU.ID, 2))
	require.NoError(t, err)
	_, err = f.svc.SellToOrder(ctx, f.forSale.ID, 7, f.by(f.memberU.ID, 2))
	require.NoError(t, err)

	// THEN: 7 points once; both sales recorded
	total, err := f.points.GetCurrentYearPoints(ctx, f.member.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Equal(t, 1, f.figures(t, f.forSale.ID).CurrentQuantity)
}

func TestSellToOrder_InsufficientStock_NoPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SellToOrder(ctx, f.forSale.ID, 8, f.by(f.memberU.ID, 1))

	assert.ErrorIs(t, err, generic.ErrInsufficientStock)
	total, err := f.points.GetCurrentYearPoints(ctx, f.member.ID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRebuildSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 4)))
	require.NoError(t, f.store.SaveSnapshot(ctx, ledger.Snapshot{BookID: f.rental.ID}))

	snap, err := f.svc.RebuildSnapshot(ctx, f.rental.ID)

	require.NoError(t, err)
	assert.Equal(t, 4, snap.PhysicalStock)
}

func TestRent_FivePoolScenario(t *testing.T) {
	// GIVEN: A book with no ledger rows
	f := newFixture(t)
	ctx := context.Background()

	// WHEN/THEN: Stock 5
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 5)))
	assert.Equal(t, ledger.Figures{CurrentQuantity: 5, PhysicalStock: 5, AvailableForRentalCopies: 5}, f.figures(t, f.rental.ID))

	// Rent 2
	require.True(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 2)))
	assert.Equal(t, ledger.Figures{CurrentQuantity: 3, PhysicalStock: 5, CurrentlyRented: 2, AvailableForRentalCopies: 3}, f.figures(t, f.rental.ID))

	// Rent 3 exhausts the pool
	require.True(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 3)))
	assert.Equal(t, ledger.Figures{CurrentQuantity: 0, PhysicalStock: 5, CurrentlyRented: 5, AvailableForRentalCopies: 0}, f.figures(t, f.rental.ID))

	// Any further rental fails even though physical stock still covers it
	ok, err := f.svc.Calculator().IsAvailableForRental(ctx, f.rental.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1)))
}

func TestReturnTwo_RestoresFigures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 4)))
	before := f.figures(t, f.rental.ID)

	require.True(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 2)))
	require.True(t, f.svc.Return(ctx, f.rental.ID, f.by(f.memberU.ID, 2)))

	assert.Equal(t, before, f.figures(t, f.rental.ID))
}

func TestReturn_WithNothingRented_FlooredAtZero(t *testing.T) {
	// GIVEN: 3 copies on the shelf, none rented
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 3)))

	// WHEN: A copy is returned anyway
	ok := f.svc.Return(ctx, f.rental.ID, f.by(f.memberU.ID, 1))

	// THEN: It is recorded; currentlyRented stays at zero
	assert.True(t, ok)
	assert.Equal(t, ledger.Figures{CurrentQuantity: 4, PhysicalStock: 3, CurrentlyRented: 0, AvailableForRentalCopies: 3},
		f.figures(t, f.rental.ID))

	// A later rental is still bounded by physical stock
	assert.True(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 3)))
	assert.False(t, f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1)))
}

func TestAddStock_LegacyReturnMarkerInData_CountsAsStock(t *testing.T) {
	// GIVEN: Stock data that happens to contain the legacy return marker
	f := newFixture(t)
	ctx := context.Background()
	req := f.by(f.employee.ID, 5)
	req.Data = ledger.LegacyReturnMarker + " donated by member 3"

	// WHEN
	tx, err := f.svc.Apply(ctx, inventory.OpAddStock, f.rental.ID, req)

	// THEN: The row is stock and folds as stock
	require.NoError(t, err)
	assert.Equal(t, ledger.ActivityStock, tx.Kind())
	assert.NotContains(t, tx.Data, ledger.LegacyReturnMarker)
	assert.Contains(t, tx.Data, "donated by member 3")
	assert.Equal(t, ledger.Figures{CurrentQuantity: 5, PhysicalStock: 5, AvailableForRentalCopies: 5},
		f.figures(t, f.rental.ID))
}

func TestRent_Concurrent_ExactlyPoolSizeSucceeds(t *testing.T) {
	// GIVEN: 3 rental copies
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 3)))

	// WHEN: 50 single-copy rentals race
	const attempts = 50
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.svc.Rent(ctx, f.rental.ID, f.by(f.memberU.ID, 1)) {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly 3 went out and each earned points once
	assert.EqualValues(t, 3, succeeded.Load())
	fig := f.figures(t, f.rental.ID)
	assert.Equal(t, 3, fig.CurrentlyRented)
	assert.Equal(t, 0, fig.AvailableForRentalCopies)

	total, err := f.points.GetCurrentYearPoints(ctx, f.member.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, total)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_RepairsDriftAndMissingSnapshots(t *testing.T) {
	// GIVEN: One healthy book, one drifted snapshot, one ledger row without a snapshot
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.svc.AddStock(ctx, f.rental.ID, f.by(f.employee.ID, 2)))
	require.True(t, f.svc.AddStock(ctx, f.forSale.ID, f.by(f.employee.ID, 2)))
	require.NoError(t, f.store.SaveSnapshot(ctx, ledger.Snapshot{BookID: f.forSale.ID, CurrentQuantity: 50}))
	_, err := f.store.AppendBookTransaction(ctx, ledger.BookTransaction{
		BookID: 77, Activity: ledger.ActivityStock, Quantity: 1, UserID: f.employee.ID, CreatedAt: f.clock.Now(),
	})
	require.NoError(t, err)

	// WHEN
	report, err := f.svc.Audit(ctx)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.ElementsMatch(t, []int64{f.forSale.ID, 77}, report.Repaired)

	snap, err := f.store.Snapshot(ctx, f.forSale.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.CurrentQuantity)

	// A second pass finds nothing to do
	report, err = f.svc.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Repaired)
}
