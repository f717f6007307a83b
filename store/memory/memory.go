// Package memory provides an in-memory implementation of every store
// contract (catalog, ledger, bookclub, reservation). Used by service tests
// and for running the server without a database file.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/bookstore-engine/bookclub"
	"github.com/warp/bookstore-engine/catalog"
	"github.com/warp/bookstore-engine/generic"
	"github.com/warp/bookstore-engine/ledger"
	"github.com/warp/bookstore-engine/reservation"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu sync.RWMutex
	s  state
}

type state struct {
	seq map[string]int64

	books       map[int64]catalog.Book
	users       map[int64]catalog.User
	members     map[int64]catalog.Member
	memberships []catalog.Membership

	bookTxs   []ledger.BookTransaction
	snapshots map[int64]ledger.Snapshot

	clubs  []bookclub.UserBookClub
	points []bookclub.PointsTransaction

	reservations map[int64]reservation.Reservation
}

var (
	_ catalog.Store      = (*Store)(nil)
	_ ledger.Repository  = (*Store)(nil)
	_ bookclub.Store     = (*Store)(nil)
	_ reservation.Store  = (*Store)(nil)
	_ generic.Transactor = (*Store)(nil)
)

func New() *Store {
	return &Store{s: state{
		seq:          make(map[string]int64),
		books:        make(map[int64]catalog.Book),
		users:        make(map[int64]catalog.User),
		members:      make(map[int64]catalog.Member),
		snapshots:    make(map[int64]ledger.Snapshot),
		reservations: make(map[int64]reservation.Reservation),
	}}
}

func (s state) clone() state {
	return state{
		seq:          maps.Clone(s.seq),
		books:        maps.Clone(s.books),
		users:        maps.Clone(s.users),
		members:      maps.Clone(s.members),
		memberships:  slices.Clone(s.memberships),
		bookTxs:      slices.Clone(s.bookTxs),
		snapshots:    maps.Clone(s.snapshots),
		clubs:        slices.Clone(s.clubs),
		points:       slices.Clone(s.points),
		reservations: maps.Clone(s.reservations),
	}
}

func (m *Store) nextID(table string) int64 {
	m.s.seq[table]++
	return m.s.seq[table]
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type txKey struct{}

func (m *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == m
}

func (m *Store) lock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Store) rlock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// WithTx runs fn holding the store lock. State is restored if fn fails.
func (m *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(context.WithValue(ctx, txKey{}, m)); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Store) CreateBook(ctx context.Context, b catalog.Book) (catalog.Book, error) {
	defer m.lock(ctx)()
	b.ID = m.nextID("books")
	m.s.books[b.ID] = b
	return b, nil
}

func (m *Store) GetBook(ctx context.Context, id int64) (*catalog.Book, error) {
	defer m.rlock(ctx)()
	b, ok := m.s.books[id]
	if !ok {
		return nil, generic.ErrNotFound
	}
	return &b, nil
}

func (m *Store) ListBooks(ctx context.Context) ([]catalog.Book, error) {
	defer m.rlock(ctx)()
	books := slices.Collect(maps.Values(m.s.books))
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	return books, nil
}

func (m *Store) CreateUser(ctx context.Context, u catalog.User) (catalog.User, error) {
	defer m.lock(ctx)()
	u.ID = m.nextID("users")
	m.s.users[u.ID] = u
	return u, nil
}

func (m *Store) GetUser(ctx context.Context, id int64) (*catalog.User, error) {
	defer m.rlock(ctx)()
	u, ok := m.s.users[id]
	if !ok {
		return nil, generic.ErrNotFound
	}
	return &u, nil
}

func (m *Store) UserExists(ctx context.Context, userID int64) (bool, error) {
	defer m.rlock(ctx)()
	_, ok := m.s.users[userID]
	return ok, nil
}

func (m *Store) CreateMember(ctx context.Context, mem catalog.Member) (catalog.Member, error) {
	defer m.lock(ctx)()
	if _, ok := m.s.users[mem.UserID]; !ok {
		return catalog.Member{}, generic.ErrActorNotFound
	}
	for _, existing := range m.s.members {
		if existing.UserID == mem.UserID {
			return catalog.Member{}, generic.ErrDuplicate
		}
	}
	mem.ID = m.nextID("members")
	m.s.members[mem.ID] = mem
	return mem, nil
}

func (m *Store) GetMember(ctx context.Context, id int64) (*catalog.Member, error) {
	defer m.rlock(ctx)()
	mem, ok := m.s.members[id]
	if !ok {
		return nil, generic.ErrNotFound
	}
	return &mem, nil
}

func (m *Store) MemberByUserID(ctx context.Context, userID int64) (*catalog.Member, error) {
	defer m.rlock(ctx)()
	for _, mem := range m.s.members {
		if mem.UserID == userID {
			return &mem, nil
		}
	}
	return nil, generic.ErrNotFound
}

func (m *Store) CreateMembership(ctx context.Context, ms catalog.Membership) (catalog.Membership, error) {
	defer m.lock(ctx)()
	if _, ok := m.s.members[ms.MemberID]; !ok {
		return catalog.Membership{}, generic.ErrNotFound
	}
	ms.ID = m.nextID("memberships")
	m.s.memberships = append(m.s.memberships, ms)
	return ms, nil
}

func (m *Store) HasActiveMembership(ctx context.Context, memberID int64, at time.Time) (bool, error) {
	defer m.rlock(ctx)()
	for _, ms := range m.s.memberships {
		if ms.MemberID == memberID && ms.ActiveAt(at) {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

func (m *Store) AppendBookTransaction(ctx context.Context, tx ledger.BookTransaction) (ledger.BookTransaction, error) {
	defer m.lock(ctx)()
	tx.ID = m.nextID("book_transactions")
	m.s.bookTxs = append(m.s.bookTxs, tx)
	return tx, nil
}

func (m *Store) BookTransactions(ctx context.Context, bookID int64) ([]ledger.BookTransaction, error) {
	defer m.rlock(ctx)()
	result := []ledger.BookTransaction{}
	for _, tx := range m.s.bookTxs {
		if tx.BookID == bookID {
			result = append(result, tx)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Store) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	defer m.lock(ctx)()
	m.s.snapshots[snap.BookID] = snap
	return nil
}

func (m *Store) Snapshot(ctx context.Context, bookID int64) (*ledger.Snapshot, error) {
	defer m.rlock(ctx)()
	snap, ok := m.s.snapshots[bookID]
	if !ok {
		return nil, generic.ErrNotFound
	}
	return &snap, nil
}

func (m *Store) Snapshots(ctx context.Context) ([]ledger.Snapshot, error) {
	defer m.rlock(ctx)()
	snaps := slices.Collect(maps.Values(m.s.snapshots))
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].BookID < snaps[j].BookID })
	return snaps, nil
}

func (m *Store) LedgerBookIDs(ctx context.Context) ([]int64, error) {
	defer m.rlock(ctx)()
	seen := make(map[int64]bool)
	ids := []int64{}
	for _, tx := range m.s.bookTxs {
		if !seen[tx.BookID] {
			seen[tx.BookID] = true
			ids = append(ids, tx.BookID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// =============================================================================
// BOOK CLUB
// =============================================================================

func (m *Store) UserBookClub(ctx context.Context, memberID int64, year int) (*bookclub.UserBookClub, error) {
	defer m.rlock(ctx)()
	for _, c := range m.s.clubs {
		if c.MemberID == memberID && c.Year == year {
			return &c, nil
		}
	}
	return nil, generic.ErrNotFound
}

func (m *Store) CreateUserBookClub(ctx context.Context, c bookclub.UserBookClub) (bookclub.UserBookClub, error) {
	defer m.lock(ctx)()
	for _, existing := range m.s.clubs {
		if existing.MemberID == c.MemberID && existing.Year == c.Year {
			return bookclub.UserBookClub{}, generic.ErrDuplicate
		}
	}
	c.ID = m.nextID("user_book_clubs")
	m.s.clubs = append(m.s.clubs, c)
	return c, nil
}

func (m *Store) UserBookClubs(ctx context.Context, memberID int64) ([]bookclub.UserBookClub, error) {
	defer m.rlock(ctx)()
	clubs := []bookclub.UserBookClub{}
	for _, c := range m.s.clubs {
		if c.MemberID == memberID {
			clubs = append(clubs, c)
		}
	}
	sort.Slice(clubs, func(i, j int) bool { return clubs[i].Year > clubs[j].Year })
	return clubs, nil
}

func (m *Store) FindAward(ctx context.Context, src bookclub.Source, activity bookclub.ActivityType) (*bookclub.PointsTransaction, error) {
	defer m.rlock(ctx)()
	for _, p := range m.s.points {
		if p.Activity == activity && p.Source() == src {
			return &p, nil
		}
	}
	return nil, generic.ErrNotFound
}

func (m *Store) AppendPoints(ctx context.Context, tx bookclub.PointsTransaction) (bookclub.PointsTransaction, error) {
	defer m.lock(ctx)()
	src := tx.Source()
	for _, p := range m.s.points {
		if p.Activity == tx.Activity && p.Source() == src {
			return bookclub.PointsTransaction{}, generic.ErrDuplicate
		}
	}
	tx.ID = m.nextID("user_book_club_transactions")
	m.s.points = append(m.s.points, tx)
	return tx, nil
}

func (m *Store) PointsTransactions(ctx context.Context, userBookClubID int64) ([]bookclub.PointsTransaction, error) {
	defer m.rlock(ctx)()
	txs := []bookclub.PointsTransaction{}
	for _, p := range m.s.points {
		if p.UserBookClubID == userBookClubID {
			txs = append(txs, p)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].ID > txs[j].ID
	})
	return txs, nil
}

func (m *Store) Leaderboard(ctx context.Context, year int, limit int) ([]bookclub.LeaderboardEntry, error) {
	defer m.rlock(ctx)()
	clubMember := make(map[int64]int64)
	for _, c := range m.s.clubs {
		if c.Year == year {
			clubMember[c.ID] = c.MemberID
		}
	}
	totals := make(map[int64]int)
	for _, p := range m.s.points {
		if memberID, ok := clubMember[p.UserBookClubID]; ok {
			totals[memberID] += p.Points
		}
	}

	entries := make([]bookclub.LeaderboardEntry, 0, len(totals))
	for memberID, points := range totals {
		entries = append(entries, bookclub.LeaderboardEntry{MemberID: memberID, Points: points})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Points != entries[j].Points {
			return entries[i].Points > entries[j].Points
		}
		return entries[i].MemberID < entries[j].MemberID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (m *Store) CreateReservation(ctx context.Context, r reservation.Reservation) (reservation.Reservation, error) {
	defer m.lock(ctx)()
	for _, existing := range m.s.reservations {
		if existing.MemberID == r.MemberID && existing.BookID == r.BookID {
			return reservation.Reservation{}, generic.ErrDuplicate
		}
	}
	r.ID = m.nextID("book_reservations")
	m.s.reservations[r.ID] = r
	return r, nil
}

func (m *Store) GetReservation(ctx context.Context, id int64) (*reservation.Reservation, error) {
	defer m.rlock(ctx)()
	r, ok := m.s.reservations[id]
	if !ok {
		return nil, generic.ErrNotFound
	}
	return &r, nil
}

func (m *Store) FindReservation(ctx context.Context, memberID, bookID int64) (*reservation.Reservation, error) {
	defer m.rlock(ctx)()
	for _, r := range m.s.reservations {
		if r.MemberID == memberID && r.BookID == bookID {
			return &r, nil
		}
	}
	return nil, generic.ErrNotFound
}

func (m *Store) DeleteReservation(ctx context.Context, id int64) error {
	defer m.lock(ctx)()
	if _, ok := m.s.reservations[id]; !ok {
		return generic.ErrNotFound
	}
	delete(m.s.reservations, id)
	return nil
}

func (m *Store) ReservationsForBook(ctx context.Context, bookID int64) ([]reservation.Reservation, error) {
	defer m.rlock(ctx)()
	return m.filterReservations(func(r reservation.Reservation) bool { return r.BookID == bookID }), nil
}

func (m *Store) ReservationsForMember(ctx context.Context, memberID int64) ([]reservation.Reservation, error) {
	defer m.rlock(ctx)()
	return m.filterReservations(func(r reservation.Reservation) bool { return r.MemberID == memberID }), nil
}

func (m *Store) filterReservations(keep func(reservation.Reservation) bool) []reservation.Reservation {
	rs := []reservation.Reservation{}
	for _, r := range m.s.reservations {
		if keep(r) {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ReservedAt.Equal(rs[j].ReservedAt) {
			return rs[i].ReservedAt.Before(rs[j].ReservedAt)
		}
		return rs[i].ID < rs[j].ID
	})
	return rs
}
