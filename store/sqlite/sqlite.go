/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence contract (catalog.Store, ledger.Repository,
  bookclub.Store, reservation.Store) and generic.Transactor on one SQLite
  database, using sqlx for query and scan plumbing.

APPEND-ONLY ENFORCEMENT:
  book_transactions and user_book_club_transactions are append-only:
  - No UPDATE or DELETE statements are issued against them
  - BEFORE UPDATE / BEFORE DELETE triggers abort any attempt

KEY TABLES:
  book_transactions:            Immutable stock ledger
  book_stock_snapshots:         Running totals per book (read model)
  book_reservations:            Reservation queue rows
  user_book_clubs:              Points bucket per (member, year)
  user_book_club_transactions:  Immutable points awards
  books, users, members, memberships: Catalog

UNIQUENESS (authoritative guards):
  - idx_unique_award_order_item:       (order_item_id, activity_type)
  - idx_unique_award_book_transaction: (book_transaction_id, activity_type)
  - book_reservations UNIQUE(member_id, book_id)
  - user_book_clubs UNIQUE(member_id, year)
  Violations surface as generic.ErrDuplicate.

CONCURRENCY:
  A sync.RWMutex serializes writers. WithTx holds the write lock for the
  whole SQL transaction, so check-then-append sequences run one at a time.
  The pool is limited to one connection; ":memory:" databases exist per
  connection.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so lexical order is time order.

USAGE:
  store, err := sqlite.New("./data/bookstore.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Transactor contract
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/bookstore-engine/bookclub"
	"github.com/warp/bookstore-engine/catalog"
	"github.com/warp/bookstore-engine/generic"
	"github.com/warp/bookstore-engine/ledger"
	"github.com/warp/bookstore-engine/reservation"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

var (
	_ catalog.Store      = (*Store)(nil)
	_ ledger.Repository  = (*Store)(nil)
	_ bookclub.Store     = (*Store)(nil)
	_ reservation.Store  = (*Store)(nil)
	_ generic.Transactor = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// dsn appends the connection parameters, keeping any query already present
// on a "file:" URI.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_foreign_keys=on&_journal_mode=WAL"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	defer s.rlock(ctx)()
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Catalog
	CREATE TABLE IF NOT EXISTS books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL CHECK (purpose IN ('sell', 'rent')),
		price TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL UNIQUE REFERENCES users(id),
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memberships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id INTEGER NOT NULL REFERENCES members(id),
		starts_at TEXT NOT NULL,
		ends_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_member
		ON memberships(member_id, starts_at, ends_at);

	-- Stock ledger (append-only)
	CREATE TABLE IF NOT EXISTS book_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_type TEXT NOT NULL CHECK (activity_type IN ('stock', 'sold', 'remove', 'rent', 'return')),
		book_id INTEGER NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		created_at TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		data TEXT
	);

	-- Hot path: folding one book's history
	CREATE INDEX IF NOT EXISTS idx_book_transactions_book
		ON book_transactions(book_id, created_at, id);

	CREATE TRIGGER IF NOT EXISTS trg_book_transactions_no_update
		BEFORE UPDATE ON book_transactions
		BEGIN SELECT RAISE(ABORT, 'book_transactions is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS trg_book_transactions_no_delete
		BEFORE DELETE ON book_transactions
		BEGIN SELECT RAISE(ABORT, 'book_transactions is append-only'); END;

	-- Running totals per book (read model, rebuilt from the ledger)
	CREATE TABLE IF NOT EXISTS book_stock_snapshots (
		book_id INTEGER PRIMARY KEY,
		current_quantity INTEGER NOT NULL,
		physical_stock INTEGER NOT NULL,
		currently_rented INTEGER NOT NULL,
		last_transaction_id INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Reservation queue
	CREATE TABLE IF NOT EXISTS book_reservations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id INTEGER NOT NULL,
		book_id INTEGER NOT NULL,
		reserved_at TEXT NOT NULL,
		UNIQUE(member_id, book_id)
	);

	CREATE INDEX IF NOT EXISTS idx_book_reservations_queue
		ON book_reservations(book_id, reserved_at, id);

	-- Book club
	CREATE TABLE IF NOT EXISTS user_book_clubs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		UNIQUE(member_id, year)
	);

	CREATE TABLE IF NOT EXISTS user_book_club_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_type TEXT NOT NULL,
		user_book_club_id INTEGER NOT NULL REFERENCES user_book_clubs(id),
		points INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		order_item_id INTEGER,
		book_transaction_id INTEGER,
		CHECK ((order_item_id IS NULL) <> (book_transaction_id IS NULL))
	);

	-- CRITICAL: at most one award per source event and activity
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_award_order_item
		ON user_book_club_transactions(order_item_id, activity_type)
		WHERE order_item_id IS NOT NULL;

	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_award_book_transaction
		ON user_book_club_transactions(book_transaction_id, activity_type)
		WHERE book_transaction_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_user_book_club_transactions_club
		ON user_book_club_transactions(user_book_club_id, created_at);

	CREATE TRIGGER IF NOT EXISTS trg_points_no_update
		BEFORE UPDATE ON user_book_club_transactions
		BEGIN SELECT RAISE(ABORT, 'user_book_club_transactions is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS trg_points_no_delete
		BEFORE DELETE ON user_book_club_transactions
		BEGIN SELECT RAISE(ABORT, 'user_book_club_transactions is append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.Transactor interface)
// =============================================================================

type txKey struct{}

type txState struct {
	owner *Store
	tx    *sqlx.Tx
}

func (s *Store) txFrom(ctx context.Context) *sqlx.Tx {
	st, _ := ctx.Value(txKey{}).(*txState)
	if st == nil || st.owner != s {
		return nil
	}
	return st.tx
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, &txState{owner: s, tx: sqlTx})); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// reader returns the connection for ctx and takes the read lock if needed.
func (s *Store) reader(ctx context.Context) (sqlx.ExtContext, func()) {
	if tx := s.txFrom(ctx); tx != nil {
		return tx, func() {}
	}
	s.mu.RLock()
	return s.db, s.mu.RUnlock
}

// writer returns the connection for ctx and takes the write lock if needed.
func (s *Store) writer(ctx context.Context) (sqlx.ExtContext, func()) {
	if tx := s.txFrom(ctx); tx != nil {
		return tx, func() {}
	}
	s.mu.Lock()
	return s.db, s.mu.Unlock
}

func (s *Store) rlock(ctx context.Context) func() {
	_, unlock := s.reader(ctx)
	return unlock
}

// =============================================================================
// CATALOG STORE
// =============================================================================

type bookRow struct {
	ID        int64  `db:"id"`
	Title     string `db:"title"`
	Author    string `db:"author"`
	Purpose   string `db:"purpose"`
	Price     string `db:"price"`
	CreatedAt string `db:"created_at"`
}

func (r bookRow) toBook() catalog.Book {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		price = decimal.Zero
	}
	return catalog.Book{
		ID:        r.ID,
		Title:     r.Title,
		Author:    r.Author,
		Purpose:   catalog.Purpose(r.Purpose),
		Price:     price,
		CreatedAt: parseTime(r.CreatedAt),
	}
}

func (s *Store) CreateBook(ctx context.Context, b catalog.Book) (catalog.Book, error) {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx,
		`INSERT INTO books (title, author, purpose, price, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.Title, b.Author, string(b.Purpose), b.Price.String(), formatTime(b.CreatedAt),
	)
	if err != nil {
		return catalog.Book{}, fmt.Errorf("failed to create book: %w", err)
	}
	b.ID, err = res.LastInsertId()
	return b, err
}

func (s *Store) GetBook(ctx context.Context, id int64) (*catalog.Book, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var row bookRow
	err := sqlx.GetContext(ctx, db, &row,
		`SELECT id, title, author, purpose, price, created_at FROM books WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundOr(err, "failed to get book")
	}
	b := row.toBook()
	return &b, nil
}

func (s *Store) ListBooks(ctx context.Context) ([]catalog.Book, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var rows []bookRow
	if err := sqlx.SelectContext(ctx, db, &rows,
		`SELECT id, title, author, purpose, price, created_at FROM books ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	books := make([]catalog.Book, len(rows))
	for i, r := range rows {
		books[i] = r.toBook()
	}
	return books, nil
}

type userRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	Email     string `db:"email"`
	Role      string `db:"role"`
	CreatedAt string `db:"created_at"`
}

func (s *Store) CreateUser(ctx context.Context, u catalog.User) (catalog.User, error) {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx,
		`INSERT INTO users (name, email, role, created_at) VALUES (?, ?, ?, ?)`,
		u.Name, u.Email, string(u.Role), formatTime(u.CreatedAt),
	)
	if err != nil {
		return catalog.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id int64) (*catalog.User, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var row userRow
	err := sqlx.GetContext(ctx, db, &row,
		`SELECT id, name, email, role, created_at FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundOr(err, "failed to get user")
	}
	return &catalog.User{
		ID:        row.ID,
		Name:      row.Name,
		Email:     row.Email,
		Role:      catalog.Role(row.Role),
		CreatedAt: parseTime(row.CreatedAt),
	}, nil
}

func (s *Store) UserExists(ctx context.Context, userID int64) (bool, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var count int
	err := sqlx.GetContext(ctx, db, &count, `SELECT COUNT(*) FROM users WHERE id = ?`, userID)
	return count > 0, err
}

type memberRow struct {
	ID        int64  `db:"id"`
	UserID    int64  `db:"user_id"`
	Name      string `db:"name"`
	CreatedAt string `db:"created_at"`
}

func (r memberRow) toMember() *catalog.Member {
	return &catalog.Member{ID: r.ID, UserID: r.UserID, Name: r.Name, CreatedAt: parseTime(r.CreatedAt)}
}

func (s *Store) CreateMember(ctx context.Context, m catalog.Member) (catalog.Member, error) {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx,
		`INSERT INTO members (user_id, name, created_at) VALUES (?, ?, ?)`,
		m.UserID, m.Name, formatTime(m.CreatedAt),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err):
			return catalog.Member{}, generic.ErrDuplicate
		case isForeignKeyError(err):
			return catalog.Member{}, generic.ErrActorNotFound
		}
		return catalog.Member{}, fmt.Errorf("failed to create member: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

func (s *Store) GetMember(ctx context.Context, id int64) (*catalog.Member, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var row memberRow
	err := sqlx.GetContext(ctx, db, &row,
		`SELECT id, user_id, name, created_at FROM members WHERE id = ?`, id)
	if err != nil {
		return nil, notFoundOr(err, "failed to get member")
	}
	return row.toMember(), nil
}

func (s *Store) MemberByUserID(ctx context.Context, userID int64) (*catalog.Member, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var row memberRow
	err := sqlx.GetContext(ctx, db, &row,
		`SELECT id, user_id, name, created_at FROM members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, notFoundOr(err, "failed to get member by user")
	}
	return row.toMember(), nil
}

func (s *Store) CreateMembership(ctx context.Context, m catalog.Membership) (catalog.Membership, error) {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx,
		`INSERT INTO memberships (member_id, starts_at, ends_at) VALUES (?, ?, ?)`,
		m.MemberID, formatTime(m.StartsAt), formatTime(m.EndsAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return catalog.Membership{}, generic.ErrNotFound
		}
		return catalog.Membership{}, fmt.Errorf("failed to create membership: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return m, err
}

func (s *Store) HasActiveMembership(ctx context.Context, memberID int64, at time.Time) (bool, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var count int
	ts := formatTime(at)
	err := sqlx.GetContext(ctx, db, &count,
		`SELECT COUNT(*) FROM memberships WHERE member_id = ? AND starts_at <= ? AND ends_at > ?`,
		memberID, ts, ts)
	return count > 0, err
}

// =============================================================================
// LEDGER STORE (ledger.Repository interface)
// =============================================================================

type bookTxRow struct {
	ID        int64          `db:"id"`
	Activity  string         `db:"activity_type"`
	BookID    int64          `db:"book_id"`
	Quantity  int            `db:"quantity"`
	CreatedAt string         `db:"created_at"`
	UserID    int64          `db:"user_id"`
	Data      sql.NullString `db:"data"`
}

// AppendBookTransaction adds a row to the ledger. Append-only.
func (s *Store) AppendBookTransaction(ctx context.Context, tx ledger.BookTransaction) (ledger.BookTransaction, error) {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx, `
		INSERT INTO book_transactions (activity_type, book_id, quantity, created_at, user_id, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(tx.Activity), tx.BookID, tx.Quantity, formatTime(tx.CreatedAt), tx.UserID, nullString(tx.Data),
	)
	if err != nil {
		return ledger.BookTransaction{}, fmt.Errorf("failed to append book transaction: %w", err)
	}
	tx.ID, err = res.LastInsertId()
	return tx, err
}

func (s *Store) BookTransactions(ctx context.Context, bookID int64) ([]ledger.BookTransaction, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var rows []bookTxRow
	err := sqlx.SelectContext(ctx, db, &rows, `
		SELECT id, activity_type, book_id, quantity, created_at, user_id, data
		FROM book_transactions
		WHERE book_id = ?
		ORDER BY created_at ASC, id ASC`, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query book transactions: %w", err)
	}

	txs := make([]ledger.BookTransaction, len(rows))
	for i, r := range rows {
		txs[i] = ledger.BookTransaction{
			ID:        r.ID,
			Activity:  ledger.ActivityType(r.Activity),
			BookID:    r.BookID,
			Quantity:  r.Quantity,
			CreatedAt: parseTime(r.CreatedAt),
			UserID:    r.UserID,
			Data:      r.Data.String,
		}
	}
	return txs, nil
}

type snapshotRow struct {
	BookID            int64  `db:"book_id"`
	CurrentQuantity   int    `db:"current_quantity"`
	PhysicalStock     int    `db:"physical_stock"`
	CurrentlyRented   int    `db:"currently_rented"`
	LastTransactionID int64  `db:"last_transaction_id"`
	UpdatedAt         string `db:"updated_at"`
}

func (r snapshotRow) toSnapshot() ledger.Snapshot {
	return ledger.Snapshot{
		BookID:            r.BookID,
		CurrentQuantity:   r.CurrentQuantity,
		PhysicalStock:     r.PhysicalStock,
		CurrentlyRented:   r.CurrentlyRented,
		LastTransactionID: r.LastTransactionID,
		UpdatedAt:         parseTime(r.UpdatedAt),
	}
}

func (s *Store) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	db, unlock := s.writer(ctx)
	defer unlock()

	_, err := db.ExecContext(ctx, `
		INSERT INTO book_stock_snapshots
		(book_id, current_quantity, physical_stock, currently_rented, last_transaction_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET
			current_quantity = excluded.current_quantity,
			physical_stock = excluded.physical_stock,
			currently_rented = excluded.currently_rented,
			last_transaction_id = excluded.last_transaction_id,
			updated_at = excluded.updated_at`,
		snap.BookID, snap.CurrentQuantity, snap.PhysicalStock, snap.CurrentlyRented,
		snap.LastTransactionID, formatTime(snap.UpdatedAt),
	)
	return err
}

func (s *Store) Snapshot(ctx context.Context, bookID int64) (*ledger.Snapshot, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var row snapshotRow
	err := sqlx.GetContext(ctx, db, &row, `
		SELECT book_id, current_quantity, physical_stock, currently_rented, last_transaction_id, updated_at
		FROM book_stock_snapshots WHERE book_id = ?`, bookID)
	if err != nil {
		return nil, notFoundOr(err, "failed to get snapshot")
	}
	snap := row.toSnapshot()
	return &snap, nil
}

func (s *Store) Snapshots(ctx context.Context) ([]ledger.Snapshot, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var rows []snapshotRow
	err := sqlx.SelectContext(ctx, db, &rows, `
		SELECT book_id, current_quantity, physical_stock, currently_rented, last_transaction_id, updated_at
		FROM book_stock_snapshots ORDER BY book_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	snaps := make([]ledger.Snapshot, len(rows))
	for i, r := range rows {
		snaps[i] = r.toSnapshot()
	}
	return snaps, nil
}

func (s *Store) LedgerBookIDs(ctx context.Context) ([]int64, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	ids := []int64{}
	err := sqlx.SelectContext(ctx, db, &ids,
		`SELECT DISTINCT book_id FROM book_transactions ORDER BY book_id`)
	return ids, err
}

// =============================================================================
// BOOK CLUB STORE (bookclub.Store interface)
// =============================================================================

type clubRow struct {
	ID       int64 `db:"id"`
	MemberID int64 `db:"member_id"`
	Year     int   `db:"year"`
}

func (s *Store) UserBookClub(ctx context.Context, memberID int64, year int) (*bookclub.UserBookClub, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var row clubRow
	err := sqlx.GetContext(ctx, db, &row,
		`SELECT id, member_id, year FROM user_book_clubs WHERE member_id = ? AND year = ?`, memberID, year)
	if err != nil {
		return nil, notFoundOr(err, "failed to get user book club")
	}
	return &bookclub.UserBookClub{ID: row.ID, MemberID: row.MemberID, Year: row.Year}, nil
}

func (s *Store) CreateUserBookClub(ctx context.Context, c bookclub.UserBookClub) (bookclub.UserBookClub, error) {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx,
		`INSERT INTO user_book_clubs (member_id, year) VALUES (?, ?)`, c.MemberID, c.Year)
	if err != nil {
		if isUniqueConstraintError(err) {
			return bookclub.UserBookClub{}, generic.ErrDuplicate
		}
		return bookclub.UserBookClub{}, fmt.Errorf("failed to create user book club: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

func (s *Store) UserBookClubs(ctx context.Context, memberID int64) ([]bookclub.UserBookClub, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var rows []clubRow
	err := sqlx.SelectContext(ctx, db, &rows,
		`SELECT id, member_id, year FROM user_book_clubs WHERE member_id = ? ORDER BY year DESC`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user book clubs: %w", err)
	}
	clubs := make([]bookclub.UserBookClub, len(rows))
	for i, r := range rows {
		clubs[i] = bookclub.UserBookClub{ID: r.ID, MemberID: r.MemberID, Year: r.Year}
	}
	return clubs, nil
}

type pointsRow struct {
	ID                int64         `db:"id"`
	Activity          string        `db:"activity_type"`
	UserBookClubID    int64         `db:"user_book_club_id"`
	Points            int           `db:"points"`
	CreatedAt         string        `db:"created_at"`
	OrderItemID       sql.NullInt64 `db:"order_item_id"`
	BookTransactionID sql.NullInt64 `db:"book_transaction_id"`
}

func (r pointsRow) toTransaction() bookclub.PointsTransaction {
	tx := bookclub.PointsTransaction{
		ID:             r.ID,
		Activity:       bookclub.ActivityType(r.Activity),
		UserBookClubID: r.UserBookClubID,
		Points:         r.Points,
		CreatedAt:      parseTime(r.CreatedAt),
	}
	if r.OrderItemID.Valid {
		id := r.OrderItemID.Int64
		tx.OrderItemID = &id
	}
	if r.BookTransactionID.Valid {
		id := r.BookTransactionID.Int64
		tx.BookTransactionID = &id
	}
	return tx
}

const pointsColumns = `id, activity_type, user_book_club_id, points, created_at, order_item_id, book_transaction_id`

var sourceColumns = map[bookclub.SourceKind]string{
	bookclub.SourceOrderItem:       "order_item_id",
	bookclub.SourceBookTransaction: "book_transaction_id",
}

func (s *Store) FindAward(ctx context.Context, src bookclub.Source, activity bookclub.ActivityType) (*bookclub.PointsTransaction, error) {
	column, ok := sourceColumns[src.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown award source %q", src.Kind)
	}

	db, unlock := s.reader(ctx)
	defer unlock()

	var row pointsRow
	err := sqlx.GetContext(ctx, db, &row,
		`SELECT `+pointsColumns+` FROM user_book_club_transactions WHERE `+column+` = ? AND activity_type = ?`,
		src.ID, string(activity))
	if err != nil {
		return nil, notFoundOr(err, "failed to find award")
	}
	tx := row.toTransaction()
	return &tx, nil
}

// AppendPoints adds an award. Append-only.
func (s *Store) AppendPoints(ctx context.Context, tx bookclub.PointsTransaction) (bookclub.PointsTransaction, error) {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx, `
		INSERT INTO user_book_club_transactions
		(activity_type, user_book_club_id, points, created_at, order_item_id, book_transaction_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(tx.Activity), tx.UserBookClubID, tx.Points, formatTime(tx.CreatedAt),
		nullInt64(tx.OrderItemID), nullInt64(tx.BookTransactionID),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return bookclub.PointsTransaction{}, generic.ErrDuplicate
		}
		return bookclub.PointsTransaction{}, fmt.Errorf("failed to append points: %w", err)
	}
	tx.ID, err = res.LastInsertId()
	return tx, err
}

func (s *Store) PointsTransactions(ctx context.Context, userBookClubID int64) ([]bookclub.PointsTransaction, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var rows []pointsRow
	err := sqlx.SelectContext(ctx, db, &rows,
		`SELECT `+pointsColumns+` FROM user_book_club_transactions
		 WHERE user_book_club_id = ?
		 ORDER BY created_at DESC, id DESC`, userBookClubID)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	txs := make([]bookclub.PointsTransaction, len(rows))
	for i, r := range rows {
		txs[i] = r.toTransaction()
	}
	return txs, nil
}

func (s *Store) Leaderboard(ctx context.Context, year int, limit int) ([]bookclub.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	db, unlock := s.reader(ctx)
	defer unlock()

	var rows []struct {
		MemberID int64 `db:"member_id"`
		Points   int   `db:"points"`
	}
	err := sqlx.SelectContext(ctx, db, &rows, `
		SELECT c.member_id AS member_id, SUM(t.points) AS points
		FROM user_book_club_transactions t
		JOIN user_book_clubs c ON c.id = t.user_book_club_id
		WHERE c.year = ?
		GROUP BY c.member_id
		ORDER BY points DESC, c.member_id ASC
		LIMIT ?`, year, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}

	entries := make([]bookclub.LeaderboardEntry, len(rows))
	for i, r := range rows {
		entries[i] = bookclub.LeaderboardEntry{Rank: i + 1, MemberID: r.MemberID, Points: r.Points}
	}
	return entries, nil
}

// =============================================================================
// RESERVATION STORE (reservation.Store interface)
// =============================================================================

type reservationRow struct {
	ID         int64  `db:"id"`
	MemberID   int64  `db:"member_id"`
	BookID     int64  `db:"book_id"`
	ReservedAt string `db:"reserved_at"`
}

func (r reservationRow) toReservation() reservation.Reservation {
	return reservation.Reservation{
		ID:         r.ID,
		MemberID:   r.MemberID,
		BookID:     r.BookID,
		ReservedAt: parseTime(r.ReservedAt),
	}
}

func (s *Store) CreateReservation(ctx context.Context, r reservation.Reservation) (reservation.Reservation, error) {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx,
		`INSERT INTO book_reservations (member_id, book_id, reserved_at) VALUES (?, ?, ?)`,
		r.MemberID, r.BookID, formatTime(r.ReservedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return reservation.Reservation{}, generic.ErrDuplicate
		}
		return reservation.Reservation{}, fmt.Errorf("failed to create reservation: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

func (s *Store) GetReservation(ctx context.Context, id int64) (*reservation.Reservation, error) {
	return s.getReservation(ctx,
		`SELECT id, member_id, book_id, reserved_at FROM book_reservations WHERE id = ?`, id)
}

func (s *Store) FindReservation(ctx context.Context, memberID, bookID int64) (*reservation.Reservation, error) {
	return s.getReservation(ctx,
		`SELECT id, member_id, book_id, reserved_at FROM book_reservations WHERE member_id = ? AND book_id = ?`,
		memberID, bookID)
}

func (s *Store) getReservation(ctx context.Context, query string, args ...any) (*reservation.Reservation, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var row reservationRow
	if err := sqlx.GetContext(ctx, db, &row, query, args...); err != nil {
		return nil, notFoundOr(err, "failed to get reservation")
	}
	r := row.toReservation()
	return &r, nil
}

func (s *Store) DeleteReservation(ctx context.Context, id int64) error {
	db, unlock := s.writer(ctx)
	defer unlock()

	res, err := db.ExecContext(ctx, `DELETE FROM book_reservations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return generic.ErrNotFound
	}
	return nil
}

func (s *Store) ReservationsForBook(ctx context.Context, bookID int64) ([]reservation.Reservation, error) {
	return s.queryReservations(ctx, `
		SELECT id, member_id, book_id, reserved_at FROM book_reservations
		WHERE book_id = ? ORDER BY reserved_at ASC, id ASC`, bookID)
}

func (s *Store) ReservationsForMember(ctx context.Context, memberID int64) ([]reservation.Reservation, error) {
	return s.queryReservations(ctx, `
		SELECT id, member_id, book_id, reserved_at FROM book_reservations
		WHERE member_id = ? ORDER BY reserved_at ASC, id ASC`, memberID)
}

func (s *Store) queryReservations(ctx context.Context, query string, args ...any) ([]reservation.Reservation, error) {
	db, unlock := s.reader(ctx)
	defer unlock()

	var rows []reservationRow
	if err := sqlx.SelectContext(ctx, db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	rs := make([]reservation.Reservation, len(rows))
	for i, r := range rows {
		rs[i] = r.toReservation()
	}
	return rs, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func notFoundOr(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return generic.ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
