/*
store.go - Transaction boundary shared by every store implementation

PURPOSE:
  Domain packages each declare the narrow Store interface they need
  (ledger.Store, bookclub.Store, reservation.Store, catalog.Directory).
  A single physical store implements all of them. When one operation must
  touch several of them atomically (a rental appends a ledger row AND awards
  loyalty points), the caller wraps the work in Transactor.WithTx.

HOW THE TRANSACTION TRAVELS:
  WithTx hands fn a derived context. Store methods called with that context
  run inside the same underlying transaction. Methods called with any other
  context run on their own. A WithTx call whose ctx already carries a
  transaction joins it instead of opening a nested one.

SERIALIZATION:
  Implementations serialize WithTx blocks against each other and against
  standalone writes. This is what makes check-then-append safe: two
  concurrent rentals cannot both read the same availability and both append.

IMPLEMENTATIONS:
  - store/sqlite: one SQL transaction + store write lock
  - store/memory: store lock + snapshot/rollback

SEE ALSO:
  - inventory/service.go: every stock mutation runs inside WithTx
*/
package generic

import "context"

// Transactor runs fn atomically. If fn returns an error, every write made
// through the derived context is rolled back.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
