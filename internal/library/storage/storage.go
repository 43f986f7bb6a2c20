// Package storage defines the unit of work the lending engine runs its
// operations in. A backend decides how a per-book critical section is
// realised (a semaphore in memory, a locked row in MySQL); the engine only
// relies on the guarantees documented on Backend.
package storage

import (
	"context"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/reservations"
)

// Tx exposes the three stores scoped to one unit of work.
type Tx struct {
	Books        catalog.Store
	Loans        ledger.Store
	Reservations reservations.Store
}

// TxFunc is the body of a unit of work. Returning an error discards every write.
type TxFunc func(ctx context.Context, tx Tx) error

type Backend interface {
	// Update runs fn while holding the critical section of bookID. Writes are
	// committed together only if fn returns nil and ctx is still live; writes
	// that touch another book fail. Unknown books fail with CodeNotFound.
	Update(ctx context.Context, bookID int64, fn TxFunc) error
	// Insert runs fn with the right to add new books.
	Insert(ctx context.Context, fn TxFunc) error
	// View runs fn over a read-only view in which each book's state is never
	// observed half-updated, and every read of one book sees the same commit.
	View(ctx context.Context, fn TxFunc) error
	// LoanBook and ReservationBook resolve which book's critical section owns a record.
	LoanBook(ctx context.Context, loanID string) (int64, error)
	ReservationBook(ctx context.Context, reservationID string) (int64, error)
	Close() error
}
