package reservations

import (
	"context"
	"iter"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"

	// StatusNone is what PeekStatus reports for a borrower who is not queued.
	StatusNone Status = "none"
)

// Reservation は予約待ち行列の1エントリ
type Reservation struct {
	ID         string     `db:"reservation_id"`
	Seq        int64      `db:"reservation_seq"`
	BookID     int64      `db:"book_id"`
	BorrowerID string     `db:"borrower_id"`
	ReservedAt time.Time  `db:"reserved_at"`
	Status     Status     `db:"status"`
	ClosedAt   *time.Time `db:"closed_at"`
}

// Store is the raw persistence for reservations.
type Store interface {
	// Insert assigns r.Seq, which breaks ties between equal ReservedAt.
	Insert(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (Reservation, error)
	Put(ctx context.Context, r Reservation) error
	// Waiting returns the book's waiting reservations ordered by ReservedAt, then Seq.
	Waiting(ctx context.Context, bookID int64) ([]Reservation, error)
	// Scan yields reservations of borrowerID ("" for everyone) in queue order.
	Scan(ctx context.Context, borrowerID string) iter.Seq2[Reservation, error]
}
