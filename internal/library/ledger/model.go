package ledger

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusBorrowed        Status = "borrowed"
	StatusPendingApproval Status = "pending_approval"
	StatusReturned        Status = "returned"

	// StatusOverdue is only ever derived by EffectiveStatus.
	StatusOverdue Status = "overdue"
)

// Open reports whether the loan still holds a copy of the book.
func (s Status) Open() bool { return s == StatusBorrowed || s == StatusPendingApproval }

// Loan は貸出台帳の1行。削除はしない（監査用）
type Loan struct {
	ID         string          `db:"loan_id"`
	Seq        int64           `db:"loan_seq"`
	BookID     int64           `db:"book_id"`
	BorrowerID string          `db:"borrower_id"`
	IssuedAt   time.Time       `db:"issued_at"`
	DueAt      time.Time       `db:"due_at"`
	ReturnedAt *time.Time      `db:"returned_at"`
	ApprovedAt *time.Time      `db:"approved_at"`
	ApprovedBy *string         `db:"approved_by"`
	Fine       decimal.Decimal `db:"fine_amount"`
	Status     Status          `db:"status"`
}

// EffectiveStatus labels a borrowed loan past its due time as overdue.
func (l Loan) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusBorrowed && now.After(l.DueAt) {
		return StatusOverdue
	}
	return l.Status
}

// Store is the raw persistence for loans.
type Store interface {
	// Insert assigns l.Seq.
	Insert(ctx context.Context, l *Loan) error
	Get(ctx context.Context, id string) (Loan, error)
	Put(ctx context.Context, l Loan) error
	// Open returns the open loan of borrower for book, or CodeNotFound.
	Open(ctx context.Context, bookID int64, borrowerID string) (Loan, error)
	// Scan yields loans of borrowerID ("" for everyone) newest issue first, ties by Seq descending.
	Scan(ctx context.Context, borrowerID string) iter.Seq2[Loan, error]
}
