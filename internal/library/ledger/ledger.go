package ledger

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/platform/ids"
)

const RoleAdmin = "admin"

// Ledger applies the loan state machine on top of a Store:
// borrowed -> pending_approval -> returned.
type Ledger struct {
	store  Store
	policy Policy
	id     ids.IDGen
}

func New(store Store, policy Policy, id ids.IDGen) *Ledger {
	return &Ledger{store: store, policy: policy, id: id}
}

func (l *Ledger) Policy() Policy { return l.policy }

func (l *Ledger) AppendLoan(ctx context.Context, bookID int64, borrowerID string, issued time.Time) (Loan, error) {
	if borrowerID == "" {
		return Loan{}, errs.ErrInvalid("borrower_id is required")
	}
	loan := Loan{
		ID:         l.id.NewULID(issued),
		BookID:     bookID,
		BorrowerID: borrowerID,
		IssuedAt:   issued,
		DueAt:      l.policy.DueAt(issued),
		Fine:       decimal.Zero,
		Status:     StatusBorrowed,
	}
	if err := l.store.Insert(ctx, &loan); err != nil {
		return Loan{}, err
	}
	return loan, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (Loan, error) {
	return l.store.Get(ctx, id)
}

// OpenLoan reports the borrower's open loan for the book, if any.
func (l *Ledger) OpenLoan(ctx context.Context, bookID int64, borrowerID string) (Loan, bool, error) {
	loan, err := l.store.Open(ctx, bookID, borrowerID)
	if errs.Is(err, errs.CodeNotFound) {
		return Loan{}, false, nil
	}
	if err != nil {
		return Loan{}, false, err
	}
	return loan, true, nil
}

// MarkReturned records the hand-back. The fine stays zero until approval.
func (l *Ledger) MarkReturned(ctx context.Context, id string, returned time.Time) (Loan, error) {
	loan, err := l.store.Get(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	switch loan.Status {
	case StatusBorrowed:
	case StatusPendingApproval, StatusReturned:
		return Loan{}, errs.New(errs.CodeAlreadyReturned, "transaction %s is already returned", id)
	default:
		return Loan{}, errs.New(errs.CodeInvalidState, "transaction %s has status %s", id, loan.Status)
	}
	loan.ReturnedAt = &returned
	loan.Status = StatusPendingApproval
	loan.Fine = decimal.Zero
	if err := l.store.Put(ctx, loan); err != nil {
		return Loan{}, err
	}
	return loan, nil
}

// ApproveReturn finalises a pending return and fixes its fine.
func (l *Ledger) ApproveReturn(ctx context.Context, id, approverID, approverRole string, at time.Time) (Loan, error) {
	if approverRole != RoleAdmin {
		return Loan{}, errs.ErrForbidden("only admins can approve returns")
	}
	loan, err := l.store.Get(ctx, id)
	if err != nil {
		return Loan{}, err
	}
	if loan.Status != StatusPendingApproval || loan.ReturnedAt == nil {
		return Loan{}, errs.New(errs.CodeInvalidState,
			"transaction %s is %s, expected %s", id, loan.Status, StatusPendingApproval)
	}
	loan.Fine = l.policy.Fine(loan.DueAt, *loan.ReturnedAt)
	loan.Status = StatusReturned
	loan.ApprovedAt = &at
	loan.ApprovedBy = &approverID
	if err := l.store.Put(ctx, loan); err != nil {
		return Loan{}, err
	}
	return loan, nil
}

// ListFor yields loans of borrowerID ("" for all) newest first. Each range
// over the result reads the store again.
func (l *Ledger) ListFor(ctx context.Context, borrowerID string) iter.Seq2[Loan, error] {
	return l.store.Scan(ctx, borrowerID)
}
