// Package lending is the circulation state machine. Every operation that
// changes a book runs inside that book's unit of work, so availability, the
// ledger and the reservation queue move together or not at all.
package lending

import (
	"context"
	"time"

	"go.uber.org/zap"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/reservations"
	"circulation-backend/internal/library/storage"
	"circulation-backend/internal/platform/ids"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

const (
	RoleStudent = "student"
	RoleAdmin   = ledger.RoleAdmin
)

// Session is the caller identity supplied by the HTTP boundary.
type Session struct {
	UserID string
	Role   string
}

func (s Session) IsAdmin() bool { return s.Role == RoleAdmin }

func (s Session) validate() error {
	if s.UserID == "" {
		return errs.ErrInvalid("borrower_id is required")
	}
	return nil
}

// ===== Engine本体 =====

type Engine struct {
	backend storage.Backend
	policy  ledger.Policy
	clock   Clock
	id      ids.IDGen
	log     *zap.Logger
}

type Option func(*Engine)

func WithClock(c Clock) Option          { return func(e *Engine) { e.clock = c } }
func WithIDGen(g ids.IDGen) Option      { return func(e *Engine) { e.id = g } }
func WithLogger(l *zap.Logger) Option   { return func(e *Engine) { e.log = l } }
func WithPolicy(p ledger.Policy) Option { return func(e *Engine) { e.policy = p } }

func New(backend storage.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		policy:  ledger.DefaultPolicy(),
		clock:   realClock{},
		id:      ids.NewULIDGen(),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Policy() ledger.Policy { return e.policy }

// components bound to one unit of work
type units struct {
	books *catalog.Catalog
	loans *ledger.Ledger
	queue *reservations.Queue
}

func (e *Engine) bind(tx storage.Tx) units {
	return units{
		books: catalog.New(tx.Books),
		loans: ledger.New(tx.Loans, e.policy, e.id),
		queue: reservations.New(tx.Reservations, e.id),
	}
}

// mayBorrow applies the queue priority rule: as many copies as there are
// waiting reservations are held for the queue, in queue order. pos is the
// borrower's zero-based queue position, -1 when not queued.
func mayBorrow(available, queued, pos int) bool {
	if available <= 0 {
		return false
	}
	if pos >= 0 {
		return available > pos
	}
	return available > queued
}

func position(waiting []reservations.Reservation, borrowerID string) int {
	for i, r := range waiting {
		if r.BorrowerID == borrowerID {
			return i
		}
	}
	return -1
}

// Borrow lends one copy of bookID to the session's borrower. A queued
// borrower's reservation is fulfilled by the same operation.
func (e *Engine) Borrow(ctx context.Context, s Session, bookID int64) (ledger.Loan, error) {
	if err := s.validate(); err != nil {
		return ledger.Loan{}, err
	}
	now := e.clock.Now()
	var loan ledger.Loan
	err := e.backend.Update(ctx, bookID, func(ctx context.Context, tx storage.Tx) error {
		u := e.bind(tx)
		book, err := u.books.Get(ctx, bookID)
		if err != nil {
			return err
		}
		if _, holding, err := u.loans.OpenLoan(ctx, bookID, s.UserID); err != nil {
			return err
		} else if holding {
			return errs.New(errs.CodeAlreadyHolding, "%s already holds book %d", s.UserID, bookID)
		}
		waiting, err := u.queue.Waiting(ctx, bookID)
		if err != nil {
			return err
		}
		pos := position(waiting, s.UserID)
		if !mayBorrow(book.AvailableCopies, len(waiting), pos) {
			if book.AvailableCopies > 0 {
				return errs.New(errs.CodeNoCopiesAvailable,
					"the available copies of book %d are held for earlier reservations", bookID)
			}
			return errs.New(errs.CodeNoCopiesAvailable, "no copies of book %d are available", bookID)
		}

		if _, err := u.books.AdjustAvailability(ctx, bookID, -1, now); err != nil {
			return err
		}
		if loan, err = u.loans.AppendLoan(ctx, bookID, s.UserID, now); err != nil {
			return err
		}
		switch {
		case pos == 0:
			_, _, err = u.queue.DequeueNext(ctx, bookID, now)
		case pos > 0:
			_, err = u.queue.Fulfill(ctx, waiting[pos].ID, now)
		}
		return err
	})
	if err != nil {
		return ledger.Loan{}, err
	}
	e.log.Info("book borrowed",
		zap.Int64("book_id", bookID), zap.String("borrower_id", s.UserID), zap.String("transaction_id", loan.ID))
	return loan, nil
}

// Reserve queues the borrower for a book whose free copies are all spoken for.
func (e *Engine) Reserve(ctx context.Context, s Session, bookID int64) (reservations.Reservation, error) {
	if err := s.validate(); err != nil {
		return reservations.Reservation{}, err
	}
	now := e.clock.Now()
	var res reservations.Reservation
	err := e.backend.Update(ctx, bookID, func(ctx context.Context, tx storage.Tx) error {
		u := e.bind(tx)
		book, err := u.books.Get(ctx, bookID)
		if err != nil {
			return err
		}
		if _, holding, err := u.loans.OpenLoan(ctx, bookID, s.UserID); err != nil {
			return err
		} else if holding {
			return errs.New(errs.CodeAlreadyHolding, "%s already holds book %d", s.UserID, bookID)
		}
		waiting, err := u.queue.Waiting(ctx, bookID)
		if err != nil {
			return err
		}
		if position(waiting, s.UserID) >= 0 {
			return errs.New(errs.CodeAlreadyQueued, "already in the queue for book %d", bookID)
		}
		if book.AvailableCopies > len(waiting) {
			return errs.New(errs.CodeCopiesAvailable, "book %d has copies available, borrow it instead", bookID)
		}
		res, err = u.queue.Enqueue(ctx, bookID, s.UserID, now)
		return err
	})
	if err != nil {
		return reservations.Reservation{}, err
	}
	e.log.Info("book reserved",
		zap.Int64("book_id", bookID), zap.String("borrower_id", s.UserID), zap.String("reservation_id", res.ID))
	return res, nil
}

// Return hands a copy back. The copy stays counted as on loan until an admin
// approves the return.
func (e *Engine) Return(ctx context.Context, s Session, txnID string) (ledger.Loan, error) {
	bookID, err := e.backend.LoanBook(ctx, txnID)
	if err != nil {
		return ledger.Loan{}, err
	}
	now := e.clock.Now()
	var loan ledger.Loan
	err = e.backend.Update(ctx, bookID, func(ctx context.Context, tx storage.Tx) error {
		u := e.bind(tx)
		cur, err := u.loans.Get(ctx, txnID)
		if err != nil {
			return err
		}
		if cur.BorrowerID != s.UserID && !s.IsAdmin() {
			return errs.ErrForbidden("transaction belongs to another borrower")
		}
		loan, err = u.loans.MarkReturned(ctx, txnID, now)
		return err
	})
	if err != nil {
		return ledger.Loan{}, err
	}
	e.log.Info("return requested", zap.String("transaction_id", txnID), zap.Int64("book_id", bookID))
	return loan, nil
}

// ApproveReturn closes a pending return, fixes its fine and puts the copy
// back on the shelf. Waiting reservations are not served automatically.
func (e *Engine) ApproveReturn(ctx context.Context, s Session, txnID string) (ledger.Loan, error) {
	bookID, err := e.backend.LoanBook(ctx, txnID)
	if err != nil {
		return ledger.Loan{}, err
	}
	now := e.clock.Now()
	var loan ledger.Loan
	err = e.backend.Update(ctx, bookID, func(ctx context.Context, tx storage.Tx) error {
		u := e.bind(tx)
		loan, err = u.loans.ApproveReturn(ctx, txnID, s.UserID, s.Role, now)
		if err != nil {
			return err
		}
		_, err = u.books.AdjustAvailability(ctx, bookID, +1, now)
		return err
	})
	if err != nil {
		return ledger.Loan{}, err
	}
	e.log.Info("return approved",
		zap.String("transaction_id", txnID), zap.Int64("book_id", bookID),
		zap.String("approved_by", s.UserID), zap.Stringer("fine", loan.Fine))
	return loan, nil
}

// CancelReservation withdraws a waiting reservation.
func (e *Engine) CancelReservation(ctx context.Context, s Session, reservationID string) (reservations.Reservation, error) {
	bookID, err := e.backend.ReservationBook(ctx, reservationID)
	if err != nil {
		return reservations.Reservation{}, err
	}
	now := e.clock.Now()
	var res reservations.Reservation
	err = e.backend.Update(ctx, bookID, func(ctx context.Context, tx storage.Tx) error {
		res, err = e.bind(tx).queue.Cancel(ctx, reservationID, s.UserID, s.Role, now)
		return err
	})
	if err != nil {
		return reservations.Reservation{}, err
	}
	e.log.Info("reservation cancelled", zap.String("reservation_id", reservationID), zap.Int64("book_id", bookID))
	return res, nil
}
