package lending

import (
	"context"

	"go.uber.org/zap"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/reservations"
	"circulation-backend/internal/library/storage"
)

// BookState is what a borrower sees next to a book.
type BookState string

const (
	StateAvailable       BookState = "available"
	StateAllReserved     BookState = "all_reserved" // copies on the shelf, all held for the queue
	StateUnavailable     BookState = "unavailable"
	StateBorrowed        BookState = "borrowed"
	StateOverdue         BookState = "overdue"
	StatePendingApproval BookState = "pending_approval"
	StateReserved        BookState = "reserved"
)

type BookStatus struct {
	BookID int64
	State  BookState
}

// TransactionView is a loan with the fields a listing needs.
type TransactionView struct {
	Loan      ledger.Loan
	BookTitle string
	// Status has overdue applied.
	Status ledger.Status
}

type ReservationView struct {
	Reservation     reservations.Reservation
	BookTitle       string
	Position        int // zero-based, -1 unless waiting
	AvailableCopies int
}

// StatusFor reports, per live book, where the borrower stands. It is an
// auxiliary read: failures are logged and yield an empty result.
func (e *Engine) StatusFor(ctx context.Context, s Session) []BookStatus {
	out, err := e.statusFor(ctx, s)
	if err != nil {
		e.log.Warn("status lookup degraded to empty", zap.String("borrower_id", s.UserID), zap.Error(err))
		return []BookStatus{}
	}
	return out
}

func (e *Engine) statusFor(ctx context.Context, s Session) ([]BookStatus, error) {
	now := e.clock.Now()
	var out []BookStatus
	err := e.backend.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		u := e.bind(tx)
		books, err := u.books.List(ctx)
		if err != nil {
			return err
		}
		open := map[int64]ledger.Status{}
		for loan, err := range u.loans.ListFor(ctx, s.UserID) {
			if err != nil {
				return err
			}
			if loan.Status.Open() {
				open[loan.BookID] = loan.EffectiveStatus(now)
			}
		}

		out = make([]BookStatus, 0, len(books))
		for _, b := range books {
			waiting, err := u.queue.Waiting(ctx, b.ID)
			if err != nil {
				return err
			}
			out = append(out, BookStatus{BookID: b.ID, State: stateOf(b, open[b.ID], waiting, s.UserID)})
		}
		return nil
	})
	return out, err
}

func stateOf(b catalog.Book, loan ledger.Status, waiting []reservations.Reservation, borrowerID string) BookState {
	switch loan {
	case ledger.StatusBorrowed:
		return StateBorrowed
	case ledger.StatusOverdue:
		return StateOverdue
	case ledger.StatusPendingApproval:
		return StatePendingApproval
	}
	pos := position(waiting, borrowerID)
	switch {
	case pos >= 0 && mayBorrow(b.AvailableCopies, len(waiting), pos):
		return StateAvailable
	case pos >= 0:
		return StateReserved
	case mayBorrow(b.AvailableCopies, len(waiting), -1):
		return StateAvailable
	case b.AvailableCopies > 0:
		return StateAllReserved
	default:
		return StateUnavailable
	}
}

// Transactions lists loans newest first: everyone's for admins, the caller's
// own otherwise.
func (e *Engine) Transactions(ctx context.Context, s Session) ([]TransactionView, error) {
	now := e.clock.Now()
	scope := s.UserID
	if s.IsAdmin() {
		scope = ""
	}
	var out []TransactionView
	err := e.backend.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		titles := titleCache{store: tx.Books}
		for loan, err := range e.bind(tx).loans.ListFor(ctx, scope) {
			if err != nil {
				return err
			}
			title, err := titles.get(ctx, loan.BookID)
			if err != nil {
				return err
			}
			out = append(out, TransactionView{Loan: loan, BookTitle: title, Status: loan.EffectiveStatus(now)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reservations lists reservations in queue order with the caller's
// current position and the copies on the shelf.
func (e *Engine) Reservations(ctx context.Context, s Session) ([]ReservationView, error) {
	scope := s.UserID
	if s.IsAdmin() {
		scope = ""
	}
	var out []ReservationView
	err := e.backend.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		u := e.bind(tx)
		queues := map[int64][]reservations.Reservation{}
		for r, err := range u.queue.ListFor(ctx, scope) {
			if err != nil {
				return err
			}
			b, err := tx.Books.Get(ctx, r.BookID)
			if err != nil {
				return err
			}
			v := ReservationView{Reservation: r, BookTitle: b.Title, Position: -1, AvailableCopies: b.AvailableCopies}
			if r.Status == reservations.StatusWaiting {
				waiting, ok := queues[r.BookID]
				if !ok {
					if waiting, err = u.queue.Waiting(ctx, r.BookID); err != nil {
						return err
					}
					queues[r.BookID] = waiting
				}
				v.Position = position(waiting, r.BorrowerID)
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DescribeLoan adds the title and effective status to a loan an operation
// just returned. A failed lookup only costs the title.
func (e *Engine) DescribeLoan(ctx context.Context, loan ledger.Loan) TransactionView {
	v := TransactionView{Loan: loan, Status: loan.EffectiveStatus(e.clock.Now())}
	err := e.backend.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.Books.Get(ctx, loan.BookID)
		v.BookTitle = b.Title
		return err
	})
	if err != nil {
		e.log.Warn("loan title lookup failed", zap.String("transaction_id", loan.ID), zap.Error(err))
	}
	return v
}

// DescribeReservation adds the title, the copies on the shelf and, while
// waiting, the queue position to a reservation an operation just returned.
func (e *Engine) DescribeReservation(ctx context.Context, r reservations.Reservation) ReservationView {
	v := ReservationView{Reservation: r, Position: -1}
	err := e.backend.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.Books.Get(ctx, r.BookID)
		if err != nil {
			return err
		}
		v.BookTitle, v.AvailableCopies = b.Title, b.AvailableCopies
		if r.Status != reservations.StatusWaiting {
			return nil
		}
		waiting, err := e.bind(tx).queue.Waiting(ctx, r.BookID)
		if err != nil {
			return err
		}
		v.Position = position(waiting, r.BorrowerID)
		return nil
	})
	if err != nil {
		e.log.Warn("reservation lookup failed", zap.String("reservation_id", r.ID), zap.Error(err))
	}
	return v
}

// titleCache reads through tombstones so old loans keep their titles.
type titleCache struct {
	store catalog.Store
	seen  map[int64]string
}

func (c *titleCache) get(ctx context.Context, id int64) (string, error) {
	if t, ok := c.seen[id]; ok {
		return t, nil
	}
	b, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if c.seen == nil {
		c.seen = map[int64]string{}
	}
	c.seen[id] = b.Title
	return b.Title, nil
}
