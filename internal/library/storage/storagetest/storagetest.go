// Package storagetest is the behaviour every storage.Backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/reservations"
	"circulation-backend/internal/library/storage"
	"circulation-backend/internal/platform/ids"
)

// Factory returns an empty-enough backend. Tests only rely on records they create.
type Factory func(t *testing.T) storage.Backend

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func Run(t *testing.T, newBackend Factory) {
	t.Run("insert assigns ids and rejects live duplicate isbn", func(t *testing.T) { insertBooks(t, newBackend(t)) })
	t.Run("removed isbn can be reused", func(t *testing.T) { reuseISBN(t, newBackend(t)) })
	t.Run("update of unknown book", func(t *testing.T) { unknownBook(t, newBackend(t)) })
	t.Run("failed update leaves no trace", func(t *testing.T) { rollback(t, newBackend(t)) })
	t.Run("cancelled update leaves no trace", func(t *testing.T) { cancelled(t, newBackend(t)) })
	t.Run("writes are scoped", func(t *testing.T) { scoped(t, newBackend(t)) })
	t.Run("loans", func(t *testing.T) { loans(t, newBackend(t)) })
	t.Run("reservation queue order", func(t *testing.T) { queueOrder(t, newBackend(t)) })
	t.Run("concurrent updates of one book serialise", func(t *testing.T) { serialise(t, newBackend(t)) })
}

func NewISBN() string { return "isbn-" + uuid.NewString()[:23] }

func AddBook(t *testing.T, be storage.Backend, copies int) catalog.Book {
	t.Helper()
	b := catalog.Book{
		Title: "The Go Programming Language", Author: "Donovan", ISBN: NewISBN(),
		TotalCopies: copies, AvailableCopies: copies, CreatedAt: t0, UpdatedAt: t0,
	}
	err := be.Insert(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.Books.Insert(ctx, &b)
	})
	require.NoError(t, err)
	require.NotZero(t, b.ID)
	return b
}

func getBook(t *testing.T, be storage.Backend, id int64) catalog.Book {
	t.Helper()
	var b catalog.Book
	require.NoError(t, be.View(context.Background(), func(ctx context.Context, tx storage.Tx) (err error) {
		b, err = tx.Books.Get(ctx, id)
		return err
	}))
	return b
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func newLoan(bookID int64, borrower string, issued time.Time) *ledger.Loan {
	return &ledger.Loan{
		ID: newID(), BookID: bookID, BorrowerID: borrower,
		IssuedAt: issued, DueAt: issued.Add(14 * 24 * time.Hour),
		Fine: decimal.Zero, Status: ledger.StatusBorrowed,
	}
}

var idgen = ids.NewULIDGen()

func newID() string { return idgen.NewULID(t0) }

func insertBooks(t *testing.T, be storage.Backend) {
	a := AddBook(t, be, 2)
	b := AddBook(t, be, 1)
	assert.NotEqual(t, a.ID, b.ID)

	dup := catalog.Book{Title: "x", Author: "y", ISBN: a.ISBN, TotalCopies: 1, AvailableCopies: 1, CreatedAt: t0, UpdatedAt: t0}
	err := be.Insert(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.Books.Insert(ctx, &dup)
	})
	assert.True(t, errs.Is(err, errs.CodeConflict), "got %v", err)

	got := getBook(t, be, a.ID)
	assert.Equal(t, a.ISBN, got.ISBN)
	assert.Equal(t, 2, got.AvailableCopies)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func reuseISBN(t *testing.T, be storage.Backend) {
	a := AddBook(t, be, 1)
	at := t0.Add(time.Hour)
	require.NoError(t, be.Update(context.Background(), a.ID, func(ctx context.Context, tx storage.Tx) error {
		return tx.Books.Remove(ctx, a.ID, at)
	}))

	gone := getBook(t, be, a.ID)
	require.NotNil(t, gone.DeletedAt)
	assert.True(t, gone.DeletedAt.Equal(at))

	again := catalog.Book{Title: "x", Author: "y", ISBN: a.ISBN, TotalCopies: 1, AvailableCopies: 1, CreatedAt: at, UpdatedAt: at}
	require.NoError(t, be.Insert(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.Books.Insert(ctx, &again)
	}))
	assert.NotEqual(t, a.ID, again.ID)
}

func unknownBook(t *testing.T, be storage.Backend) {
	called := false
	err := be.Update(context.Background(), 1<<40, func(context.Context, storage.Tx) error {
		called = true
		return nil
	})
	assert.True(t, errs.Is(err, errs.CodeNotFound), "got %v", err)
	assert.False(t, called)

	_, err = be.LoanBook(context.Background(), "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = be.ReservationBook(context.Background(), "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func rollback(t *testing.T, be storage.Backend) {
	b := AddBook(t, be, 1)
	loan := newLoan(b.ID, uuid.NewString(), t0)
	boom := errors.New("boom")

	err := be.Update(context.Background(), b.ID, func(ctx context.Context, tx storage.Tx) error {
		cur, err := tx.Books.Get(ctx, b.ID)
		if err != nil {
			return err
		}
		cur.AvailableCopies = 0
		if err := tx.Books.Put(ctx, cur); err != nil {
			return err
		}
		if err := tx.Loans.Insert(ctx, loan); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, getBook(t, be, b.ID).AvailableCopies)
	_, err = be.LoanBook(context.Background(), loan.ID)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func cancelled(t *testing.T, be storage.Backend) {
	b := AddBook(t, be, 1)
	ctx, cancel := context.WithCancel(context.Background())

	err := be.Update(ctx, b.ID, func(ctx context.Context, tx storage.Tx) error {
		cur, err := tx.Books.Get(ctx, b.ID)
		if err != nil {
			return err
		}
		cur.AvailableCopies = 0
		if err := tx.Books.Put(ctx, cur); err != nil {
			return err
		}
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, getBook(t, be, b.ID).AvailableCopies)
}

func scoped(t *testing.T, be storage.Backend) {
	a := AddBook(t, be, 1)
	b := AddBook(t, be, 1)

	err := be.Update(context.Background(), a.ID, func(ctx context.Context, tx storage.Tx) error {
		other, err := tx.Books.Get(ctx, b.ID)
		if err != nil {
			return err
		}
		other.AvailableCopies = 0
		return tx.Books.Put(ctx, other)
	})
	assert.True(t, errs.Is(err, errs.CodeInternal), "got %v", err)

	err = be.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.Loans.Insert(ctx, newLoan(a.ID, "x", t0))
	})
	assert.True(t, errs.Is(err, errs.CodeInternal), "got %v", err)
	assert.Equal(t, 1, getBook(t, be, b.ID).AvailableCopies)
}

func loans(t *testing.T, be storage.Backend) {
	b := AddBook(t, be, 3)
	borrower := uuid.NewString()
	first := newLoan(b.ID, borrower, t0)
	tie := newLoan(b.ID, borrower, t0)
	later := newLoan(b.ID, borrower, t0.Add(time.Hour))

	require.NoError(t, be.Update(context.Background(), b.ID, func(ctx context.Context, tx storage.Tx) error {
		for _, l := range []*ledger.Loan{first, tie, later} {
			if err := tx.Loans.Insert(ctx, l); err != nil {
				return err
			}
		}
		return nil
	}))
	assert.Greater(t, tie.Seq, first.Seq)

	owner, err := be.LoanBook(context.Background(), later.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, owner)

	var seen []ledger.Loan
	require.NoError(t, be.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		seen = collect(t, tx.Loans.Scan(ctx, borrower))
		return nil
	}))
	require.Len(t, seen, 3)
	assert.Equal(t, []string{later.ID, tie.ID, first.ID}, []string{seen[0].ID, seen[1].ID, seen[2].ID})

	returnedAt := t0.Add(2 * time.Hour)
	require.NoError(t, be.Update(context.Background(), b.ID, func(ctx context.Context, tx storage.Tx) error {
		l, err := tx.Loans.Get(ctx, first.ID)
		if err != nil {
			return err
		}
		l.Status = ledger.StatusReturned
		l.ReturnedAt = &returnedAt
		l.Fine = decimal.RequireFromString("1.50")
		return tx.Loans.Put(ctx, l)
	}))

	require.NoError(t, be.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		got, err := tx.Loans.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusReturned, got.Status)
		assert.True(t, got.Fine.Equal(decimal.RequireFromString("1.50")))
		require.NotNil(t, got.ReturnedAt)
		assert.True(t, got.ReturnedAt.Equal(returnedAt))

		open, err := tx.Loans.Open(ctx, b.ID, borrower)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, open.ID)

		_, err = tx.Loans.Open(ctx, b.ID, "nobody")
		assert.True(t, errs.Is(err, errs.CodeNotFound))
		return nil
	}))
}

func queueOrder(t *testing.T, be storage.Backend) {
	b := AddBook(t, be, 1)
	mk := func(at time.Time) *reservations.Reservation {
		return &reservations.Reservation{
			ID: newID(), BookID: b.ID, BorrowerID: uuid.NewString(),
			ReservedAt: at, Status: reservations.StatusWaiting,
		}
	}
	late := mk(t0.Add(time.Minute))
	early := mk(t0)
	tie := mk(t0)

	require.NoError(t, be.Update(context.Background(), b.ID, func(ctx context.Context, tx storage.Tx) error {
		for _, r := range []*reservations.Reservation{late, early, tie} {
			if err := tx.Reservations.Insert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, be.Update(context.Background(), b.ID, func(ctx context.Context, tx storage.Tx) error {
		waiting, err := tx.Reservations.Waiting(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, waiting, 3)
		assert.Equal(t, []string{early.ID, tie.ID, late.ID}, []string{waiting[0].ID, waiting[1].ID, waiting[2].ID})

		head := waiting[0]
		closed := t0.Add(time.Hour)
		head.Status = reservations.StatusFulfilled
		head.ClosedAt = &closed
		return tx.Reservations.Put(ctx, head)
	}))

	owner, err := be.ReservationBook(context.Background(), tie.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, owner)

	require.NoError(t, be.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		waiting, err := tx.Reservations.Waiting(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, waiting, 2)
		assert.Equal(t, tie.ID, waiting[0].ID)

		mine := collect(t, tx.Reservations.Scan(ctx, early.BorrowerID))
		require.Len(t, mine, 1)
		assert.Equal(t, reservations.StatusFulfilled, mine[0].Status)
		return nil
	}))
}

func serialise(t *testing.T, be storage.Backend) {
	const copies, workers = 3, 12
	b := AddBook(t, be, copies)
	var won atomic.Int32

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			err := be.Update(context.Background(), b.ID, func(ctx context.Context, tx storage.Tx) error {
				cur, err := tx.Books.Get(ctx, b.ID)
				if err != nil {
					return err
				}
				if cur.AvailableCopies == 0 {
					return errs.New(errs.CodeNoCopiesAvailable, "none left")
				}
				cur.AvailableCopies--
				if err := tx.Books.Put(ctx, cur); err != nil {
					return err
				}
				return tx.Loans.Insert(ctx, newLoan(b.ID, uuid.NewString(), t0))
			})
			switch {
			case err == nil:
				won.Add(1)
			case errs.Is(err, errs.CodeNoCopiesAvailable):
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, copies, won.Load())
	assert.Equal(t, 0, getBook(t, be, b.ID).AvailableCopies)
}
