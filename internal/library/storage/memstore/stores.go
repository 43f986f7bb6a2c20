package memstore

import (
	"context"
	"iter"
	"sort"
	"time"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/reservations"
)

// ===== books =====

type bookStore struct{ tx *memTx }

func (b bookStore) Get(_ context.Context, id int64) (catalog.Book, error) {
	st := b.tx.state(id)
	if st == nil {
		return catalog.Book{}, errs.New(errs.CodeNotFound, "book %d not found", id)
	}
	return st.book, nil
}

func (b bookStore) List(_ context.Context) ([]catalog.Book, error) {
	snaps := b.tx.all()
	out := make([]catalog.Book, 0, len(snaps))
	for _, st := range snaps {
		out = append(out, st.book)
	}
	return out, nil
}

func (b bookStore) Insert(_ context.Context, book *catalog.Book) error {
	if b.tx.mode != modeInsert {
		return errs.ErrInternal("books can only be created while inserting")
	}
	b.tx.s.mu.RLock()
	_, taken := b.tx.s.isbn[book.ISBN]
	b.tx.s.mu.RUnlock()
	for _, c := range b.tx.created {
		taken = taken || c.book.ISBN == book.ISBN
	}
	if taken {
		return errs.New(errs.CodeConflict, "isbn %s already exists", book.ISBN)
	}
	book.ID = b.tx.s.nextBook.Add(1)
	b.tx.created = append(b.tx.created, &snapshot{book: *book})
	return nil
}

func (b bookStore) Put(_ context.Context, book catalog.Book) error {
	if err := b.tx.writable(book.ID); err != nil {
		return err
	}
	if book.ISBN != b.tx.draft.book.ISBN {
		b.tx.s.mu.RLock()
		owner, taken := b.tx.s.isbn[book.ISBN]
		b.tx.s.mu.RUnlock()
		if taken && owner != book.ID {
			return errs.New(errs.CodeConflict, "isbn %s already exists", book.ISBN)
		}
	}
	b.tx.draft.book = book
	return nil
}

func (b bookStore) Remove(_ context.Context, id int64, at time.Time) error {
	if err := b.tx.writable(id); err != nil {
		return err
	}
	b.tx.draft.book.DeletedAt = &at
	b.tx.draft.book.UpdatedAt = at
	return nil
}

// ===== loans =====

type loanStore struct{ tx *memTx }

func (l loanStore) Insert(_ context.Context, loan *ledger.Loan) error {
	if err := l.tx.writable(loan.BookID); err != nil {
		return err
	}
	loan.Seq = l.tx.s.nextSeq.Add(1)
	l.tx.draft.loans = append(l.tx.draft.loans, *loan)
	l.tx.newLoans = append(l.tx.newLoans, loan.ID)
	return nil
}

func (l loanStore) bookOf(ctx context.Context, id string) (int64, bool) {
	if l.tx.draft != nil {
		for _, ln := range l.tx.draft.loans {
			if ln.ID == id {
				return l.tx.bookID, true
			}
		}
	}
	bookID, err := l.tx.s.LoanBook(ctx, id)
	return bookID, err == nil
}

func (l loanStore) Get(ctx context.Context, id string) (ledger.Loan, error) {
	if bookID, ok := l.bookOf(ctx, id); ok {
		if st := l.tx.state(bookID); st != nil {
			for _, ln := range st.loans {
				if ln.ID == id {
					return ln, nil
				}
			}
		}
	}
	return ledger.Loan{}, errs.New(errs.CodeNotFound, "transaction %s not found", id)
}

func (l loanStore) Put(_ context.Context, loan ledger.Loan) error {
	if err := l.tx.writable(loan.BookID); err != nil {
		return err
	}
	for i := range l.tx.draft.loans {
		if l.tx.draft.loans[i].ID == loan.ID {
			l.tx.draft.loans[i] = loan
			return nil
		}
	}
	return errs.New(errs.CodeNotFound, "transaction %s not found", loan.ID)
}

func (l loanStore) Open(_ context.Context, bookID int64, borrowerID string) (ledger.Loan, error) {
	if st := l.tx.state(bookID); st != nil {
		for _, ln := range st.loans {
			if ln.BorrowerID == borrowerID && ln.Status.Open() {
				return ln, nil
			}
		}
	}
	return ledger.Loan{}, errs.New(errs.CodeNotFound, "no open loan of book %d for %s", bookID, borrowerID)
}

func (l loanStore) Scan(ctx context.Context, borrowerID string) iter.Seq2[ledger.Loan, error] {
	return func(yield func(ledger.Loan, error) bool) {
		var out []ledger.Loan
		for _, st := range l.tx.all() {
			for _, ln := range st.loans {
				if borrowerID == "" || ln.BorrowerID == borrowerID {
					out = append(out, ln)
				}
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
				return out[i].IssuedAt.After(out[j].IssuedAt)
			}
			return out[i].Seq > out[j].Seq
		})
		for _, ln := range out {
			if err := ctx.Err(); err != nil {
				yield(ledger.Loan{}, err)
				return
			}
			if !yield(ln, nil) {
				return
			}
		}
	}
}

// ===== reservations =====

type resvStore struct{ tx *memTx }

func (r resvStore) Insert(_ context.Context, res *reservations.Reservation) error {
	if err := r.tx.writable(res.BookID); err != nil {
		return err
	}
	res.Seq = r.tx.s.nextSeq.Add(1)
	r.tx.draft.resv = append(r.tx.draft.resv, *res)
	r.tx.newResv = append(r.tx.newResv, res.ID)
	return nil
}

func (r resvStore) Get(ctx context.Context, id string) (reservations.Reservation, error) {
	bookID, err := r.tx.s.ReservationBook(ctx, id)
	if err != nil && r.tx.draft != nil {
		bookID, err = r.tx.bookID, nil
	}
	if err == nil {
		if st := r.tx.state(bookID); st != nil {
			for _, res := range st.resv {
				if res.ID == id {
					return res, nil
				}
			}
		}
	}
	return reservations.Reservation{}, errs.New(errs.CodeNotFound, "reservation %s not found", id)
}

func (r resvStore) Put(_ context.Context, res reservations.Reservation) error {
	if err := r.tx.writable(res.BookID); err != nil {
		return err
	}
	for i := range r.tx.draft.resv {
		if r.tx.draft.resv[i].ID == res.ID {
			r.tx.draft.resv[i] = res
			return nil
		}
	}
	return errs.New(errs.CodeNotFound, "reservation %s not found", res.ID)
}

func (r resvStore) Waiting(_ context.Context, bookID int64) ([]reservations.Reservation, error) {
	st := r.tx.state(bookID)
	if st == nil {
		return nil, nil
	}
	var out []reservations.Reservation
	for _, res := range st.resv {
		if res.Status == reservations.StatusWaiting {
			out = append(out, res)
		}
	}
	sortQueue(out)
	return out, nil
}

func (r resvStore) Scan(ctx context.Context, borrowerID string) iter.Seq2[reservations.Reservation, error] {
	return func(yield func(reservations.Reservation, error) bool) {
		var out []reservations.Reservation
		for _, st := range r.tx.all() {
			for _, res := range st.resv {
				if borrowerID == "" || res.BorrowerID == borrowerID {
					out = append(out, res)
				}
			}
		}
		sortQueue(out)
		for _, res := range out {
			if err := ctx.Err(); err != nil {
				yield(reservations.Reservation{}, err)
				return
			}
			if !yield(res, nil) {
				return
			}
		}
	}
}

func sortQueue(rs []reservations.Reservation) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].ReservedAt.Equal(rs[j].ReservedAt) {
			return rs[i].ReservedAt.Before(rs[j].ReservedAt)
		}
		return rs[i].Seq < rs[j].Seq
	})
}
