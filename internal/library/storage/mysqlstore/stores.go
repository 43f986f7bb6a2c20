package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	"github.com/doug-martin/goqu/v9"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/reservations"
)

// live_isbn is left out on purpose: it only exists to back the unique index.
var (
	bookCols = []any{"book_id", "title", "author", "isbn", "category", "published_year",
		"total_copies", "available_copies", "created_at", "updated_at", "deleted_at"}
	loanCols = []any{"loan_id", "loan_seq", "book_id", "borrower_id", "issued_at", "due_at",
		"returned_at", "approved_at", "approved_by", "fine_amount", "status"}
	resvCols = []any{"reservation_id", "reservation_seq", "book_id", "borrower_id",
		"reserved_at", "status", "closed_at"}
)

func selectAll[T any](ctx context.Context, t *sqlTx, ds *goqu.SelectDataset, op string) ([]T, error) {
	q, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, translate(err, op)
	}
	var out []T
	if err := t.tx.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, translate(err, op)
	}
	return out, nil
}

// getOne returns ok=false when no row matches.
func getOne[T any](ctx context.Context, t *sqlTx, ds *goqu.SelectDataset, op string) (T, bool, error) {
	var out T
	q, args, err := ds.Limit(1).Prepared(true).ToSQL()
	if err != nil {
		return out, false, translate(err, op)
	}
	err = t.tx.GetContext(ctx, &out, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, translate(err, op)
	}
	return out, true, nil
}

// yieldAll runs the query when iteration starts. Rows are buffered so the
// caller may issue further queries on the same transaction while iterating.
func yieldAll[T any](ctx context.Context, t *sqlTx, ds *goqu.SelectDataset, op string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rows, err := selectAll[T](ctx, t, ds, op)
		if err != nil {
			yield(zero, err)
			return
		}
		for _, r := range rows {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err, "rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ===== books =====

type bookStore struct{ t *sqlTx }

func (b bookStore) Get(ctx context.Context, id int64) (catalog.Book, error) {
	ds := dialect.From("books").Select(bookCols...).Where(goqu.C("book_id").Eq(id))
	book, ok, err := getOne[catalog.Book](ctx, b.t, ds, "get book")
	if err != nil {
		return catalog.Book{}, err
	}
	if !ok {
		return catalog.Book{}, errs.New(errs.CodeNotFound, "book %d not found", id)
	}
	return book, nil
}

func (b bookStore) List(ctx context.Context) ([]catalog.Book, error) {
	ds := dialect.From("books").Select(bookCols...).Order(goqu.C("book_id").Asc())
	return selectAll[catalog.Book](ctx, b.t, ds, "list books")
}

func (b bookStore) Insert(ctx context.Context, book *catalog.Book) error {
	if b.t.mode != modeInsert {
		return errs.ErrInternal("books can only be created while inserting")
	}
	const q = `
INSERT INTO books (title, author, isbn, live_isbn, category, published_year,
                   total_copies, available_copies, created_at, updated_at, deleted_at)
VALUES (:title, :author, :isbn, :isbn, :category, :published_year,
        :total_copies, :available_copies, :created_at, :updated_at, :deleted_at)
`
	res, err := b.t.tx.NamedExecContext(ctx, q, book)
	if err != nil {
		if errs.Is(translate(err, ""), errs.CodeConflict) {
			return errs.New(errs.CodeConflict, "isbn %s already exists", book.ISBN)
		}
		return translate(err, "insert book")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return translate(err, "insert book")
	}
	book.ID = id
	return nil
}

func (b bookStore) Put(ctx context.Context, book catalog.Book) error {
	if err := b.t.writable(book.ID); err != nil {
		return err
	}
	const q = `
UPDATE books
SET title = :title, author = :author, isbn = :isbn,
    live_isbn = IF(:deleted_at IS NULL, :isbn, NULL),
    category = :category, published_year = :published_year,
    total_copies = :total_copies, available_copies = :available_copies,
    updated_at = :updated_at, deleted_at = :deleted_at
WHERE book_id = :book_id
`
	res, err := b.t.tx.NamedExecContext(ctx, q, book)
	if err != nil {
		if errs.Is(translate(err, ""), errs.CodeConflict) {
			return errs.New(errs.CodeConflict, "isbn %s already exists", book.ISBN)
		}
		return translate(err, "update book")
	}
	return expectOne(res, errs.New(errs.CodeNotFound, "book %d not found", book.ID))
}

func (b bookStore) Remove(ctx context.Context, id int64, at time.Time) error {
	if err := b.t.writable(id); err != nil {
		return err
	}
	const q = `UPDATE books SET deleted_at = ?, updated_at = ?, live_isbn = NULL WHERE book_id = ?`
	res, err := b.t.tx.ExecContext(ctx, q, at, at, id)
	if err != nil {
		return translate(err, "remove book")
	}
	return expectOne(res, errs.New(errs.CodeNotFound, "book %d not found", id))
}

// ===== loans =====

type loanStore struct{ t *sqlTx }

func (l loanStore) Insert(ctx context.Context, loan *ledger.Loan) error {
	if err := l.t.writable(loan.BookID); err != nil {
		return err
	}
	const q = `
INSERT INTO loans (loan_id, book_id, borrower_id, issued_at, due_at,
                   returned_at, approved_at, approved_by, fine_amount, status)
VALUES (:loan_id, :book_id, :borrower_id, :issued_at, :due_at,
        :returned_at, :approved_at, :approved_by, :fine_amount, :status)
`
	res, err := l.t.tx.NamedExecContext(ctx, q, loan)
	if err != nil {
		return translate(err, "insert loan")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return translate(err, "insert loan")
	}
	loan.Seq = seq
	return nil
}

func (l loanStore) Get(ctx context.Context, id string) (ledger.Loan, error) {
	ds := dialect.From("loans").Select(loanCols...).Where(goqu.C("loan_id").Eq(id))
	loan, ok, err := getOne[ledger.Loan](ctx, l.t, ds, "get loan")
	if err != nil {
		return ledger.Loan{}, err
	}
	if !ok {
		return ledger.Loan{}, errs.New(errs.CodeNotFound, "transaction %s not found", id)
	}
	return loan, nil
}

func (l loanStore) Put(ctx context.Context, loan ledger.Loan) error {
	if err := l.t.writable(loan.BookID); err != nil {
		return err
	}
	const q = `
UPDATE loans
SET due_at = :due_at, returned_at = :returned_at, approved_at = :approved_at,
    approved_by = :approved_by, fine_amount = :fine_amount, status = :status
WHERE loan_id = :loan_id AND book_id = :book_id
`
	res, err := l.t.tx.NamedExecContext(ctx, q, loan)
	if err != nil {
		return translate(err, "update loan")
	}
	return expectOne(res, errs.New(errs.CodeNotFound, "transaction %s not found", loan.ID))
}

func (l loanStore) Open(ctx context.Context, bookID int64, borrowerID string) (ledger.Loan, error) {
	ds := dialect.From("loans").Select(loanCols...).
		Where(
			goqu.C("book_id").Eq(bookID),
			goqu.C("borrower_id").Eq(borrowerID),
			goqu.C("status").In(string(ledger.StatusBorrowed), string(ledger.StatusPendingApproval)),
		).
		Order(goqu.C("loan_seq").Desc())
	loan, ok, err := getOne[ledger.Loan](ctx, l.t, ds, "open loan")
	if err != nil {
		return ledger.Loan{}, err
	}
	if !ok {
		return ledger.Loan{}, errs.New(errs.CodeNotFound, "no open loan of book %d for %s", bookID, borrowerID)
	}
	return loan, nil
}

func (l loanStore) Scan(ctx context.Context, borrowerID string) iter.Seq2[ledger.Loan, error] {
	ds := dialect.From("loans").Select(loanCols...).
		Order(goqu.C("issued_at").Desc(), goqu.C("loan_seq").Desc())
	if borrowerID != "" {
		ds = ds.Where(goqu.C("borrower_id").Eq(borrowerID))
	}
	return yieldAll[ledger.Loan](ctx, l.t, ds, "scan loans")
}

// ===== reservations =====

type resvStore struct{ t *sqlTx }

func (r resvStore) Insert(ctx context.Context, res *reservations.Reservation) error {
	if err := r.t.writable(res.BookID); err != nil {
		return err
	}
	const q = `
INSERT INTO reservations (reservation_id, book_id, borrower_id, reserved_at, status, closed_at)
VALUES (:reservation_id, :book_id, :borrower_id, :reserved_at, :status, :closed_at)
`
	out, err := r.t.tx.NamedExecContext(ctx, q, res)
	if err != nil {
		return translate(err, "insert reservation")
	}
	seq, err := out.LastInsertId()
	if err != nil {
		return translate(err, "insert reservation")
	}
	res.Seq = seq
	return nil
}

func (r resvStore) Get(ctx context.Context, id string) (reservations.Reservation, error) {
	ds := dialect.From("reservations").Select(resvCols...).Where(goqu.C("reservation_id").Eq(id))
	res, ok, err := getOne[reservations.Reservation](ctx, r.t, ds, "get reservation")
	if err != nil {
		return reservations.Reservation{}, err
	}
	if !ok {
		return reservations.Reservation{}, errs.New(errs.CodeNotFound, "reservation %s not found", id)
	}
	return res, nil
}

func (r resvStore) Put(ctx context.Context, res reservations.Reservation) error {
	if err := r.t.writable(res.BookID); err != nil {
		return err
	}
	const q = `
UPDATE reservations SET status = :status, closed_at = :closed_at
WHERE reservation_id = :reservation_id AND book_id = :book_id
`
	out, err := r.t.tx.NamedExecContext(ctx, q, res)
	if err != nil {
		return translate(err, "update reservation")
	}
	return expectOne(out, errs.New(errs.CodeNotFound, "reservation %s not found", res.ID))
}

func (r resvStore) Waiting(ctx context.Context, bookID int64) ([]reservations.Reservation, error) {
	ds := dialect.From("reservations").Select(resvCols...).
		Where(
			goqu.C("book_id").Eq(bookID),
			goqu.C("status").Eq(string(reservations.StatusWaiting)),
		).
		Order(goqu.C("reserved_at").Asc(), goqu.C("reservation_seq").Asc())
	return selectAll[reservations.Reservation](ctx, r.t, ds, "waiting reservations")
}

func (r resvStore) Scan(ctx context.Context, borrowerID string) iter.Seq2[reservations.Reservation, error] {
	ds := dialect.From("reservations").Select(resvCols...).
		Order(goqu.C("reserved_at").Asc(), goqu.C("reservation_seq").Asc())
	if borrowerID != "" {
		ds = ds.Where(goqu.C("borrower_id").Eq(borrowerID))
	}
	return yieldAll[reservations.Reservation](ctx, r.t, ds, "scan reservations")
}
