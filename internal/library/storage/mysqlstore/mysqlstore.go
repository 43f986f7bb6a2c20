// Package mysqlstore persists circulation state in MySQL. The critical
// section of a book is its row in books, locked with SELECT ... FOR UPDATE
// for the lifetime of the transaction.
package mysqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/storage"
	"circulation-backend/internal/platform/db"
)

//go:embed schema.sql
var schema string

var dialect = goqu.Dialect("mysql")

const (
	mysqlDuplicateEntry = 1062
	mysqlCheckViolated  = 3819
)

// Migrate creates the tables if they do not exist yet.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type Store struct {
	conn *sqlx.DB
}

var _ storage.Backend = (*Store)(nil)

func New(conn *sqlx.DB) *Store { return &Store{conn: conn} }

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) Update(ctx context.Context, bookID int64, fn storage.TxFunc) error {
	return db.RunInTx(ctx, s.conn, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		q, args, err := dialect.From("books").
			Select("book_id").
			Where(goqu.C("book_id").Eq(bookID)).
			ForUpdate(exp.Wait).
			Prepared(true).
			ToSQL()
		if err != nil {
			return translate(err, "build lock query")
		}
		var locked int64
		if err := tx.GetContext(ctx, &locked, q, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.New(errs.CodeNotFound, "book %d not found", bookID)
			}
			return translate(err, "lock book")
		}
		return fn(ctx, (&sqlTx{tx: tx, mode: modeUpdate, bookID: bookID}).stores())
	})
}

func (s *Store) Insert(ctx context.Context, fn storage.TxFunc) error {
	return db.RunInTx(ctx, s.conn, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, (&sqlTx{tx: tx, mode: modeInsert}).stores())
	})
}

func (s *Store) View(ctx context.Context, fn storage.TxFunc) error {
	return db.ReadOnly(ctx, s.conn, func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, (&sqlTx{tx: tx, mode: modeView}).stores())
	})
}

func (s *Store) LoanBook(ctx context.Context, loanID string) (int64, error) {
	var bookID int64
	err := s.conn.GetContext(ctx, &bookID, `SELECT book_id FROM loans WHERE loan_id = ?`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.New(errs.CodeNotFound, "transaction %s not found", loanID)
	}
	if err != nil {
		return 0, translate(err, "resolve loan")
	}
	return bookID, nil
}

func (s *Store) ReservationBook(ctx context.Context, reservationID string) (int64, error) {
	var bookID int64
	err := s.conn.GetContext(ctx, &bookID, `SELECT book_id FROM reservations WHERE reservation_id = ?`, reservationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.New(errs.CodeNotFound, "reservation %s not found", reservationID)
	}
	if err != nil {
		return 0, translate(err, "resolve reservation")
	}
	return bookID, nil
}

type txMode int

const (
	modeView txMode = iota
	modeUpdate
	modeInsert
)

type sqlTx struct {
	tx     *sqlx.Tx
	mode   txMode
	bookID int64
}

func (t *sqlTx) stores() storage.Tx {
	return storage.Tx{
		Books:        bookStore{t},
		Loans:        loanStore{t},
		Reservations: resvStore{t},
	}
}

// writable fails unless this transaction holds the lock of bookID.
func (t *sqlTx) writable(bookID int64) error {
	switch {
	case t.mode == modeView:
		return errs.ErrInternal("write attempted in a read-only view")
	case t.mode == modeInsert:
		return errs.ErrInternal("only books can be created while inserting")
	case bookID != t.bookID:
		return errs.ErrInternal(fmt.Sprintf("book %d is outside this unit of work (book %d)", bookID, t.bookID))
	}
	return nil
}

// translate maps driver failures onto the error model. Errors that already
// carry a code and context errors pass through untouched.
func translate(err error, op string) error {
	var api *errs.APIError
	if errors.As(err, &api) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var my *mysql.MySQLError
	if errors.As(err, &my) {
		switch my.Number {
		case mysqlDuplicateEntry:
			return errs.New(errs.CodeConflict, "%s: %s", op, my.Message)
		case mysqlCheckViolated:
			return errs.New(errs.CodeConstraintViolation, "%s: %s", op, my.Message)
		}
	}
	return errs.ErrInternal(fmt.Sprintf("%s: %v", op, err))
}
