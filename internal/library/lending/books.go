package lending

import (
	"context"

	"go.uber.org/zap"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/storage"
)

func requireAdmin(s Session) error {
	if !s.IsAdmin() {
		return errs.ErrForbidden("admin role required")
	}
	return nil
}

func (e *Engine) Books(ctx context.Context) ([]catalog.Book, error) {
	var out []catalog.Book
	err := e.backend.View(ctx, func(ctx context.Context, tx storage.Tx) (err error) {
		out, err = catalog.New(tx.Books).List(ctx)
		return err
	})
	return out, err
}

func (e *Engine) Book(ctx context.Context, id int64) (catalog.Book, error) {
	var b catalog.Book
	err := e.backend.View(ctx, func(ctx context.Context, tx storage.Tx) (err error) {
		b, err = catalog.New(tx.Books).Get(ctx, id)
		return err
	})
	return b, err
}

func (e *Engine) AddBook(ctx context.Context, s Session, d catalog.Draft) (catalog.Book, error) {
	if err := requireAdmin(s); err != nil {
		return catalog.Book{}, err
	}
	now := e.clock.Now()
	var b catalog.Book
	err := e.backend.Insert(ctx, func(ctx context.Context, tx storage.Tx) (err error) {
		b, err = catalog.New(tx.Books).Create(ctx, d, now)
		return err
	})
	if err != nil {
		return catalog.Book{}, err
	}
	e.log.Info("book added", zap.Int64("book_id", b.ID), zap.String("isbn", b.ISBN), zap.Int("copies", b.TotalCopies))
	return b, nil
}

// EditBook rewrites a book's metadata and copy count; copies on loan are kept.
func (e *Engine) EditBook(ctx context.Context, s Session, id int64, d catalog.Draft) (catalog.Book, error) {
	if err := requireAdmin(s); err != nil {
		return catalog.Book{}, err
	}
	now := e.clock.Now()
	var b catalog.Book
	err := e.backend.Update(ctx, id, func(ctx context.Context, tx storage.Tx) (err error) {
		b, err = catalog.New(tx.Books).Update(ctx, id, d, now)
		return err
	})
	if err != nil {
		return catalog.Book{}, err
	}
	e.log.Info("book edited", zap.Int64("book_id", id), zap.Int("copies", b.TotalCopies))
	return b, nil
}

// RemoveBook retires a book nobody holds or waits for. Its loan history stays.
func (e *Engine) RemoveBook(ctx context.Context, s Session, id int64) error {
	if err := requireAdmin(s); err != nil {
		return err
	}
	now := e.clock.Now()
	err := e.backend.Update(ctx, id, func(ctx context.Context, tx storage.Tx) error {
		u := e.bind(tx)
		waiting, err := u.queue.Waiting(ctx, id)
		if err != nil {
			return err
		}
		if len(waiting) > 0 {
			return errs.New(errs.CodeInUse, "book %d has %d waiting reservations", id, len(waiting))
		}
		return u.books.Delete(ctx, id, now)
	})
	if err != nil {
		return err
	}
	e.log.Info("book removed", zap.Int64("book_id", id))
	return nil
}
