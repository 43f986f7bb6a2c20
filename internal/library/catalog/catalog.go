package catalog

import (
	"context"
	"strings"
	"time"

	"circulation-backend/internal/library/errs"
)

// Draft carries the editable fields of a book.
type Draft struct {
	Title         string
	Author        string
	ISBN          string
	Category      *string
	PublishedYear *int
	TotalCopies   int
}

func (d Draft) validate() error {
	if strings.TrimSpace(d.Title) == "" || strings.TrimSpace(d.Author) == "" || strings.TrimSpace(d.ISBN) == "" {
		return errs.ErrInvalid("title, author, isbn are required")
	}
	if d.TotalCopies < 1 {
		return errs.ErrInvalid("total_copies must be >= 1")
	}
	if d.PublishedYear != nil && (*d.PublishedYear < 0 || *d.PublishedYear > 9999) {
		return errs.ErrInvalid("published_year out of range")
	}
	return nil
}

// Catalog applies the availability rules on top of a Store.
type Catalog struct {
	store Store
}

func New(store Store) *Catalog { return &Catalog{store: store} }

// Get hides tombstoned books.
func (c *Catalog) Get(ctx context.Context, id int64) (Book, error) {
	b, err := c.store.Get(ctx, id)
	if err != nil {
		return Book{}, err
	}
	if b.Deleted() {
		return Book{}, errs.New(errs.CodeNotFound, "book %d not found", id)
	}
	return b, nil
}

func (c *Catalog) List(ctx context.Context) ([]Book, error) {
	all, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Book, 0, len(all))
	for _, b := range all {
		if !b.Deleted() {
			out = append(out, b)
		}
	}
	return out, nil
}

// AdjustAvailability moves available_copies by delta, refusing to leave [0, total_copies].
func (c *Catalog) AdjustAvailability(ctx context.Context, id int64, delta int, now time.Time) (Book, error) {
	b, err := c.Get(ctx, id)
	if err != nil {
		return Book{}, err
	}
	next := b.AvailableCopies + delta
	if next < 0 || next > b.TotalCopies {
		return Book{}, errs.New(errs.CodeConstraintViolation,
			"available copies of book %d would become %d (total %d)", id, next, b.TotalCopies)
	}
	b.AvailableCopies = next
	b.UpdatedAt = now
	if err := c.store.Put(ctx, b); err != nil {
		return Book{}, err
	}
	return b, nil
}

func (c *Catalog) Create(ctx context.Context, d Draft, now time.Time) (Book, error) {
	if err := d.validate(); err != nil {
		return Book{}, err
	}
	b := Book{
		Title:           strings.TrimSpace(d.Title),
		Author:          strings.TrimSpace(d.Author),
		ISBN:            strings.TrimSpace(d.ISBN),
		Category:        d.Category,
		PublishedYear:   d.PublishedYear,
		TotalCopies:     d.TotalCopies,
		AvailableCopies: d.TotalCopies,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.Insert(ctx, &b); err != nil {
		return Book{}, err
	}
	return b, nil
}

// Update rewrites metadata and total_copies. Copies on loan stay on loan, so
// available_copies becomes total minus on-loan; shrinking below that is InUse.
func (c *Catalog) Update(ctx context.Context, id int64, d Draft, now time.Time) (Book, error) {
	if err := d.validate(); err != nil {
		return Book{}, err
	}
	b, err := c.Get(ctx, id)
	if err != nil {
		return Book{}, err
	}
	onLoan := b.OnLoan()
	if d.TotalCopies < onLoan {
		return Book{}, errs.New(errs.CodeInUse,
			"book %d has %d copies on loan, total_copies cannot drop to %d", id, onLoan, d.TotalCopies)
	}
	b.Title = strings.TrimSpace(d.Title)
	b.Author = strings.TrimSpace(d.Author)
	b.ISBN = strings.TrimSpace(d.ISBN)
	b.Category = d.Category
	b.PublishedYear = d.PublishedYear
	b.TotalCopies = d.TotalCopies
	b.AvailableCopies = d.TotalCopies - onLoan
	b.UpdatedAt = now
	if err := c.store.Put(ctx, b); err != nil {
		return Book{}, err
	}
	return b, nil
}

// Delete tombstones a book with every copy on the shelf. Waiting reservations
// are checked by the caller, which owns the queue.
func (c *Catalog) Delete(ctx context.Context, id int64, now time.Time) error {
	b, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.OnLoan() > 0 {
		return errs.New(errs.CodeInUse, "book %d has %d copies on loan", id, b.OnLoan())
	}
	return c.store.Remove(ctx, id, now)
}
