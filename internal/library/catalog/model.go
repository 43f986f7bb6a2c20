package catalog

import (
	"context"
	"time"
)

// Book は蔵書1タイトル分のレコード
type Book struct {
	ID              int64      `db:"book_id"`
	Title           string     `db:"title"`
	Author          string     `db:"author"`
	ISBN            string     `db:"isbn"`
	Category        *string    `db:"category"`
	PublishedYear   *int       `db:"published_year"`
	TotalCopies     int        `db:"total_copies"`
	AvailableCopies int        `db:"available_copies"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
}

// OnLoan is the number of copies currently out, including returns awaiting approval.
func (b Book) OnLoan() int { return b.TotalCopies - b.AvailableCopies }

func (b Book) Deleted() bool { return b.DeletedAt != nil }

// Store is the raw persistence for books. Implementations do not enforce
// availability rules; Catalog does.
type Store interface {
	// Get returns tombstoned books too, so history can still show their titles.
	Get(ctx context.Context, id int64) (Book, error)
	List(ctx context.Context) ([]Book, error)
	// Insert assigns b.ID. Duplicate live ISBNs fail with CodeConflict.
	Insert(ctx context.Context, b *Book) error
	Put(ctx context.Context, b Book) error
	// Remove tombstones the book and frees its ISBN.
	Remove(ctx context.Context, id int64, at time.Time) error
}
