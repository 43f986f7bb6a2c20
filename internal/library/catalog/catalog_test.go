package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/storage"
	"circulation-backend/internal/library/storage/memstore"
	"circulation-backend/internal/library/storage/storagetest"
)

var now = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func draft(copies int) catalog.Draft {
	return catalog.Draft{Title: " 星の王子さま ", Author: "Saint-Exupéry", ISBN: storagetest.NewISBN(), TotalCopies: copies}
}

func create(t *testing.T, be storage.Backend, d catalog.Draft) catalog.Book {
	t.Helper()
	var b catalog.Book
	require.NoError(t, be.Insert(context.Background(), func(ctx context.Context, tx storage.Tx) (err error) {
		b, err = catalog.New(tx.Books).Create(ctx, d, now)
		return err
	}))
	return b
}

func update(be storage.Backend, id int64, fn func(ctx context.Context, c *catalog.Catalog) error) error {
	return be.Update(context.Background(), id, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, catalog.New(tx.Books))
	})
}

func Test_Create_TrimsAndFillsShelf(t *testing.T) {
	be := memstore.New()

	b := create(t, be, draft(3))

	assert.NotZero(t, b.ID)
	assert.Equal(t, "星の王子さま", b.Title)
	assert.Equal(t, 3, b.AvailableCopies)
	assert.Equal(t, 0, b.OnLoan())
}

func Test_Create_Validation(t *testing.T) {
	year := 12000
	cases := map[string]catalog.Draft{
		"blank title":  {Title: "  ", Author: "a", ISBN: "i", TotalCopies: 1},
		"no isbn":      {Title: "t", Author: "a", TotalCopies: 1},
		"zero copies":  {Title: "t", Author: "a", ISBN: "i"},
		"year too big": {Title: "t", Author: "a", ISBN: "i", TotalCopies: 1, PublishedYear: &year},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			be := memstore.New()
			err := be.Insert(context.Background(), func(ctx context.Context, tx storage.Tx) error {
				_, err := catalog.New(tx.Books).Create(ctx, d, now)
				return err
			})
			assert.True(t, errs.Is(err, errs.CodeInvalidArgument), "got %v", err)
		})
	}
}

func Test_AdjustAvailability_StaysInRange(t *testing.T) {
	be := memstore.New()
	b := create(t, be, draft(1))

	err := update(be, b.ID, func(ctx context.Context, c *catalog.Catalog) error {
		_, err := c.AdjustAvailability(ctx, b.ID, +1, now)
		return err
	})
	assert.True(t, errs.Is(err, errs.CodeConstraintViolation), "got %v", err)

	var got catalog.Book
	require.NoError(t, update(be, b.ID, func(ctx context.Context, c *catalog.Catalog) (err error) {
		got, err = c.AdjustAvailability(ctx, b.ID, -1, now.Add(time.Minute))
		return err
	}))
	assert.Equal(t, 0, got.AvailableCopies)
	assert.Equal(t, now.Add(time.Minute), got.UpdatedAt)

	err = update(be, b.ID, func(ctx context.Context, c *catalog.Catalog) error {
		_, err := c.AdjustAvailability(ctx, b.ID, -1, now)
		return err
	})
	assert.True(t, errs.Is(err, errs.CodeConstraintViolation), "got %v", err)
}

func Test_Update_KeepsCopiesOnLoan(t *testing.T) {
	be := memstore.New()
	b := create(t, be, draft(4))
	require.NoError(t, update(be, b.ID, func(ctx context.Context, c *catalog.Catalog) error {
		_, err := c.AdjustAvailability(ctx, b.ID, -3, now)
		return err
	}))

	d := draft(2)
	d.ISBN = b.ISBN
	err := update(be, b.ID, func(ctx context.Context, c *catalog.Catalog) error {
		_, err := c.Update(ctx, b.ID, d, now)
		return err
	})
	assert.True(t, errs.Is(err, errs.CodeInUse), "got %v", err)

	d.TotalCopies = 3
	var got catalog.Book
	require.NoError(t, update(be, b.ID, func(ctx context.Context, c *catalog.Catalog) (err error) {
		got, err = c.Update(ctx, b.ID, d, now)
		return err
	}))
	assert.Equal(t, 3, got.TotalCopies)
	assert.Equal(t, 0, got.AvailableCopies)
}

func Test_Delete_Tombstones(t *testing.T) {
	be := memstore.New()
	b := create(t, be, draft(1))
	other := create(t, be, draft(1))
	require.NoError(t, update(be, other.ID, func(ctx context.Context, c *catalog.Catalog) error {
		_, err := c.AdjustAvailability(ctx, other.ID, -1, now)
		return err
	}))

	err := update(be, other.ID, func(ctx context.Context, c *catalog.Catalog) error {
		return c.Delete(ctx, other.ID, now)
	})
	assert.True(t, errs.Is(err, errs.CodeInUse), "got %v", err)

	require.NoError(t, update(be, b.ID, func(ctx context.Context, c *catalog.Catalog) error {
		return c.Delete(ctx, b.ID, now)
	}))

	require.NoError(t, be.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		c := catalog.New(tx.Books)
		_, err := c.Get(ctx, b.ID)
		assert.True(t, errs.Is(err, errs.CodeNotFound), "got %v", err)

		raw, err := tx.Books.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, raw.Deleted())

		live, err := c.List(ctx)
		require.NoError(t, err)
		require.Len(t, live, 1)
		assert.Equal(t, other.ID, live[0].ID)
		return nil
	}))
}
