package lending_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/lending"
	"circulation-backend/internal/library/reservations"
	"circulation-backend/internal/library/storage/memstore"
	"circulation-backend/internal/library/storage/storagetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	admin = lending.Session{UserID: "librarian", Role: lending.RoleAdmin}
	x     = lending.Session{UserID: "x", Role: lending.RoleStudent}
	y     = lending.Session{UserID: "y", Role: lending.RoleStudent}
	z     = lending.Session{UserID: "z", Role: lending.RoleStudent}
)

type fixture struct {
	eng   *lending.Engine
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...lending.Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)}
	be := memstore.New()
	t.Cleanup(func() { _ = be.Close() })
	opts = append([]lending.Option{lending.WithClock(clock)}, opts...)
	return &fixture{eng: lending.New(be, opts...), clock: clock}
}

func (f *fixture) addBook(t *testing.T, copies int) catalog.Book {
	t.Helper()
	b, err := f.eng.AddBook(context.Background(), admin, catalog.Draft{
		Title: "Concurrency in Go", Author: "Cox-Buday", ISBN: storagetest.NewISBN(), TotalCopies: copies,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) book(t *testing.T, id int64) catalog.Book {
	t.Helper()
	b, err := f.eng.Book(context.Background(), id)
	require.NoError(t, err)
	return b
}

// assertConsistent checks available = total - open loans for every live book.
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	views, err := f.eng.Transactions(context.Background(), admin)
	require.NoError(t, err)
	open := map[int64]int{}
	holders := map[string]bool{}
	for _, v := range views {
		if v.Loan.Status.Open() {
			open[v.Loan.BookID]++
			key := fmt.Sprintf("%s/%d", v.Loan.BorrowerID, v.Loan.BookID)
			assert.False(t, holders[key], "two open loans for %s", key)
			holders[key] = true
		}
	}
	books, err := f.eng.Books(context.Background())
	require.NoError(t, err)
	for _, b := range books {
		assert.GreaterOrEqual(t, b.AvailableCopies, 0)
		assert.LessOrEqual(t, b.AvailableCopies, b.TotalCopies)
		assert.Equal(t, b.TotalCopies-open[b.ID], b.AvailableCopies, "book %d", b.ID)
	}
}

func assertCode(t *testing.T, err error, code errs.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, errs.CodeOf(err), "got %v", err)
}

func Test_Borrow_Return_Approve_RestoresAvailability(t *testing.T) {
	// arrange
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 2)

	// act
	loan, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)
	afterBorrow := f.book(t, b.ID).AvailableCopies
	f.clock.Advance(3 * 24 * time.Hour)
	returned, err := f.eng.Return(ctx, x, loan.ID)
	require.NoError(t, err)
	afterReturn := f.book(t, b.ID).AvailableCopies
	approved, err := f.eng.ApproveReturn(ctx, admin, loan.ID)
	require.NoError(t, err)

	// assert
	assert.Equal(t, 1, afterBorrow)
	assert.Equal(t, 1, afterReturn, "availability comes back only on approval")
	assert.Equal(t, ledger.StatusPendingApproval, returned.Status)
	assert.True(t, returned.Fine.IsZero())
	assert.Equal(t, ledger.StatusReturned, approved.Status)
	assert.True(t, approved.Fine.IsZero())
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, admin.UserID, *approved.ApprovedBy)
	assert.Equal(t, 2, f.book(t, b.ID).AvailableCopies)

	views, err := f.eng.Transactions(ctx, x)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, ledger.StatusReturned, views[0].Status)
	f.assertConsistent(t)
}

func Test_Borrow_AlreadyHolding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 3)
	loan, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)

	_, err = f.eng.Borrow(ctx, x, b.ID)
	assertCode(t, err, errs.CodeAlreadyHolding)

	_, err = f.eng.Return(ctx, x, loan.ID)
	require.NoError(t, err)
	_, err = f.eng.Borrow(ctx, x, b.ID)
	assertCode(t, err, errs.CodeAlreadyHolding)

	_, err = f.eng.Reserve(ctx, x, b.ID)
	assertCode(t, err, errs.CodeAlreadyHolding)
	f.assertConsistent(t)
}

func Test_Borrow_UnknownBookAndMissingBorrower(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.Borrow(context.Background(), x, 999)
	assertCode(t, err, errs.CodeNotFound)

	_, err = f.eng.Borrow(context.Background(), lending.Session{}, 1)
	assertCode(t, err, errs.CodeInvalidArgument)
}

func Test_Reserve_RejectedWhileCopiesAvailable(t *testing.T) {
	f := newFixture(t)
	b := f.addBook(t, 1)

	_, err := f.eng.Reserve(context.Background(), y, b.ID)

	assertCode(t, err, errs.CodeCopiesAvailable)
}

func Test_Reserve_AlreadyQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 1)
	_, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)
	_, err = f.eng.Reserve(ctx, y, b.ID)
	require.NoError(t, err)

	_, err = f.eng.Reserve(ctx, y, b.ID)

	assertCode(t, err, errs.CodeAlreadyQueued)
}

func Test_Borrow_NoCopiesAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 1)
	_, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)

	_, err = f.eng.Borrow(ctx, y, b.ID)

	assertCode(t, err, errs.CodeNoCopiesAvailable)
	f.assertConsistent(t)
}

// X borrows the only copy, Y queues, X returns on time and the return is
// approved. X may not jump the queue; Y borrows and the queue empties.
func Test_Scenario_QueueHeadHasPriority(t *testing.T) {
	// arrange
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 1)

	loan, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.book(t, b.ID).AvailableCopies)
	_, err = f.eng.Reserve(ctx, y, b.ID)
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	_, err = f.eng.Return(ctx, x, loan.ID)
	require.NoError(t, err)
	approved, err := f.eng.ApproveReturn(ctx, admin, loan.ID)
	require.NoError(t, err)
	assert.True(t, approved.Fine.Equal(decimal.Zero))
	assert.Equal(t, 1, f.book(t, b.ID).AvailableCopies)

	// act
	_, xErr := f.eng.Borrow(ctx, x, b.ID)
	yLoan, yErr := f.eng.Borrow(ctx, y, b.ID)

	// assert
	assertCode(t, xErr, errs.CodeNoCopiesAvailable)
	require.NoError(t, yErr)
	assert.Equal(t, y.UserID, yLoan.BorrowerID)
	assert.Equal(t, 0, f.book(t, b.ID).AvailableCopies)

	views, err := f.eng.Reservations(ctx, y)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, reservations.StatusFulfilled, views[0].Reservation.Status)
	assert.Equal(t, -1, views[0].Position)
	f.assertConsistent(t)
}

func Test_Queue_IsFIFO(t *testing.T) {
	// arrange
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 1)
	loan, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)
	_, err = f.eng.Reserve(ctx, y, b.ID)
	require.NoError(t, err)
	_, err = f.eng.Reserve(ctx, z, b.ID)
	require.NoError(t, err)
	_, err = f.eng.Return(ctx, x, loan.ID)
	require.NoError(t, err)
	_, err = f.eng.ApproveReturn(ctx, admin, loan.ID)
	require.NoError(t, err)

	// act
	_, zErr := f.eng.Borrow(ctx, z, b.ID)
	_, yErr := f.eng.Borrow(ctx, y, b.ID)

	// assert
	assertCode(t, zErr, errs.CodeNoCopiesAvailable)
	require.NoError(t, yErr)
	views, err := f.eng.Reservations(ctx, z)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 0, views[0].Position, "z moved to the head")
}

func Test_Borrow_HeldCopiesFollowQueueOrder(t *testing.T) {
	// two copies free, two waiting: the second in line may borrow, an outsider may not
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 2)
	l1, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)
	l2, err := f.eng.Borrow(ctx, admin, b.ID)
	require.NoError(t, err)
	_, err = f.eng.Reserve(ctx, y, b.ID)
	require.NoError(t, err)
	_, err = f.eng.Reserve(ctx, z, b.ID)
	require.NoError(t, err)
	for _, id := range []string{l1.ID, l2.ID} {
		_, err = f.eng.Return(ctx, admin, id)
		require.NoError(t, err)
		_, err = f.eng.ApproveReturn(ctx, admin, id)
		require.NoError(t, err)
	}

	_, outsider := f.eng.Borrow(ctx, lending.Session{UserID: "w", Role: lending.RoleStudent}, b.ID)
	_, second := f.eng.Borrow(ctx, z, b.ID)

	assertCode(t, outsider, errs.CodeNoCopiesAvailable)
	require.NoError(t, second)
	f.assertConsistent(t)
}

func Test_Borrow_ConcurrentLastCopy(t *testing.T) {
	// arrange
	f := newFixture(t)
	b := f.addBook(t, 1)
	const borrowers = 16
	var won, lost atomic.Int32

	// act
	var g errgroup.Group
	for i := 0; i < borrowers; i++ {
		s := lending.Session{UserID: string(rune('a' + i)), Role: lending.RoleStudent}
		g.Go(func() error {
			_, err := f.eng.Borrow(context.Background(), s, b.ID)
			switch {
			case err == nil:
				won.Add(1)
			case errs.Is(err, errs.CodeNoCopiesAvailable):
				lost.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// assert
	assert.EqualValues(t, 1, won.Load())
	assert.EqualValues(t, borrowers-1, lost.Load())
	assert.Equal(t, 0, f.book(t, b.ID).AvailableCopies)
	f.assertConsistent(t)
}

func Test_Borrow_CancelledLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	b := f.addBook(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.eng.Borrow(ctx, x, b.ID)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.book(t, b.ID).AvailableCopies)
	views, err := f.eng.Transactions(context.Background(), x)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func Test_ApproveReturn_FineGrowsPerDayLate(t *testing.T) {
	cases := []struct {
		name     string
		heldFor  time.Duration
		expected string
	}{
		{"returned early", 10 * 24 * time.Hour, "0"},
		{"returned on due date", 14*24*time.Hour + 8*time.Hour, "0"},
		{"one day late", 15 * 24 * time.Hour, "0.50"},
		{"three days late", 17 * 24 * time.Hour, "1.50"},
		{"ten days late", 24 * 24 * time.Hour, "5.00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			b := f.addBook(t, 1)
			loan, err := f.eng.Borrow(ctx, x, b.ID)
			require.NoError(t, err)
			f.clock.Advance(tc.heldFor)
			_, err = f.eng.Return(ctx, x, loan.ID)
			require.NoError(t, err)
			f.clock.Advance(5 * 24 * time.Hour) // approval delay does not count

			approved, err := f.eng.ApproveReturn(ctx, admin, loan.ID)

			require.NoError(t, err)
			assert.True(t, approved.Fine.Equal(decimal.RequireFromString(tc.expected)),
				"fine %s, want %s", approved.Fine, tc.expected)
		})
	}
}

func Test_Return_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 1)
	loan, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)

	_, err = f.eng.Return(ctx, x, "01UNKNOWN")
	assertCode(t, err, errs.CodeNotFound)

	_, err = f.eng.Return(ctx, y, loan.ID)
	assertCode(t, err, errs.CodeForbidden)

	_, err = f.eng.ApproveReturn(ctx, admin, loan.ID)
	assertCode(t, err, errs.CodeInvalidState)

	_, err = f.eng.Return(ctx, x, loan.ID)
	require.NoError(t, err)
	_, err = f.eng.Return(ctx, x, loan.ID)
	assertCode(t, err, errs.CodeAlreadyReturned)

	_, err = f.eng.ApproveReturn(ctx, x, loan.ID)
	assertCode(t, err, errs.CodeForbidden)

	_, err = f.eng.ApproveReturn(ctx, admin, loan.ID)
	require.NoError(t, err)
	_, err = f.eng.ApproveReturn(ctx, admin, loan.ID)
	assertCode(t, err, errs.CodeInvalidState)
	_, err = f.eng.Return(ctx, x, loan.ID)
	assertCode(t, err, errs.CodeAlreadyReturned)
	f.assertConsistent(t)
}

func Test_CancelReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.addBook(t, 1)
	_, err := f.eng.Borrow(ctx, x, b.ID)
	require.NoError(t, err)
	res, err := f.eng.Reserve(ctx, y, b.ID)
	require.NoError(t, err)

	_, err = f.eng.CancelReservation(ctx, z, res.ID)
	assertCode(t, err, errs.CodeForbidden)

	cancelled, err := f.eng.CancelReservation(ctx, y, res.ID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StatusCancelled, cancelled.Status)

	_, err = f.eng.CancelReservation(ctx, y, res.ID)
	assertCode(t, err, errs.CodeInvalidState)

	_, err = f.eng.CancelReservation(ctx, y, "01MISSING")
	assertCode(t, err, errs.CodeNotFound)

	// y may queue again after withdrawing
	_, err = f.eng.Reserve(ctx, y, b.ID)
	require.NoError(t, err)
}
