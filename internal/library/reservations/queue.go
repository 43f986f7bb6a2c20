package reservations

import (
	"context"
	"iter"
	"time"

	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/platform/ids"
)

const RoleAdmin = "admin"

// Queue is the per-book FIFO of waiting borrowers.
type Queue struct {
	store Store
	id    ids.IDGen
}

func New(store Store, id ids.IDGen) *Queue { return &Queue{store: store, id: id} }

// Enqueue puts borrowerID at the tail of the book's queue.
func (q *Queue) Enqueue(ctx context.Context, bookID int64, borrowerID string, at time.Time) (Reservation, error) {
	if borrowerID == "" {
		return Reservation{}, errs.ErrInvalid("borrower_id is required")
	}
	if _, ok, err := q.Find(ctx, bookID, borrowerID); err != nil {
		return Reservation{}, err
	} else if ok {
		return Reservation{}, errs.New(errs.CodeAlreadyQueued, "already in the queue for book %d", bookID)
	}
	r := Reservation{
		ID:         q.id.NewULID(at),
		BookID:     bookID,
		BorrowerID: borrowerID,
		ReservedAt: at,
		Status:     StatusWaiting,
	}
	if err := q.store.Insert(ctx, &r); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// DequeueNext fulfils and returns the head of the queue; ok is false when nobody waits.
func (q *Queue) DequeueNext(ctx context.Context, bookID int64, at time.Time) (Reservation, bool, error) {
	waiting, err := q.store.Waiting(ctx, bookID)
	if err != nil {
		return Reservation{}, false, err
	}
	if len(waiting) == 0 {
		return Reservation{}, false, nil
	}
	head, err := q.close(ctx, waiting[0], StatusFulfilled, at)
	if err != nil {
		return Reservation{}, false, err
	}
	return head, true, nil
}

// Fulfill closes a specific waiting reservation because its borrower got a copy.
func (q *Queue) Fulfill(ctx context.Context, id string, at time.Time) (Reservation, error) {
	r, err := q.store.Get(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if r.Status != StatusWaiting {
		return Reservation{}, errs.New(errs.CodeInvalidState, "reservation %s is %s", id, r.Status)
	}
	return q.close(ctx, r, StatusFulfilled, at)
}

// Cancel withdraws a waiting reservation. Only its borrower or an admin may do so.
func (q *Queue) Cancel(ctx context.Context, id, actorID, actorRole string, at time.Time) (Reservation, error) {
	r, err := q.store.Get(ctx, id)
	if err != nil {
		return Reservation{}, err
	}
	if r.BorrowerID != actorID && actorRole != RoleAdmin {
		return Reservation{}, errs.ErrForbidden("reservation belongs to another borrower")
	}
	if r.Status != StatusWaiting {
		return Reservation{}, errs.New(errs.CodeInvalidState, "reservation %s is %s", id, r.Status)
	}
	return q.close(ctx, r, StatusCancelled, at)
}

func (q *Queue) close(ctx context.Context, r Reservation, st Status, at time.Time) (Reservation, error) {
	r.Status = st
	r.ClosedAt = &at
	if err := q.store.Put(ctx, r); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// Find returns the borrower's waiting reservation for the book.
func (q *Queue) Find(ctx context.Context, bookID int64, borrowerID string) (Reservation, bool, error) {
	r, pos, err := q.Position(ctx, bookID, borrowerID)
	if err != nil {
		return Reservation{}, false, err
	}
	return r, pos >= 0, nil
}

// Position is the borrower's zero-based place in the queue, -1 when absent.
func (q *Queue) Position(ctx context.Context, bookID int64, borrowerID string) (Reservation, int, error) {
	waiting, err := q.store.Waiting(ctx, bookID)
	if err != nil {
		return Reservation{}, -1, err
	}
	for i, r := range waiting {
		if r.BorrowerID == borrowerID {
			return r, i, nil
		}
	}
	return Reservation{}, -1, nil
}

// PeekStatus is StatusWaiting when the borrower is queued for the book, StatusNone otherwise.
func (q *Queue) PeekStatus(ctx context.Context, bookID int64, borrowerID string) (Status, error) {
	_, ok, err := q.Find(ctx, bookID, borrowerID)
	if err != nil {
		return StatusNone, err
	}
	if !ok {
		return StatusNone, nil
	}
	return StatusWaiting, nil
}

func (q *Queue) Waiting(ctx context.Context, bookID int64) ([]Reservation, error) {
	return q.store.Waiting(ctx, bookID)
}

func (q *Queue) ListFor(ctx context.Context, borrowerID string) iter.Seq2[Reservation, error] {
	return q.store.Scan(ctx, borrowerID)
}
