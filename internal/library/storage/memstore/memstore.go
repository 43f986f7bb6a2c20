// Package memstore keeps the circulation state in process memory.
//
// Each book owns a shard: a semaphore that serialises writers of that book
// and an atomically swapped, immutable snapshot of the book together with its
// loans and reservations. A unit of work mutates a private copy of the
// snapshot and publishes it with a single pointer store, so readers never see
// a half-applied operation and an abandoned or failed operation leaves no
// trace. A view pins each book's snapshot on first read, so it never mixes
// two commits of one book. Writers of different books never share a lock.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"circulation-backend/internal/library/catalog"
	"circulation-backend/internal/library/errs"
	"circulation-backend/internal/library/ledger"
	"circulation-backend/internal/library/reservations"
	"circulation-backend/internal/library/storage"
)

type snapshot struct {
	book  catalog.Book
	loans []ledger.Loan
	resv  []reservations.Reservation
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{book: s.book}
	c.loans = append(make([]ledger.Loan, 0, len(s.loans)+1), s.loans...)
	c.resv = append(make([]reservations.Reservation, 0, len(s.resv)+1), s.resv...)
	return c
}

type shard struct {
	sem   *semaphore.Weighted
	state atomic.Pointer[snapshot]
}

func newShard(s *snapshot) *shard {
	sh := &shard{sem: semaphore.NewWeighted(1)}
	sh.state.Store(s)
	return sh
}

type Store struct {
	mu     sync.RWMutex // shards and isbn
	shards map[int64]*shard
	isbn   map[string]int64 // live books only

	loanBook sync.Map // loan id -> book id
	resvBook sync.Map // reservation id -> book id

	insertSem *semaphore.Weighted
	nextBook  atomic.Int64
	nextSeq   atomic.Int64
}

var _ storage.Backend = (*Store)(nil)

func New() *Store {
	return &Store{
		shards:    make(map[int64]*shard),
		isbn:      make(map[string]int64),
		insertSem: semaphore.NewWeighted(1),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) shard(id int64) *shard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shards[id]
}

func (s *Store) Update(ctx context.Context, bookID int64, fn storage.TxFunc) error {
	sh := s.shard(bookID)
	if sh == nil {
		return errs.New(errs.CodeNotFound, "book %d not found", bookID)
	}
	if err := sh.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sh.sem.Release(1)

	cur := sh.state.Load()
	tx := &memTx{s: s, mode: modeUpdate, bookID: bookID, draft: cur.clone()}
	if err := fn(ctx, tx.stores()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if tx.draft.book.ISBN != cur.book.ISBN || tx.draft.book.Deleted() != cur.book.Deleted() {
		if err := s.swapISBN(bookID, cur.book, tx.draft.book); err != nil {
			return err
		}
	}
	sh.state.Store(tx.draft)
	s.publish(tx)
	return nil
}

// swapISBN moves the live isbn entry of a book. It re-checks uniqueness
// because two books may have claimed the same isbn concurrently.
func (s *Store) swapISBN(bookID int64, before, after catalog.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !after.Deleted() {
		if owner, ok := s.isbn[after.ISBN]; ok && owner != bookID {
			return errs.New(errs.CodeConflict, "isbn %s already exists", after.ISBN)
		}
	}
	if owner, ok := s.isbn[before.ISBN]; ok && owner == bookID {
		delete(s.isbn, before.ISBN)
	}
	if !after.Deleted() {
		s.isbn[after.ISBN] = bookID
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, fn storage.TxFunc) error {
	if err := s.insertSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.insertSem.Release(1)

	tx := &memTx{s: s, mode: modeInsert}
	if err := fn(ctx, tx.stores()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range tx.created {
		if _, ok := s.isbn[c.book.ISBN]; ok {
			return errs.New(errs.CodeConflict, "isbn %s already exists", c.book.ISBN)
		}
	}
	for _, c := range tx.created {
		s.shards[c.book.ID] = newShard(c)
		s.isbn[c.book.ISBN] = c.book.ID
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn storage.TxFunc) error {
	tx := &memTx{s: s, mode: modeView, pinned: map[int64]*snapshot{}}
	return fn(ctx, tx.stores())
}

func (s *Store) publish(tx *memTx) {
	for _, id := range tx.newLoans {
		s.loanBook.Store(id, tx.bookID)
	}
	for _, id := range tx.newResv {
		s.resvBook.Store(id, tx.bookID)
	}
}

func (s *Store) LoanBook(_ context.Context, loanID string) (int64, error) {
	if v, ok := s.loanBook.Load(loanID); ok {
		return v.(int64), nil
	}
	return 0, errs.New(errs.CodeNotFound, "transaction %s not found", loanID)
}

func (s *Store) ReservationBook(_ context.Context, reservationID string) (int64, error) {
	if v, ok := s.resvBook.Load(reservationID); ok {
		return v.(int64), nil
	}
	return 0, errs.New(errs.CodeNotFound, "reservation %s not found", reservationID)
}

// snapshots returns the current state of every book, in id order. Books
// already in pinned keep their pinned state; the rest are added to it.
func (s *Store) snapshots(pinned map[int64]*snapshot) []*snapshot {
	s.mu.RLock()
	out := make([]*snapshot, 0, len(s.shards))
	for id, sh := range s.shards {
		sn, ok := pinned[id]
		if !ok {
			sn = sh.state.Load()
			if pinned != nil {
				pinned[id] = sn
			}
		}
		if sn != nil {
			out = append(out, sn)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].book.ID < out[j].book.ID })
	return out
}

type txMode int

const (
	modeView txMode = iota
	modeUpdate
	modeInsert
)

type memTx struct {
	s        *Store
	mode     txMode
	bookID   int64
	draft    *snapshot
	created  []*snapshot
	newLoans []string
	newResv  []string

	// view only: the first snapshot read per book, and the full listing once taken
	pinned map[int64]*snapshot
	listed []*snapshot
}

func (tx *memTx) stores() storage.Tx {
	return storage.Tx{
		Books:        bookStore{tx},
		Loans:        loanStore{tx},
		Reservations: resvStore{tx},
	}
}

// state returns what this unit of work sees for a book: its own draft, a
// book it created, or the last published snapshot.
func (tx *memTx) state(id int64) *snapshot {
	if tx.draft != nil && id == tx.bookID {
		return tx.draft
	}
	for _, c := range tx.created {
		if c.book.ID == id {
			return c
		}
	}
	if tx.mode == modeView {
		return tx.pin(id)
	}
	sh := tx.s.shard(id)
	if sh == nil {
		return nil
	}
	return sh.state.Load()
}

// pin returns the state a view first saw for id, so repeated reads inside
// one view never straddle a commit. After the view has listed every book,
// books created later stay invisible to it.
func (tx *memTx) pin(id int64) *snapshot {
	if sn, ok := tx.pinned[id]; ok {
		return sn
	}
	if tx.listed != nil {
		return nil
	}
	var sn *snapshot
	if sh := tx.s.shard(id); sh != nil {
		sn = sh.state.Load()
	}
	tx.pinned[id] = sn
	return sn
}

func (tx *memTx) all() []*snapshot {
	if tx.mode == modeView {
		if tx.listed == nil {
			tx.listed = tx.s.snapshots(tx.pinned)
		}
		return tx.listed
	}
	snaps := tx.s.snapshots(nil)
	for i, sn := range snaps {
		if tx.draft != nil && sn.book.ID == tx.bookID {
			snaps[i] = tx.draft
		}
	}
	return append(snaps, tx.created...)
}

// writable fails unless this unit of work owns bookID.
func (tx *memTx) writable(bookID int64) error {
	switch {
	case tx.mode == modeView:
		return errs.ErrInternal("write attempted in a read-only view")
	case tx.mode == modeInsert:
		return errs.ErrInternal("only books can be created while inserting")
	case bookID != tx.bookID:
		return errs.ErrInternal(fmt.Sprintf("book %d is outside this unit of work (book %d)", bookID, tx.bookID))
	}
	return nil
}
