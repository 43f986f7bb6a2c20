package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"
)

type Account struct {
	ID           string `db:"id"`
	PasswordHash string `db:"password_hash"`
	Role         string `db:"role"`
	IsDisabled   bool   `db:"is_disabled"`
}

// GetByID returns nil, nil for unknown ids.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	Upsert(ctx context.Context, a Account) error
}

// ===== MySQL =====

type Store struct{ db *sqlx.DB }

func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	const q = `
SELECT id, password_hash, role, is_disabled
FROM auth_accounts
WHERE id = ?
LIMIT 1
`
	var a Account
	err := s.db.GetContext(ctx, &a, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Upsert は設定ファイルのアカウントを投入する時に使う
func (s *Store) Upsert(ctx context.Context, a Account) error {
	const q = `
INSERT INTO auth_accounts (id, password_hash, role, is_disabled, created_at)
VALUES (:id, :password_hash, :role, :is_disabled, UTC_TIMESTAMP(6))
ON DUPLICATE KEY UPDATE password_hash = VALUES(password_hash), role = VALUES(role), is_disabled = VALUES(is_disabled)
`
	_, err := s.db.NamedExecContext(ctx, q, a)
	return err
}

// ===== in memory =====

type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]Account)}
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) Upsert(_ context.Context, a Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	return nil
}

// Seed upserts every account into store.
func Seed(ctx context.Context, store AccountStore, accounts []Account) error {
	for _, a := range accounts {
		if err := store.Upsert(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
