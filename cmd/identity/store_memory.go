package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
// All operations are linearizable under a single mutex.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	byEmail  map[string]string
	byHandle map[string]string
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byEmail:  make(map[string]string),
		byHandle: make(map[string]string),
		now:      time.Now,
	}
}

func (s *MemoryStore) FindByEmailOrHandle(ctx context.Context, key string) (Account, error) {
	const op = "identity.FindByEmailOrHandle"

	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[NormalizeEmail(key)]
	if !ok {
		id, ok = s.byHandle[NormalizeHandle(key)]
	}
	if !ok {
		return Account{}, NotFoundError{Op: op, Resource: "account"}
	}
	return s.accounts[id].Clone(), nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.CreateAccount"

	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	acct, err := prepareCreate(op, in)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[acct.EmailNorm]; taken {
		return Account{}, ConflictError{Op: op, Field: "email"}
	}
	if _, taken := s.byHandle[acct.HandleNorm]; taken {
		return Account{}, ConflictError{Op: op, Field: "handle"}
	}

	stored := acct.Clone()
	s.accounts[acct.ID] = &stored
	s.byEmail[acct.EmailNorm] = acct.ID
	s.byHandle[acct.HandleNorm] = acct.ID

	return acct, nil
}

func (s *MemoryStore) LoadByID(ctx context.Context, id string) (Account, error) {
	const op = "identity.LoadByID"

	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return Account{}, NotFoundError{Op: op, Resource: "account"}
	}
	return a.Clone(), nil
}

func (s *MemoryStore) PersistRefreshSet(ctx context.Context, id string, expectedVersion int64, set RefreshSet) error {
	const op = "identity.PersistRefreshSet"

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return NotFoundError{Op: op, Resource: "account"}
	}
	if a.Version != expectedVersion {
		return ConflictError{Op: op}
	}

	a.RefreshTokens = set.clone()
	a.Version++
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close(context.Context) error { return nil }
