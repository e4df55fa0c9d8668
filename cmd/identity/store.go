package identity

import (
	"context"
	"strings"
	"time"
)

// Account is murmur's canonical security principal.
type Account struct {
	ID         string
	Handle     string
	HandleNorm string
	Email      string
	EmailNorm  string

	AvatarURL   string
	PhoneNumber string

	// PasswordHash is empty for federated-only accounts.
	PasswordHash string

	RefreshTokens RefreshSet

	// Version increments on every successful PersistRefreshSet.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword reports whether the account can log in with a password.
func (a Account) HasPassword() bool { return a.PasswordHash != "" }

// Clone returns a copy whose refresh set does not alias a.
func (a Account) Clone() Account {
	a.RefreshTokens = a.RefreshTokens.clone()
	return a
}

// CreateAccountInput describes a new account. PasswordHash is already
// encoded; stores never see plain passwords.
type CreateAccountInput struct {
	Handle       string
	Email        string
	PasswordHash string
	AvatarURL    string
	PhoneNumber  string
	Now          time.Time
}

// Store is the credential persistence boundary.
type Store interface {
	// FindByEmailOrHandle looks key up as an email first, then as a handle.
	// Both comparisons are case-insensitive.
	FindByEmailOrHandle(ctx context.Context, key string) (Account, error)

	// CreateAccount assigns an ID and persists a new account with an empty
	// refresh set. Duplicate email or handle returns ConflictError.
	CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error)

	LoadByID(ctx context.Context, id string) (Account, error)

	// PersistRefreshSet replaces the refresh set iff the stored version equals
	// expectedVersion, then increments the version. A version mismatch returns
	// ErrConflict; a missing account returns ErrNotFound.
	PersistRefreshSet(ctx context.Context, id string, expectedVersion int64, set RefreshSet) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func prepareCreate(op string, in CreateAccountInput) (Account, error) {
	handle := strings.TrimSpace(in.Handle)
	email := strings.TrimSpace(in.Email)
	if handle == "" {
		return Account{}, invalid(op, "handle is required")
	}
	if email == "" {
		return Account{}, invalid(op, "email is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	id, err := NewULID(now)
	if err != nil {
		return Account{}, err
	}

	return Account{
		ID:            id,
		Handle:        handle,
		HandleNorm:    NormalizeHandle(handle),
		Email:         email,
		EmailNorm:     NormalizeEmail(email),
		AvatarURL:     strings.TrimSpace(in.AvatarURL),
		PhoneNumber:   strings.TrimSpace(in.PhoneNumber),
		PasswordHash:  in.PasswordHash,
		RefreshTokens: RefreshSet{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
