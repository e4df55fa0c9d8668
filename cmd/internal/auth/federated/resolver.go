package federated

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/internal/auth/session"
)

// ErrProfileInvalid is returned for provider profiles that cannot be linked.
var ErrProfileInvalid = errors.New("federated profile invalid")

// Profile is the subset of a provider's user info murmur consumes.
type Profile struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// Store is the part of identity.Store the resolver needs.
type Store interface {
	FindByEmailOrHandle(ctx context.Context, key string) (identity.Account, error)
	CreateAccount(ctx context.Context, in identity.CreateAccountInput) (identity.Account, error)
}

// Resolver maps a Profile to exactly one account.
type Resolver struct {
	store Store
	log   *slog.Logger
}

// handleAttempts bounds how many suffixed handles are tried after the
// email-derived handle is taken.
const handleAttempts = 4

// NewResolver returns a Resolver over store.
func NewResolver(store Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Resolver{store: store, log: log}
}

// Resolve returns the account owning p.Email, creating it if needed.
// created reports whether this call created it. Existing accounts are never
// modified. Concurrent resolves of one email converge on a single account.
func (r *Resolver) Resolve(ctx context.Context, p Profile, now time.Time) (acct identity.Account, created bool, err error) {
	const op = "federated.Resolve"

	email := strings.TrimSpace(p.Email)
	if email == "" {
		return identity.Account{}, false, fmt.Errorf("%s: %w: missing email", op, ErrProfileInvalid)
	}

	if acct, ok, err := r.findByEmail(ctx, op, email); err != nil || ok {
		return acct, false, err
	}

	handles := []string{identity.NormalizeEmail(email)}
	for i := 1; i < handleAttempts; i++ {
		h, err := suffixedHandle(email)
		if err != nil {
			return identity.Account{}, false, err
		}
		handles = append(handles, h)
	}

	for _, handle := range handles {
		acct, err := r.store.CreateAccount(ctx, identity.CreateAccountInput{
			Handle:    handle,
			Email:     email,
			AvatarURL: p.Picture,
			Now:       now,
		})
		if err == nil {
			r.log.Info("auth.federated.account_created",
				"account_id", acct.ID,
				"provider", p.Provider,
			)
			return acct, true, nil
		}

		field, conflict := identity.ConflictField(err)
		switch {
		case conflict && field == "email":
			// Lost the creation race; the winner owns this email now.
			acct, ok, ferr := r.findByEmail(ctx, op, email)
			if ferr != nil {
				return identity.Account{}, false, ferr
			}
			if !ok {
				return identity.Account{}, false, session.Upstream(op, err)
			}
			return acct, false, nil
		case conflict && field == "handle":
			continue
		case identity.IsInvalidInput(err):
			return identity.Account{}, false, fmt.Errorf("%s: %w: %v", op, ErrProfileInvalid, err)
		default:
			return identity.Account{}, false, session.Upstream(op, err)
		}
	}

	return identity.Account{}, false, session.Upstream(op,
		fmt.Errorf("no free handle after %d attempts: %w", len(handles), identity.ErrConflict))
}

// findByEmail succeeds only on an email match; a handle that happens to
// equal the email belongs to someone else.
func (r *Resolver) findByEmail(ctx context.Context, op, email string) (identity.Account, bool, error) {
	acct, err := r.store.FindByEmailOrHandle(ctx, email)
	switch {
	case err == nil:
		if acct.EmailNorm != identity.NormalizeEmail(email) {
			return identity.Account{}, false, nil
		}
		return acct, true, nil
	case identity.IsNotFound(err):
		return identity.Account{}, false, nil
	default:
		return identity.Account{}, false, session.Upstream(op, err)
	}
}

var suffixEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// suffixedHandle returns "<localpart>-<random>" restricted to handle characters.
func suffixedHandle(email string) (string, error) {
	local := email
	if at := strings.LastIndexByte(local, '@'); at >= 0 {
		local = local[:at]
	}

	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
		if b.Len() >= 20 {
			break
		}
	}
	base := strings.Trim(b.String(), "._-")
	if base == "" {
		base = "user"
	}

	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("federated: handle suffix: %w", err)
	}
	return base + "-" + suffixEncoding.EncodeToString(buf[:]), nil
}
