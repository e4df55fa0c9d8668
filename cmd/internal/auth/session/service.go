package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/security/token"
)

// Service implements issuance, rotation, logout and access validation.
//
// Every method takes now explicitly; nothing in this package reads the wall
// clock.
type Service struct {
	cfg     Config
	codec   *Codec
	store   Store
	hasher  token.Hasher
	events  Publisher
	metrics *Metrics
	log     *slog.Logger
}

// Issued is the result of issuing or rotating a session.
type Issued struct {
	AccountID        string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithHasher sets the refresh-token digest function (HMAC when keyed).
func WithHasher(h token.Hasher) Option { return func(s *Service) { s.hasher = h } }

// WithPublisher sets the receiver of session events.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithMetrics sets the counters updated by the service.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger used for security events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService constructs a Service. cfg is not validated here: a service
// built with an empty secret refuses every Issue with ErrConfig.
func NewService(cfg Config, store Store, opts ...Option) *Service {
	if cfg.MaxCASAttempts < 1 {
		cfg.MaxCASAttempts = DefaultMaxCASAttempts
	}
	s := &Service{
		cfg:     cfg,
		codec:   NewCodec([]byte(cfg.Secret)),
		store:   store,
		hasher:  token.NewHasher(nil),
		events:  noopPublisher{},
		metrics: NewMetrics(nil),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Issue mints a fresh access/refresh pair for accountID and records the
// refresh token in the account's refresh set.
func (s *Service) Issue(ctx context.Context, now time.Time, accountID string) (Issued, error) {
	const op = "session.Issue"

	out, entry, err := s.mint(accountID, now)
	if err != nil {
		return Issued{}, err
	}

	_, err = s.mutateRefreshSet(ctx, op, accountID, func(a identity.Account) (identity.RefreshSet, bool, error) {
		return a.RefreshTokens.With(entry, now), true, nil
	})
	if err != nil {
		return Issued{}, err
	}

	s.metrics.issued.Inc()
	return out, nil
}

// Rotate consumes refreshToken and returns a new pair.
//
// A verified refresh token that is not in the set means it was already
// consumed or revoked: the whole set is cleared and ErrReplayDetected is
// returned. Nothing is persisted for the new pair unless the swap commits.
func (s *Service) Rotate(ctx context.Context, now time.Time, refreshToken string) (Issued, error) {
	const op = "session.Rotate"

	claims, err := s.verifyKind(refreshToken, KindRefresh, now)
	if err != nil {
		s.metrics.rotations.WithLabelValues(resultInvalid).Inc()
		s.logInvalid(ctx, "auth.refresh.invalid", err)
		return Issued{}, err
	}

	digest := s.hasher.Digest(refreshToken)

	var (
		out    Issued
		entry  identity.RefreshEntry
		minted bool
		replay bool
	)
	_, err = s.mutateRefreshSet(ctx, op, claims.Subject, func(a identity.Account) (identity.RefreshSet, bool, error) {
		rest, present := a.RefreshTokens.Without(digest)
		if !present {
			replay = true
			return identity.RefreshSet{}, len(a.RefreshTokens) > 0, nil
		}
		replay = false

		if !minted {
			var err error
			out, entry, err = s.mint(claims.Subject, now)
			if err != nil {
				return nil, false, err
			}
			minted = true
		}
		return rest.With(entry, now), true, nil
	})
	if err != nil {
		if identity.IsNotFound(err) {
			s.metrics.rotations.WithLabelValues(resultInvalid).Inc()
			return Issued{}, fmt.Errorf("%s: unknown subject: %w", op, ErrInvalidToken)
		}
		s.metrics.rotations.WithLabelValues(resultError).Inc()
		return Issued{}, err
	}

	if replay {
		s.metrics.rotations.WithLabelValues(resultReplay).Inc()
		s.metrics.replays.Inc()
		s.log.Warn("auth.refresh.replay_detected",
			"account_id", claims.Subject,
			"token_nonce", claims.Nonce,
		)
		s.events.Publish(Event{
			Type:      EventRevoked,
			AccountID: claims.Subject,
			Reason:    "refresh_token_reuse",
			At:        now.Unix(),
		})
		return Issued{}, ErrReplayDetected
	}

	s.metrics.rotations.WithLabelValues(resultOK).Inc()
	return out, nil
}

// Logout removes refreshToken from its account's refresh set. Removing an
// entry that is already gone succeeds.
func (s *Service) Logout(ctx context.Context, now time.Time, refreshToken string) error {
	const op = "session.Logout"

	claims, err := s.verifyKind(refreshToken, KindRefresh, now)
	if err != nil {
		s.metrics.logouts.WithLabelValues(resultInvalid).Inc()
		s.logInvalid(ctx, "auth.logout.invalid", err)
		return err
	}

	digest := s.hasher.Digest(refreshToken)

	var removed bool
	_, err = s.mutateRefreshSet(ctx, op, claims.Subject, func(a identity.Account) (identity.RefreshSet, bool, error) {
		rest, present := a.RefreshTokens.Without(digest)
		removed = present
		if !present {
			return nil, false, nil
		}
		return rest.Live(now), true, nil
	})
	if err != nil {
		if identity.IsNotFound(err) {
			s.metrics.logouts.WithLabelValues(resultInvalid).Inc()
			return fmt.Errorf("%s: unknown subject: %w", op, ErrInvalidToken)
		}
		s.metrics.logouts.WithLabelValues(resultError).Inc()
		return err
	}

	if !removed {
		s.metrics.logouts.WithLabelValues(resultAbsent).Inc()
		return nil
	}

	s.metrics.logouts.WithLabelValues(resultRemoved).Inc()
	s.events.Publish(Event{
		Type:      EventLogout,
		AccountID: claims.Subject,
		Reason:    "logout",
		At:        now.Unix(),
	})
	return nil
}

// ValidateAccess verifies an access token. Refresh tokens are rejected.
func (s *Service) ValidateAccess(tok string, now time.Time) (Claims, error) {
	return s.verifyKind(tok, KindAccess, now)
}

func (s *Service) verifyKind(tok string, want Kind, now time.Time) (Claims, error) {
	claims, err := s.codec.Verify(tok, now)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != want {
		return Claims{}, fmt.Errorf("session: %s token presented, want %s: %w", claims.Kind, want, ErrInvalidToken)
	}
	return claims, nil
}

// logInvalid records why a presented token was refused. Callers still get
// one uniform ErrInvalidToken.
func (s *Service) logInvalid(ctx context.Context, event string, err error) {
	failure := "wrong_kind"
	if f, ok := FailureOf(err); ok {
		failure = string(f)
	}
	s.log.DebugContext(ctx, event, "failure", failure, "err", err)
}

// mint signs a new pair. Access and refresh tokens get independent nonces.
func (s *Service) mint(accountID string, now time.Time) (Issued, identity.RefreshEntry, error) {
	access, ac, err := s.codec.Issue(accountID, KindAccess, s.cfg.AccessTTL, now)
	if err != nil {
		return Issued{}, identity.RefreshEntry{}, err
	}
	refresh, rc, err := s.codec.Issue(accountID, KindRefresh, s.cfg.RefreshTTL, now)
	if err != nil {
		return Issued{}, identity.RefreshEntry{}, err
	}

	return Issued{
			AccountID:        accountID,
			AccessToken:      access,
			AccessExpiresAt:  ac.ExpiresAt,
			RefreshToken:     refresh,
			RefreshExpiresAt: rc.ExpiresAt,
		}, identity.RefreshEntry{
			Hash:      s.hasher.Digest(refresh),
			ExpiresAt: rc.ExpiresAt,
		}, nil
}

// setMutation computes the next refresh set from a freshly loaded account.
// write=false leaves the stored set untouched.
type setMutation func(a identity.Account) (next identity.RefreshSet, write bool, err error)

// mutateRefreshSet runs load -> mutate -> conditional write until the write
// commits, the mutation declines to write, or MaxCASAttempts is exhausted.
// identity.ErrNotFound passes through; other store failures become
// *UpstreamError.
func (s *Service) mutateRefreshSet(ctx context.Context, op, accountID string, fn setMutation) (identity.Account, error) {
	for attempt := 0; attempt < s.cfg.MaxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return identity.Account{}, err
		}

		acct, err := s.store.LoadByID(ctx, accountID)
		if err != nil {
			if identity.IsNotFound(err) || ctx.Err() != nil {
				return identity.Account{}, err
			}
			return identity.Account{}, Upstream(op, err)
		}

		next, write, err := fn(acct)
		if err != nil {
			return identity.Account{}, err
		}
		if !write {
			return acct, nil
		}

		err = s.store.PersistRefreshSet(ctx, acct.ID, acct.Version, next)
		switch {
		case err == nil:
			acct.RefreshTokens = next
			acct.Version++
			return acct, nil
		case identity.IsNotFound(err):
			return identity.Account{}, err
		case identity.IsConflict(err):
			s.metrics.casRetries.Inc()
			continue
		case ctx.Err() != nil:
			return identity.Account{}, err
		default:
			return identity.Account{}, Upstream(op, err)
		}
	}

	return identity.Account{}, Upstream(op, fmt.Errorf("refresh set still contended after %d attempts: %w",
		s.cfg.MaxCASAttempts, identity.ErrConflict))
}
