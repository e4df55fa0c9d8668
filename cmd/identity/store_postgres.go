package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; Close does not close it.
// - Schema/table identifiers are quoted via pgx.Identifier.
// - PersistRefreshSet is a single conditional UPDATE on (id, version).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding the accounts table (default "public").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const pgAccountColumns = `id, handle, handle_norm, email, email_norm, avatar_url, phone_number,
	password_hash, refresh_set, version, created_at, updated_at`

func (s *PostgresStore) accounts() string {
	return pgx.Identifier{s.schema, "accounts"}.Sanitize()
}

func (s *PostgresStore) FindByEmailOrHandle(ctx context.Context, key string) (Account, error) {
	const op = "identity.FindByEmailOrHandle"

	// Email match wins over a handle match on another row.
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM `+s.accounts()+`
		  WHERE email_norm = $1 OR handle_norm = $2
		  ORDER BY (email_norm = $1) DESC
		  LIMIT 1`,
		NormalizeEmail(key), NormalizeHandle(key),
	)
	return pgScanAccount(op, row)
}

func (s *PostgresStore) LoadByID(ctx context.Context, id string) (Account, error) {
	const op = "identity.LoadByID"

	row := s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM `+s.accounts()+` WHERE id = $1`,
		id,
	)
	return pgScanAccount(op, row)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "identity.CreateAccount"

	acct, err := prepareCreate(op, in)
	if err != nil {
		return Account{}, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.accounts()+` (
		     id, handle, handle_norm, email, email_norm, avatar_url, phone_number,
		     password_hash, refresh_set, version, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '[]'::jsonb, 0, $9, $9)`,
		acct.ID,
		acct.Handle,
		acct.HandleNorm,
		acct.Email,
		acct.EmailNorm,
		acct.AvatarURL,
		acct.PhoneNumber,
		acct.PasswordHash,
		acct.CreatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Account{}, ConflictError{Op: op, Field: field}
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}
	return acct, nil
}

func (s *PostgresStore) PersistRefreshSet(ctx context.Context, id string, expectedVersion int64, set RefreshSet) error {
	const op = "identity.PersistRefreshSet"

	raw, err := json.Marshal(set.clone())
	if err != nil {
		return fmt.Errorf("%s: encode refresh set: %w", op, err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.accounts()+`
		    SET refresh_set = $3::jsonb, version = version + 1, updated_at = now()
		  WHERE id = $1 AND version = $2`,
		id, expectedVersion, string(raw),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.accounts()+` WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return ConflictError{Op: op}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close(context.Context) error { return nil }

func pgScanAccount(op string, row pgx.Row) (Account, error) {
	var (
		a   Account
		raw []byte
	)
	err := row.Scan(
		&a.ID,
		&a.Handle,
		&a.HandleNorm,
		&a.Email,
		&a.EmailNorm,
		&a.AvatarURL,
		&a.PhoneNumber,
		&a.PasswordHash,
		&raw,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, NotFoundError{Op: op, Resource: "account"}
		}
		return Account{}, fmt.Errorf("%s: %w", op, err)
	}

	a.RefreshTokens = RefreshSet{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a.RefreshTokens); err != nil {
			return Account{}, fmt.Errorf("%s: decode refresh set: %w", op, err)
		}
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch c {
	case "uq_accounts_handle_norm":
		return "handle", true
	case "uq_accounts_email_norm":
		return "email", true
	}
	switch {
	case strings.Contains(c, "handle"):
		return "handle", true
	case strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
