package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind tags a token as access or refresh. The two are never interchangeable.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Claims is the decoded token payload.
type Claims struct {
	Subject   string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Kind      Kind
}

// Codec signs and verifies HS256 JWTs carrying exactly {sub, jti, iat, exp, typ}.
// Verify is pure: it never touches storage.
type Codec struct {
	secret []byte
}

// NewCodec returns a codec for secret. An empty secret yields a codec that
// fails every call with ErrConfig.
func NewCodec(secret []byte) *Codec {
	return &Codec{secret: append([]byte(nil), secret...)}
}

// Issue mints a token for subject valid for ttl from now (truncated to the
// second).
func (c *Codec) Issue(subject string, kind Kind, ttl time.Duration, now time.Time) (string, Claims, error) {
	if len(c.secret) == 0 {
		return "", Claims{}, fmt.Errorf("%w: signing secret is empty", ErrConfig)
	}
	if err := validateTTL(string(kind)+" ttl", ttl); err != nil {
		return "", Claims{}, err
	}
	if subject == "" {
		return "", Claims{}, errors.New("session: empty subject")
	}
	if kind != KindAccess && kind != KindRefresh {
		return "", Claims{}, fmt.Errorf("session: unknown token kind %q", kind)
	}

	nonce, err := uuid.NewRandom()
	if err != nil {
		return "", Claims{}, fmt.Errorf("session: nonce: %w", err)
	}

	iat := now.UTC().Truncate(time.Second)
	out := Claims{
		Subject:   subject,
		Nonce:     nonce.String(),
		IssuedAt:  iat,
		ExpiresAt: iat.Add(ttl),
		Kind:      kind,
	}

	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   out.Subject,
			ID:        out.Nonce,
			IssuedAt:  jwt.NewNumericDate(out.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(out.ExpiresAt),
		},
		Kind: string(kind),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(c.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("session: sign: %w", err)
	}
	return signed, out, nil
}

// Verify checks signature, payload shape and expiry against now. A token is
// valid iff now (truncated to the second) is strictly before exp.
// Failures are *VerificationError.
func (c *Codec) Verify(tok string, now time.Time) (Claims, error) {
	if len(c.secret) == 0 {
		return Claims{}, fmt.Errorf("%w: signing secret is empty", ErrConfig)
	}

	at := now.UTC().Truncate(time.Second)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return at }),
	)

	var tc tokenClaims
	_, err := parser.ParseWithClaims(tok, &tc, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}

	out := tc.claims()
	if !at.Before(out.ExpiresAt) {
		return Claims{}, &VerificationError{Failure: FailureExpired}
	}
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &VerificationError{Failure: FailureBadSignature, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Failure: FailureExpired, Err: err}
	default:
		return &VerificationError{Failure: FailureMalformed, Err: err}
	}
}

// tokenClaims is the wire payload.
type tokenClaims struct {
	jwt.RegisteredClaims
	Kind string `json:"typ"`
}

// wirePayload mirrors the only accepted payload shape.
type wirePayload struct {
	Sub *string `json:"sub"`
	Jti *string `json:"jti"`
	Iat *int64  `json:"iat"`
	Exp *int64  `json:"exp"`
	Typ *string `json:"typ"`
}

// UnmarshalJSON rejects unknown, missing and ill-typed fields.
func (t *tokenClaims) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var w wirePayload
	if err := dec.Decode(&w); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after payload")
	}

	switch {
	case w.Sub == nil || *w.Sub == "":
		return errors.New("missing sub")
	case w.Jti == nil || *w.Jti == "":
		return errors.New("missing jti")
	case w.Iat == nil:
		return errors.New("missing iat")
	case w.Exp == nil:
		return errors.New("missing exp")
	case w.Typ == nil:
		return errors.New("missing typ")
	}
	if k := Kind(*w.Typ); k != KindAccess && k != KindRefresh {
		return fmt.Errorf("unknown typ %q", *w.Typ)
	}

	*t = tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   *w.Sub,
			ID:        *w.Jti,
			IssuedAt:  jwt.NewNumericDate(time.Unix(*w.Iat, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(*w.Exp, 0)),
		},
		Kind: *w.Typ,
	}
	return nil
}

func (t tokenClaims) claims() Claims {
	return Claims{
		Subject:   t.Subject,
		Nonce:     t.ID,
		IssuedAt:  t.IssuedAt.UTC(),
		ExpiresAt: t.ExpiresAt.UTC(),
		Kind:      Kind(t.Kind),
	}
}
