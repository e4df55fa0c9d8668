package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when a presented token fails verification,
	// is of the wrong kind, names an unknown account, or is no longer live.
	ErrInvalidToken = errors.New("invalid token")

	// ErrReplayDetected is returned when a verified refresh token is presented
	// after it left the refresh set. Every session of the account has been
	// revoked by the time the caller sees it.
	ErrReplayDetected = fmt.Errorf("%w: refresh token reuse detected", ErrInvalidToken)

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrUpstream marks failures of a collaborator (store, identity provider).
	// Callers may retry.
	ErrUpstream = errors.New("upstream unavailable")
)

// UpstreamError wraps a collaborator failure with the operation that hit it.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrUpstream)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUpstream, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstream, e.Err} }

// Upstream wraps err as an *UpstreamError for op.
func Upstream(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}

// Failure classifies why a token failed verification.
type Failure string

const (
	FailureMalformed    Failure = "malformed"
	FailureBadSignature Failure = "bad_signature"
	FailureExpired      Failure = "expired"
)

// VerificationError is returned by Codec.Verify. It unwraps to
// ErrInvalidToken so callers that only care about validity can use errors.Is.
type VerificationError struct {
	Failure Failure
	Err     error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("token verification failed: %s", e.Failure)
	}
	return fmt.Sprintf("token verification failed: %s: %v", e.Failure, e.Err)
}

func (e *VerificationError) Unwrap() error { return ErrInvalidToken }

// FailureOf returns the verification failure carried by err, if any.
func FailureOf(err error) (Failure, bool) {
	var ve *VerificationError
	if !errors.As(err, &ve) {
		return "", false
	}
	return ve.Failure, true
}
