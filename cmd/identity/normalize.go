package identity

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

// NormalizeHandle performs case-insensitive canonicalization.
func NormalizeHandle(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Registered handles never contain '@', so a lookup key containing one is
// always an email (federated accounts use their email as handle).
var handleRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{2,31}$`)

const maxEmailLen = 254

// RegistrationInput is the raw, user-supplied registration payload.
type RegistrationInput struct {
	Handle   string
	Email    string
	Password string
}

// ValidateRegistration checks handle and email shape. Password policy is
// enforced separately by the password hasher.
func ValidateRegistration(in RegistrationInput) *ValidationError {
	ve := &ValidationError{}

	handle := NormalizeHandle(in.Handle)
	switch {
	case handle == "":
		ve.Add("handle", "required")
	case !handleRe.MatchString(handle):
		ve.Add("handle", "must be 3-32 characters of a-z, 0-9, '_', '.', '-'")
	}

	email := strings.TrimSpace(in.Email)
	switch {
	case email == "":
		ve.Add("email", "required")
	case utf8.RuneCountInString(email) > maxEmailLen || !validEmail(email):
		ve.Add("email", "invalid")
	}

	if in.Password == "" {
		ve.Add("password", "required")
	}

	return ve
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	// Reject display-name forms like "Alice <a@b.c>".
	if addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && at < len(s)-1
}
