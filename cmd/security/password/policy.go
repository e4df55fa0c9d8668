package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks password policy. Lengths count runes, not bytes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)

	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if c.Policy.RejectVeryWeak && looksVeryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

var trivialPasswords = map[string]struct{}{
	"password":    {},
	"password1":   {},
	"password123": {},
	"12345678":    {},
	"123456789":   {},
	"qwerty123":   {},
	"qwertyuiop":  {},
	"iloveyou":    {},
	"11111111":    {},
}

// looksVeryWeak is a minimal deny rule, not a strength estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	allSame, onlyDigits := true, true
	for _, r := range s {
		if r != first {
			allSame = false
		}
		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
	}
	if allSame {
		return true
	}
	if onlyDigits && utf8.RuneCountInString(s) < 12 {
		return true
	}

	_, trivial := trivialPasswords[strings.ToLower(s)]
	return trivial
}
