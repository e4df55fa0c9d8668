package identity

import (
	"errors"
	"testing"

	"murmur/cmd/security/password"
)

func TestPasswords_HashVerify(t *testing.T) {
	p := NewPasswords(password.FastConfig())

	enc, err := p.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	acct := Account{PasswordHash: enc}
	if !p.Verify(acct, "correct horse battery staple") {
		t.Fatalf("expected match")
	}
	if p.Verify(acct, "wrong horse battery staple") {
		t.Fatalf("expected mismatch")
	}
}

func TestPasswords_PolicyAsValidationError(t *testing.T) {
	p := NewPasswords(password.FastConfig())

	_, err := p.Hash("short")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T %v", err, err)
	}
	if ve.Fields["password"] != "too short" {
		t.Fatalf("fields = %v", ve.Fields)
	}
}

func TestPasswords_FederatedAccountNeverMatches(t *testing.T) {
	p := NewPasswords(password.FastConfig())

	if p.Verify(Account{}, "") {
		t.Fatalf("empty hash must never match")
	}
	if p.Verify(Account{}, "anything at all") {
		t.Fatalf("empty hash must never match")
	}
}
