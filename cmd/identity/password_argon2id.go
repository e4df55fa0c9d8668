package identity

import (
	"errors"
	"sync"

	"murmur/cmd/security/password"
)

// Passwords hashes and checks account passwords using cmd/security/password.
// The zero value is not usable; build one with NewPasswords.
type Passwords struct {
	cfg password.Config

	dummyOnce sync.Once
	dummy     string
}

// NewPasswords returns a hasher bound to cfg.
func NewPasswords(cfg password.Config) *Passwords {
	return &Passwords{cfg: cfg}
}

// Hash enforces the password policy and returns a PHC string.
// Policy failures come back as *ValidationError on the "password" field.
func (p *Passwords) Hash(plain string) (string, error) {
	enc, err := p.cfg.Hash(plain)
	if err == nil {
		return enc, nil
	}

	ve := &ValidationError{}
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		ve.Add("password", "too short")
	case errors.Is(err, password.ErrPasswordTooLong):
		ve.Add("password", "too long")
	case errors.Is(err, password.ErrWeakPassword):
		ve.Add("password", "too weak")
	default:
		return "", err
	}
	return "", ve
}

// Verify checks plain against acct's stored hash. Accounts without a
// password (federated-only) never match, but still pay for one hash
// computation so the response time does not reveal which kind they are.
func (p *Passwords) Verify(acct Account, plain string) bool {
	if !acct.HasPassword() {
		p.Burn(plain)
		return false
	}
	ok, err := p.cfg.Verify(acct.PasswordHash, plain)
	return err == nil && ok
}

// Burn performs a throwaway verification against a fixed hash. Used when
// the account does not exist.
func (p *Passwords) Burn(plain string) {
	p.dummyOnce.Do(func() {
		cfg := p.cfg
		cfg.Policy.RejectVeryWeak = false
		cfg.Policy.MinLength = 1
		if enc, err := cfg.Hash("murmur-dummy-password"); err == nil {
			p.dummy = enc
		}
	})
	if p.dummy == "" {
		return
	}
	_, _ = p.cfg.Verify(p.dummy, plain)
}
