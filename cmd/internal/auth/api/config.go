package authapi

import (
	"net/http"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Federated login state cookie.
	StateCookieName string
	StateTTL        time.Duration
	CookiePath      string
	CookieDomain    string
	CookieSecure    bool
	CookieSameSite  http.SameSite
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    1 << 20, // 1 MiB
		StateCookieName: "murmur_oauth_state",
		StateTTL:        10 * time.Minute,
		CookiePath:      "/auth/federated",
		CookieSecure:    true,
		CookieSameSite:  http.SameSiteLaxMode,
	}
}

// Normalized fills zero fields from DefaultConfig and applies cookie
// guardrails.
func (c Config) Normalized() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	c.StateCookieName = strings.TrimSpace(c.StateCookieName)
	if c.StateCookieName == "" {
		c.StateCookieName = def.StateCookieName
	}
	if c.StateTTL <= 0 {
		c.StateTTL = def.StateTTL
	}
	c.CookiePath = strings.TrimSpace(c.CookiePath)
	if c.CookiePath == "" {
		c.CookiePath = def.CookiePath
	}
	c.CookieDomain = strings.TrimSpace(c.CookieDomain)
	if c.CookieSameSite == 0 {
		c.CookieSameSite = def.CookieSameSite
	}
	// Browsers drop SameSite=None cookies that are not Secure.
	if c.CookieSameSite == http.SameSiteNoneMode {
		c.CookieSecure = true
	}
	return c
}

// ParseSameSite maps a config string to an http.SameSite mode.
// Unknown values fall back to Lax.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}
