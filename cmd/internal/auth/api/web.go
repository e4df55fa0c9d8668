package authapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

// setStateCookie stores the OAuth2 state for the callback to compare against.
func (h *Handler) setStateCookie(w http.ResponseWriter, state string, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.StateCookieName,
		Value:    state,
		Path:     h.cfg.CookiePath,
		Domain:   h.cfg.CookieDomain,
		Expires:  now.Add(h.cfg.StateTTL),
		MaxAge:   int(h.cfg.StateTTL / time.Second),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	})
}

func (h *Handler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.StateCookieName,
		Value:    "",
		Path:     h.cfg.CookiePath,
		Domain:   h.cfg.CookieDomain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	})
}

// stateValid compares the state query parameter with the state cookie.
func (h *Handler) stateValid(r *http.Request) bool {
	c, err := r.Cookie(h.cfg.StateCookieName)
	if err != nil {
		return false
	}
	return secureStringEqual(strings.TrimSpace(c.Value), strings.TrimSpace(r.URL.Query().Get("state")))
}

func newOpaqueWebToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func secureStringEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
