package authapi

import (
	"net"
	"net/http"
	"strings"

	"murmur/cmd/identity"
	"murmur/cmd/internal/auth/session"
)

func toAccountResponse(a identity.Account) accountResponse {
	return accountResponse{
		ID:          a.ID,
		Handle:      a.Handle,
		Email:       a.Email,
		Avatar:      a.AvatarURL,
		PhoneNumber: a.PhoneNumber,
		CreatedAt:   a.CreatedAt,
	}
}

func toSessionResponse(issued session.Issued) sessionResponse {
	return sessionResponse{
		AccountID:        issued.AccountID,
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExpiresAt,
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ClientIP resolves the caller address. Forwarding headers are honored only
// when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
