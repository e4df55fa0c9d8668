package federated

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"murmur/cmd/internal/auth/session"
)

// Provider runs the authorization-code flow against one identity provider.
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (Profile, error)
}

// GoogleConfig configures the Google provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Endpoint and UserInfoURL default to Google's public endpoints.
	Endpoint    oauth2.Endpoint
	UserInfoURL string

	// HTTPClient is used for the token exchange and userinfo calls.
	HTTPClient *http.Client
}

const (
	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	maxUserInfoBytes  = 1 << 20
)

// Enabled reports whether enough is configured to run the flow.
func (c GoogleConfig) Enabled() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

// GoogleProvider implements Provider for Google (OpenID Connect userinfo).
type GoogleProvider struct {
	oauth    *oauth2.Config
	userInfo string
	client   *http.Client
}

var _ Provider = (*GoogleProvider)(nil)

// NewGoogleProvider returns a provider or an error wrapping session.ErrConfig.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: google client id and secret are required", session.ErrConfig)
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, fmt.Errorf("%w: google redirect url is required", session.ErrConfig)
	}

	ep := cfg.Endpoint
	if ep.AuthURL == "" || ep.TokenURL == "" {
		ep = endpoints.Google
	}
	ui := cfg.UserInfoURL
	if ui == "" {
		ui = googleUserInfoURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     ep,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfo: ui,
		client:   client,
	}, nil
}

func (g *GoogleProvider) Name() string { return "google" }

// AuthCodeURL returns the consent-page URL carrying state.
func (g *GoogleProvider) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange trades code for a token and fetches the user's profile.
// Unverified emails are rejected with ErrProfileInvalid.
func (g *GoogleProvider) Exchange(ctx context.Context, code string) (Profile, error) {
	const op = "federated.GoogleProvider.Exchange"

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)

	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return Profile{}, session.Upstream(op, fmt.Errorf("token exchange: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfo, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", op, err)
	}
	res, err := g.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return Profile{}, session.Upstream(op, fmt.Errorf("userinfo: %w", err))
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return Profile{}, session.Upstream(op, fmt.Errorf("userinfo: status %d", res.StatusCode))
	}

	var info googleUserInfo
	if err := json.NewDecoder(io.LimitReader(res.Body, maxUserInfoBytes)).Decode(&info); err != nil {
		return Profile{}, session.Upstream(op, fmt.Errorf("userinfo decode: %w", err))
	}

	if strings.TrimSpace(info.Email) == "" {
		return Profile{}, fmt.Errorf("%s: %w: no email in profile", op, ErrProfileInvalid)
	}
	if !info.EmailVerified {
		return Profile{}, fmt.Errorf("%s: %w: email not verified", op, ErrProfileInvalid)
	}

	return Profile{
		Provider:      g.Name(),
		Subject:       info.Sub,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
		Picture:       info.Picture,
	}, nil
}
