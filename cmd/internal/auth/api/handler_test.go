package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"

	"murmur/cmd/identity"
	"murmur/cmd/internal/auth/federated"
	"murmur/cmd/internal/auth/session"
	"murmur/cmd/internal/auth/throttle"
	"murmur/cmd/security/password"
)

const testPassword = "plum-kettle-harbor-42"

type fakeProvider struct {
	mu      sync.Mutex
	profile federated.Profile
	err     error
	codes   []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://idp.example.test/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (federated.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes = append(p.codes, code)
	return p.profile, p.err
}

type apiFixture struct {
	srv      *httptest.Server
	store    *identity.MemoryStore
	provider *fakeProvider
	redis    *miniredis.Miniredis
	now      time.Time
}

func newAPIFixture(t *testing.T, sessCfg session.Config) *apiFixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &apiFixture{
		store:    identity.NewMemoryStore(),
		provider: &fakeProvider{},
		redis:    mr,
		now:      time.Now().UTC().Truncate(time.Second),
	}

	log := slog.New(slog.DiscardHandler)
	sessions := session.NewService(sessCfg, f.store, session.WithLogger(log))
	h, err := NewHandler(log, Config{CookieSecure: false}, f.store,
		identity.NewPasswords(password.FastConfig()), sessions,
		WithLimiter(throttle.NewRedisLimiter(rdb, throttle.Config{IdentifierMax: 3, IPMax: 100, Window: time.Minute})),
		WithFederated(f.provider, federated.NewResolver(f.store, log)),
		WithClock(func() time.Time { return f.now }),
	)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Secret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func doJSON(t *testing.T, client *http.Client, method, url string, payload any, headers map[string]string) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res.StatusCode, raw
}

func decodeError(t *testing.T, raw []byte) apiError {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		t.Fatalf("decode error body %q: %v", raw, err)
	}
	return er.Error
}

func mustRegister(t *testing.T, f *apiFixture, handle, email string) accountResponse {
	t.Helper()
	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/register", map[string]string{
		"handle":   handle,
		"email":    email,
		"password": testPassword,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("register status=%d body=%s", status, raw)
	}
	var out accountEnvelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	return out.Account
}

func mustLogin(t *testing.T, f *apiFixture, key string) sessionResponse {
	t.Helper()
	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/login", map[string]string{
		"email":    key,
		"password": testPassword,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("login status=%d body=%s", status, raw)
	}
	var out sessionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" || out.AccountID == "" {
		t.Fatalf("incomplete session response: %s", raw)
	}
	return out
}

func TestAuthAPI_RegisterAndLoginByEmailOrHandle(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	email := strings.ToLower(gofakeit.Email())

	acct := mustRegister(t, f, "alice", email)
	if acct.Handle != "alice" || acct.Email != email || acct.Avatar != "" {
		t.Fatalf("unexpected account: %+v", acct)
	}

	byEmail := mustLogin(t, f, strings.ToUpper(email))
	byHandle := mustLogin(t, f, "Alice")
	if byEmail.AccountID != acct.ID || byHandle.AccountID != acct.ID {
		t.Fatalf("login resolved wrong account: %s %s want %s", byEmail.AccountID, byHandle.AccountID, acct.ID)
	}
	if !byEmail.AccessExpiresAt.Equal(f.now.Add(15 * time.Minute)) {
		t.Fatalf("accessExpiresAt = %v", byEmail.AccessExpiresAt)
	}
}

func TestAuthAPI_RegisterValidation(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())

	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/register", map[string]string{
		"handle":   "x",
		"email":    "not-an-email",
		"password": "short",
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", status, raw)
	}
	e := decodeError(t, raw)
	if e.Code != "validation_failed" {
		t.Fatalf("code = %q", e.Code)
	}
	for _, field := range []string{"handle", "email", "password"} {
		if e.Fields[field] == "" {
			t.Fatalf("missing field error for %q: %v", field, e.Fields)
		}
	}
}

func TestAuthAPI_RegisterDuplicateIsFieldError(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	mustRegister(t, f, "bob", "bob@example.com")

	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/register", map[string]string{
		"handle":   "bobby",
		"email":    "BOB@example.com",
		"password": testPassword,
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", status, raw)
	}
	e := decodeError(t, raw)
	if e.Code != "validation_failed" || e.Fields["email"] == "" {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestAuthAPI_RejectsUnknownFieldsAndWrongMethod(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())

	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/login", map[string]string{
		"email":    "a@example.com",
		"password": testPassword,
		"captcha":  "x",
	}, nil)
	if status != http.StatusBadRequest || decodeError(t, raw).Code != "invalid_json" {
		t.Fatalf("status=%d body=%s", status, raw)
	}

	status, _ = doJSON(t, f.srv.Client(), http.MethodGet, f.srv.URL+"/auth/refresh", nil, nil)
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("GET /auth/refresh status=%d", status)
	}
}

func TestAuthAPI_LoginFailure_NoEnumeration(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	mustRegister(t, f, "carol", "carol@example.com")

	cases := []map[string]string{
		{"email": "carol@example.com", "password": "wrong-password-123"},
		{"email": "nobody@example.com", "password": testPassword},
	}
	var bodies []apiError
	for _, payload := range cases {
		status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/login", payload, nil)
		if status != http.StatusBadRequest {
			t.Fatalf("status=%d body=%s", status, raw)
		}
		bodies = append(bodies, decodeError(t, raw))
	}
	if bodies[0].Code != "invalid_credentials" || len(bodies[0].Fields) != 0 {
		t.Fatalf("unexpected error: %+v", bodies[0])
	}
	if bodies[0].Code != bodies[1].Code || bodies[0].Message != bodies[1].Message {
		t.Fatalf("responses differ: %+v vs %+v", bodies[0], bodies[1])
	}
}

func TestAuthAPI_LoginRequiresFields(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())

	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/login", map[string]string{}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", status, raw)
	}
	e := decodeError(t, raw)
	if e.Code != "validation_failed" || e.Fields["email"] == "" || e.Fields["password"] == "" {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestAuthAPI_LoginThrottled(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	mustRegister(t, f, "dave", "dave@example.com")

	for i := 0; i < 3; i++ {
		status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/login", map[string]string{
			"email": "dave@example.com", "password": "wrong-password-123",
		}, nil)
		if status != http.StatusBadRequest {
			t.Fatalf("attempt %d status=%d body=%s", i+1, status, raw)
		}
	}

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/auth/login",
		strings.NewReader(fmt.Sprintf(`{"email":"dave@example.com","password":%q}`, testPassword)))
	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", res.StatusCode)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	f.redis.FastForward(2 * time.Minute)
	mustLogin(t, f, "dave@example.com")
}

func TestAuthAPI_LoginThrottleBackendDown(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	mustRegister(t, f, "erin", "erin@example.com")
	f.redis.Close()

	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/login", map[string]string{
		"email": "erin@example.com", "password": testPassword,
	}, nil)
	if status != http.StatusServiceUnavailable || decodeError(t, raw).Code != "upstream_unavailable" {
		t.Fatalf("status=%d body=%s", status, raw)
	}
}

func TestAuthAPI_RefreshReuseDetected_RevokesAll(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	mustRegister(t, f, "alice", "alice@example.com")
	client := f.srv.Client()

	s0 := mustLogin(t, f, "alice@example.com")
	other := mustLogin(t, f, "alice")

	f.now = f.now.Add(time.Second)
	status, raw := doJSON(t, client, http.MethodPost, f.srv.URL+"/auth/refresh", map[string]string{"refreshToken": s0.RefreshToken}, nil)
	if status != http.StatusOK {
		t.Fatalf("first refresh status=%d body=%s", status, raw)
	}
	var s1 sessionResponse
	if err := json.Unmarshal(raw, &s1); err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	if s1.RefreshToken == s0.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}

	// Replaying the spent token revokes every session of the account.
	status, raw = doJSON(t, client, http.MethodPost, f.srv.URL+"/auth/refresh", map[string]string{"refreshToken": s0.RefreshToken}, nil)
	if status != http.StatusBadRequest || decodeError(t, raw).Code != "invalid_token" {
		t.Fatalf("replay status=%d body=%s", status, raw)
	}

	for _, tok := range []string{s1.RefreshToken, other.RefreshToken} {
		status, raw = doJSON(t, client, http.MethodPost, f.srv.URL+"/auth/refresh", map[string]string{"refreshToken": tok}, nil)
		if status != http.StatusBadRequest || decodeError(t, raw).Code != "invalid_token" {
			t.Fatalf("refresh after revoke status=%d body=%s", status, raw)
		}
	}
}

func TestAuthAPI_RefreshRejectsAccessToken(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	mustRegister(t, f, "frank", "frank@example.com")
	s := mustLogin(t, f, "frank")

	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/refresh", map[string]string{"refreshToken": s.AccessToken}, nil)
	if status != http.StatusBadRequest || decodeError(t, raw).Code != "invalid_token" {
		t.Fatalf("status=%d body=%s", status, raw)
	}

	// No revoke-all: the real refresh token still works.
	status, raw = doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/refresh", map[string]string{"refreshToken": s.RefreshToken}, nil)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, raw)
	}
}

func TestAuthAPI_LogoutIsIdempotent(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	mustRegister(t, f, "grace", "grace@example.com")
	s := mustLogin(t, f, "grace")
	client := f.srv.Client()

	for i := 0; i < 2; i++ {
		status, raw := doJSON(t, client, http.MethodPost, f.srv.URL+"/auth/logout", map[string]string{"refreshToken": s.RefreshToken}, nil)
		if status != http.StatusOK {
			t.Fatalf("logout %d status=%d body=%s", i+1, status, raw)
		}
		var out statusResponse
		if err := json.Unmarshal(raw, &out); err != nil || out.Status != "ok" {
			t.Fatalf("logout body=%s err=%v", raw, err)
		}
	}

	// The logged-out token is gone; refreshing it is a replay.
	status, raw := doJSON(t, client, http.MethodPost, f.srv.URL+"/auth/refresh", map[string]string{"refreshToken": s.RefreshToken}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("refresh after logout status=%d body=%s", status, raw)
	}

	status, raw = doJSON(t, client, http.MethodPost, f.srv.URL+"/auth/logout", map[string]string{"refreshToken": "garbage"}, nil)
	if status != http.StatusBadRequest || decodeError(t, raw).Code != "invalid_token" {
		t.Fatalf("garbage logout status=%d body=%s", status, raw)
	}
}

func TestAuthAPI_Me(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	acct := mustRegister(t, f, "heidi", "heidi@example.com")
	s := mustLogin(t, f, "heidi")
	client := f.srv.Client()

	status, raw := doJSON(t, client, http.MethodGet, f.srv.URL+"/auth/me", nil, map[string]string{
		"Authorization": "Bearer " + s.AccessToken,
	})
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, raw)
	}
	var out accountEnvelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Account.ID != acct.ID {
		t.Fatalf("me = %+v", out.Account)
	}

	for _, hdr := range []string{"", "Bearer " + s.RefreshToken, "Basic abc"} {
		status, _ = doJSON(t, client, http.MethodGet, f.srv.URL+"/auth/me", nil, map[string]string{"Authorization": hdr})
		if status != http.StatusUnauthorized {
			t.Fatalf("Authorization %q status=%d", hdr, status)
		}
	}
}

func TestAuthAPI_MisconfiguredSecret(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Secret = ""
	f := newAPIFixture(t, cfg)
	mustRegister(t, f, "ivan", "ivan@example.com")

	status, raw := doJSON(t, f.srv.Client(), http.MethodPost, f.srv.URL+"/auth/login", map[string]string{
		"email": "ivan@example.com", "password": testPassword,
	}, nil)
	if status != http.StatusInternalServerError || decodeError(t, raw).Code != "server_misconfigured" {
		t.Fatalf("status=%d body=%s", status, raw)
	}
}

func noRedirectClient(base *http.Client) *http.Client {
	c := *base
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &c
}

func startFederated(t *testing.T, f *apiFixture) (state string, cookie *http.Cookie) {
	t.Helper()
	res, err := noRedirectClient(f.srv.Client()).Get(f.srv.URL + "/auth/federated/login")
	if err != nil {
		t.Fatalf("federated login: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("status=%d, want 302", res.StatusCode)
	}
	loc, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	state = loc.Query().Get("state")
	for _, c := range res.Cookies() {
		if c.Name == "murmur_oauth_state" {
			cookie = c
		}
	}
	if state == "" || cookie == nil || cookie.Value != state || !cookie.HttpOnly {
		t.Fatalf("state=%q cookie=%+v", state, cookie)
	}
	return state, cookie
}

func federatedCallback(t *testing.T, f *apiFixture, query string, cookie *http.Cookie) (int, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/auth/federated/callback?"+query, nil)
	if cookie != nil {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	res, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	return res.StatusCode, raw
}

func TestAuthAPI_FederatedFlow_NoDuplicateAccount(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	existing := mustRegister(t, f, "judy", "judy@example.com")
	f.provider.profile = federated.Profile{
		Provider:      "fake",
		Subject:       gofakeit.UUID(),
		Email:         "Judy@Example.com",
		EmailVerified: true,
	}

	state, cookie := startFederated(t, f)
	status, raw := federatedCallback(t, f, "code=abc&state="+url.QueryEscape(state), cookie)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, raw)
	}
	var out federatedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.AccountID != existing.ID || out.Created {
		t.Fatalf("federated login linked to %s created=%v, want %s", out.AccountID, out.Created, existing.ID)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		t.Fatalf("missing tokens: %s", raw)
	}
	if got := f.provider.codes; len(got) != 1 || got[0] != "abc" {
		t.Fatalf("exchanged codes = %v", got)
	}
}

func TestAuthAPI_FederatedCreatesAccount(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	email := strings.ToLower(gofakeit.Email())
	f.provider.profile = federated.Profile{Provider: "fake", Email: email, EmailVerified: true}

	state, cookie := startFederated(t, f)
	status, raw := federatedCallback(t, f, "code=xyz&state="+url.QueryEscape(state), cookie)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, raw)
	}
	var out federatedResponse
	_ = json.Unmarshal(raw, &out)
	if !out.Created {
		t.Fatalf("expected created=true: %s", raw)
	}

	acct, err := f.store.FindByEmailOrHandle(context.Background(), email)
	if err != nil || acct.ID != out.AccountID || acct.HasPassword() {
		t.Fatalf("stored account=%+v err=%v", acct, err)
	}
}

func TestAuthAPI_FederatedStateMismatch(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	_, cookie := startFederated(t, f)

	status, raw := federatedCallback(t, f, "code=abc&state=forged", cookie)
	if status != http.StatusBadRequest || decodeError(t, raw).Code != "invalid_state" {
		t.Fatalf("status=%d body=%s", status, raw)
	}
	status, raw = federatedCallback(t, f, "code=abc&state=forged", nil)
	if status != http.StatusBadRequest || decodeError(t, raw).Code != "invalid_state" {
		t.Fatalf("no cookie status=%d body=%s", status, raw)
	}
	if len(f.provider.codes) != 0 {
		t.Fatalf("code exchanged despite bad state")
	}
}

func TestAuthAPI_FederatedProviderFailure(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	f.provider.err = session.Upstream("fake.Exchange", io.ErrUnexpectedEOF)

	state, cookie := startFederated(t, f)
	status, raw := federatedCallback(t, f, "code=abc&state="+url.QueryEscape(state), cookie)
	if status != http.StatusBadGateway || decodeError(t, raw).Code != "upstream_error" {
		t.Fatalf("status=%d body=%s", status, raw)
	}
}

func TestAuthAPI_FederatedDisabled(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	store := identity.NewMemoryStore()
	h, err := NewHandler(log, Config{}, store, identity.NewPasswords(password.FastConfig()),
		session.NewService(testSessionConfig(), store))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/federated/login", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestAuthAPI_ResponsesAreNotCached(t *testing.T) {
	f := newAPIFixture(t, testSessionConfig())
	res, err := f.srv.Client().Post(f.srv.URL+"/auth/refresh", "application/json", strings.NewReader(`{"refreshToken":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if got := res.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
}
