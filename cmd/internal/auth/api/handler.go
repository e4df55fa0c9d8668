package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/internal/auth/federated"
	"murmur/cmd/internal/auth/session"
	"murmur/cmd/internal/auth/throttle"
)

// Handler wires HTTP auth endpoints to identity/session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	accounts  identity.Store
	passwords *identity.Passwords
	sessions  *session.Service
	limiter   throttle.Limiter

	provider federated.Provider
	resolver *federated.Resolver

	now func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithLimiter overrides the default no-op login limiter.
func WithLimiter(l throttle.Limiter) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.limiter = l
		}
	}
}

// WithFederated enables /auth/federated/*. Without it those routes answer 404.
func WithFederated(p federated.Provider, r *federated.Resolver) HandlerOption {
	return func(h *Handler) {
		if p == nil || r == nil {
			return
		}
		h.provider = p
		h.resolver = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, accounts identity.Store, passwords *identity.Passwords, sessions *session.Service, opts ...HandlerOption) (*Handler, error) {
	if accounts == nil {
		return nil, errors.New("auth: nil account store")
	}
	if passwords == nil {
		return nil, errors.New("auth: nil password hasher")
	}
	if sessions == nil {
		return nil, errors.New("auth: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:       log,
		cfg:       cfg.Normalized(),
		accounts:  accounts,
		passwords: passwords,
		sessions:  sessions,
		limiter:   throttle.Noop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/federated/login", h.handleFederatedLogin)
	mux.HandleFunc("/auth/federated/callback", h.handleFederatedCallback)
	mux.HandleFunc("/auth/me", h.handleMe)
}

func (h *Handler) clock() time.Time { return h.now().UTC() }

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ve := identity.ValidateRegistration(identity.RegistrationInput{
		Handle:   req.Handle,
		Email:    req.Email,
		Password: req.Password,
	})

	var hash string
	if req.Password != "" {
		enc, err := h.passwords.Hash(req.Password)
		var pve *identity.ValidationError
		switch {
		case err == nil:
			hash = enc
		case errors.As(err, &pve):
			for field, msg := range pve.Fields {
				ve.Add(field, msg)
			}
		default:
			h.log.Error("auth.register.hash.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
	}
	if ve.Err() != nil {
		writeValidation(w, ve)
		return
	}

	ctx := r.Context()
	acct, err := h.accounts.CreateAccount(ctx, identity.CreateAccountInput{
		Handle:       req.Handle,
		Email:        req.Email,
		PasswordHash: hash,
		Now:          h.clock(),
	})
	if err != nil {
		if field, ok := identity.ConflictField(err); ok {
			dup := &identity.ValidationError{}
			dup.Add(field, "already taken")
			writeValidation(w, dup)
			return
		}
		if identity.IsInvalidInput(err) {
			writeError(w, http.StatusBadRequest, "validation_failed", "validation failed")
			return
		}
		h.writeStoreError(w, "auth.register.create", err)
		return
	}

	h.auditRegistered(ctx, acct.ID, ClientIP(r, h.cfg.TrustProxy), r.UserAgent())
	writeJSON(w, http.StatusOK, accountEnvelope{Account: toAccountResponse(acct)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	key := strings.TrimSpace(req.Email)
	ve := &identity.ValidationError{}
	if key == "" {
		ve.Add("email", "required")
	}
	if req.Password == "" {
		ve.Add("password", "required")
	}
	if ve.Err() != nil {
		writeValidation(w, ve)
		return
	}

	ctx := r.Context()
	ip := ClientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()
	identifier := identity.NormalizeEmail(key)

	decision, err := h.limiter.Check(ctx, identifier, ipString(ip))
	if err != nil {
		h.log.Error("auth.login.throttle.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "please retry later")
		return
	}
	if decision.Limited {
		h.auditLoginRateLimited(ctx, ip, ua, identifier, decision.RetryAfter)
		writeRateLimited(w, decision.RetryAfter)
		return
	}

	acct, err := h.accounts.FindByEmailOrHandle(ctx, key)
	if err != nil {
		if !identity.IsNotFound(err) {
			h.writeStoreError(w, "auth.login.lookup", err)
			return
		}
		// Timing resistance: perform a dummy verify when the account is missing.
		h.passwords.Burn(req.Password)
		h.recordLoginFailure(ctx, identifier, ip)
		h.auditLoginFailed(ctx, "", ip, ua, identifier, "not_found")
		writeError(w, http.StatusBadRequest, "invalid_credentials", "invalid credentials")
		return
	}

	if !h.passwords.Verify(acct, req.Password) {
		h.recordLoginFailure(ctx, identifier, ip)
		h.auditLoginFailed(ctx, acct.ID, ip, ua, identifier, "bad_password")
		writeError(w, http.StatusBadRequest, "invalid_credentials", "invalid credentials")
		return
	}

	if err := h.limiter.Reset(ctx, identifier); err != nil {
		h.log.Warn("auth.login.throttle_reset.fail", "err", err)
	}

	issued, err := h.sessions.Issue(ctx, h.clock(), acct.ID)
	if err != nil {
		h.writeSessionError(w, "auth.login.issue", err)
		return
	}

	h.auditLoginSuccess(ctx, acct.ID, ip, ua, identifier)
	writeJSON(w, http.StatusOK, toSessionResponse(issued))
}

func (h *Handler) recordLoginFailure(ctx context.Context, identifier string, ip net.IP) {
	if err := h.limiter.Fail(ctx, identifier, ipString(ip)); err != nil {
		h.log.Warn("auth.login.throttle_fail.fail", "err", err)
	}
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	ip := ClientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	issued, err := h.sessions.Rotate(ctx, h.clock(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		if errors.Is(err, session.ErrReplayDetected) {
			h.auditRefreshReuse(ctx, ip, ua)
		}
		h.writeSessionError(w, "auth.refresh", err)
		return
	}

	h.auditRefreshSuccess(ctx, issued.AccountID, ip, ua)
	writeJSON(w, http.StatusOK, toSessionResponse(issued))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	if err := h.sessions.Logout(ctx, h.clock(), strings.TrimSpace(req.RefreshToken)); err != nil {
		h.writeSessionError(w, "auth.logout", err)
		return
	}

	h.auditLogout(ctx, ClientIP(r, h.cfg.TrustProxy), r.UserAgent())
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

func (h *Handler) handleFederatedLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.provider == nil {
		writeError(w, http.StatusNotFound, "federated_disabled", "federated login is not configured")
		return
	}

	state, err := newOpaqueWebToken(32)
	if err != nil {
		h.log.Error("auth.federated.state.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.setStateCookie(w, state, h.clock())
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) handleFederatedCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.provider == nil {
		writeError(w, http.StatusNotFound, "federated_disabled", "federated login is not configured")
		return
	}

	valid := h.stateValid(r)
	h.clearStateCookie(w)
	if !valid {
		writeError(w, http.StatusBadRequest, "invalid_state", "missing or mismatched state")
		return
	}

	q := r.URL.Query()
	if reason := strings.TrimSpace(q.Get("error")); reason != "" {
		writeError(w, http.StatusBadRequest, "federated_denied", "provider returned "+reason)
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		ve := &identity.ValidationError{}
		ve.Add("code", "required")
		writeValidation(w, ve)
		return
	}

	ctx := r.Context()
	profile, err := h.provider.Exchange(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, federated.ErrProfileInvalid):
			writeError(w, http.StatusBadRequest, "profile_invalid", "provider profile cannot be used")
		default:
			h.log.Error("auth.federated.exchange.fail", "err", err, "provider", h.provider.Name())
			writeError(w, http.StatusBadGateway, "upstream_error", "identity provider failed")
		}
		return
	}

	now := h.clock()
	acct, created, err := h.resolver.Resolve(ctx, profile, now)
	if err != nil {
		if errors.Is(err, federated.ErrProfileInvalid) {
			writeError(w, http.StatusBadRequest, "profile_invalid", "provider profile cannot be used")
			return
		}
		h.writeSessionError(w, "auth.federated.resolve", err)
		return
	}

	issued, err := h.sessions.Issue(ctx, now, acct.ID)
	if err != nil {
		h.writeSessionError(w, "auth.federated.issue", err)
		return
	}

	h.auditFederatedLogin(ctx, acct.ID, profile.Provider, created, ClientIP(r, h.cfg.TrustProxy), r.UserAgent())
	writeJSON(w, http.StatusOK, federatedResponse{
		sessionResponse: toSessionResponse(issued),
		Created:         created,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	acct, err := h.accounts.LoadByID(r.Context(), claims.Subject)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "account not found")
			return
		}
		h.writeStoreError(w, "auth.me.load", err)
		return
	}

	writeJSON(w, http.StatusOK, accountEnvelope{Account: toAccountResponse(acct)})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.Claims, bool) {
	token := BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.Claims{}, false
	}
	claims, err := h.sessions.ValidateAccess(token, h.clock())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.Claims{}, false
	}
	return claims, true
}

// writeSessionError maps the session error taxonomy onto responses. All
// verification failures, replays included, look identical to the caller.
func (h *Handler) writeSessionError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid_token", "invalid token")
	case errors.Is(err, session.ErrConfig):
		h.log.Error(event+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_misconfigured", "server misconfigured")
	case errors.Is(err, session.ErrUpstream):
		h.log.Error(event+".fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "please retry later")
	default:
		h.log.Error(event+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, event string, err error) {
	h.log.Error(event+".fail", "err", err)
	writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "please retry later")
}
