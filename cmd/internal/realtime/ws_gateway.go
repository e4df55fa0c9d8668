package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"murmur/cmd/internal/auth/session"
)

const (
	// Subprotocol is the only websocket subprotocol the gateway speaks.
	Subprotocol = "murmur.sessions.v1"

	wsDefaultSendQueueSize = 16
	wsMinSendQueueSize     = 4

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Raised on the socket after every session of the account was revoked.
	statusSessionRevoked websocket.StatusCode = 4001
)

// Authenticator validates the access token presented on upgrade.
type Authenticator interface {
	ValidateAccess(tok string, now time.Time) (session.Claims, error)
}

// GatewayConfig tunes the gateway. Zero fields take defaults.
type GatewayConfig struct {
	// DevInsecure disables websocket origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns secure defaults: an Origin is required and
// only localhost is allowed.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for session events (GET /auth/events).
//
// It authenticates the upgrade with an access token, enforces origin policy
// and subprotocol selection, keeps the connection alive with heartbeats, and
// forwards hub events for the caller's account.
type WSGateway struct {
	log  *slog.Logger
	hub  *Hub
	auth Authenticator
	cfg  GatewayConfig

	// websocket.Accept authorizes same-host origins by default; cross-origin
	// requests need OriginPatterns, derived from AllowedOrigins.
	originPatterns []string

	now func() time.Time
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, auth Authenticator, cfg GatewayConfig) (*WSGateway, error) {
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		hub:            hub,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
		now:            time.Now,
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades the request, then streams events.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	tok := accessTokenFromRequest(r)
	if tok == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := g.auth.ValidateAccess(tok, g.now().UTC())
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	now := g.now().UTC()
	connID, err := NewConnID(now)
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(claims.Subject, connID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(client.AccountID, client.ConnID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// The hello.ack is queued before joining so it is always the first frame.
	g.enqueue(ctx, client, newEnvelope(TypeHelloAck, HelloAckPayload{
		ConnID:    connID,
		AccountID: claims.Subject,
	}, now))
	g.hub.Join(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if env.Type == TypeSessionRevoked {
					shutdown(statusSessionRevoked, "sessions revoked")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := g.now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case TypePing:
			g.enqueue(ctx, client, newEnvelope(TypePong, struct{}{}, now))
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// accessTokenFromRequest reads the access token from the Authorization
// header, falling back to the access_token query parameter for browsers,
// which cannot set headers on websocket upgrades.
func accessTokenFromRequest(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw != "" {
		scheme, tok, ok := strings.Cut(raw, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(tok)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	g.enqueue(ctx, client, newEnvelope(TypeError, ErrorPayload{Code: code, Message: msg}, g.now().UTC()))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return "bad json: " + e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the hosts websocket.Accept
// matches cross-origin requests against.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
