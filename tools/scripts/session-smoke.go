// Package main is a CI-friendly smoke test for a running murmur server.
//
// It validates:
//   - register + login over REST
//   - session event stream handshake and hello.ack
//   - refresh rotation
//   - replay of a rotated refresh token revokes every session, pushes
//     session.revoked and closes the stream with 4001
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/coder/websocket"
	"github.com/spf13/pflag"
)

const (
	subprotocol          = "murmur.sessions.v1"
	statusSessionRevoked = websocket.StatusCode(4001)
	maxReadBytes         = 1 << 20
)

type envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

type session struct {
	AccountID    string `json:"accountId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	var (
		baseURL = pflag.String("url", "http://127.0.0.1:8080", "server base URL")
		origin  = pflag.String("origin", "http://localhost", "Origin header for the event stream handshake")
		timeout = pflag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	base, err := validateBaseURL(*baseURL)
	if err != nil {
		fatalf("invalid --url: %v", err)
	}
	client := &http.Client{Timeout: *timeout}

	handle := strings.ToLower(gofakeit.Username()) + fmt.Sprint(time.Now().UnixNano()%100000)
	email := handle + "@smoke.example.com"
	pw := gofakeit.Password(true, true, true, false, false, 20)

	mustPost(client, base+"/auth/register", map[string]string{"handle": handle, "email": email, "password": pw}, http.StatusOK, nil)

	var a, b session
	mustPost(client, base+"/auth/login", map[string]string{"email": email, "password": pw}, http.StatusOK, &a)
	mustPost(client, base+"/auth/login", map[string]string{"email": handle, "password": pw}, http.StatusOK, &b)
	if a.AccountID == "" || a.AccountID != b.AccountID {
		fatalf("login returned mismatched accounts: %q vs %q", a.AccountID, b.AccountID)
	}
	if *verbose {
		fmt.Printf("account=%s handle=%s\n", a.AccountID, handle)
	}

	conn := mustConnect(context.Background(), base, *origin, b.AccessToken, *timeout)
	defer func() { _ = conn.CloseNow() }()

	ack := mustRead(conn, *timeout)
	if ack.Type != "hello.ack" {
		fatalf("first frame: got=%q want=hello.ack", ack.Type)
	}

	var rotated session
	mustPost(client, base+"/auth/refresh", map[string]string{"refreshToken": a.RefreshToken}, http.StatusOK, &rotated)
	if rotated.RefreshToken == a.RefreshToken {
		fatalf("refresh did not rotate the token")
	}

	code := mustPostError(client, base+"/auth/refresh", map[string]string{"refreshToken": a.RefreshToken})
	if code != "invalid_token" {
		fatalf("replay: got code=%q want invalid_token", code)
	}

	ev := mustRead(conn, *timeout)
	if ev.Type != "session.revoked" {
		fatalf("after replay: got=%q want=session.revoked", ev.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != statusSessionRevoked {
		fatalf("close status: got=%v want=%v (err=%v)", got, statusSessionRevoked, err)
	}

	if code := mustPostError(client, base+"/auth/refresh", map[string]string{"refreshToken": rotated.RefreshToken}); code != "invalid_token" {
		fatalf("post-revoke refresh: got code=%q want invalid_token", code)
	}

	fmt.Printf("OK: account=%s revoked-on-replay close=%d\n", a.AccountID, statusSessionRevoked)
}

func validateBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func mustConnect(parent context.Context, base, origin, accessToken string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/auth/events"
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustRead(conn *websocket.Conn, stepTimeout time.Duration) envelope {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("bad json %q: %v", data, err)
	}
	return env
}

func post(client *http.Client, target string, body any) (*http.Response, []byte) {
	raw, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	resp, err := client.Post(target, "application/json", bytes.NewReader(raw))
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s: %v", target, err)
	}
	return resp, data
}

func mustPost(client *http.Client, target string, body any, wantStatus int, out any) {
	resp, data := post(client, target, body)
	if resp.StatusCode != wantStatus {
		fatalf("POST %s: status=%d want=%d body=%s", target, resp.StatusCode, wantStatus, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fatalf("POST %s: decode: %v", target, err)
		}
	}
}

func mustPostError(client *http.Client, target string, body any) string {
	resp, data := post(client, target, body)
	if resp.StatusCode < 400 {
		fatalf("POST %s: expected failure, got status=%d", target, resp.StatusCode)
	}
	var e apiError
	if err := json.Unmarshal(data, &e); err != nil {
		fatalf("POST %s: decode error body: %v", target, err)
	}
	return e.Error.Code
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
