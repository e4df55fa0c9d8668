package authapi

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Audit records are structured log lines tagged audit=true. The message is
// the dotted action name.

func (h *Handler) auditRegistered(ctx context.Context, accountID string, ip net.IP, ua string) {
	h.audit(ctx, "auth.register.success", accountID, ip, ua)
}

func (h *Handler) auditLoginFailed(ctx context.Context, accountID string, ip net.IP, ua string, identifier string, reason string) {
	h.audit(ctx, "auth.login.failed", accountID, ip, ua,
		slog.String("identifier", identifier),
		slog.String("reason", reason),
	)
}

func (h *Handler) auditLoginSuccess(ctx context.Context, accountID string, ip net.IP, ua string, identifier string) {
	h.audit(ctx, "auth.login.success", accountID, ip, ua, slog.String("identifier", identifier))
}

func (h *Handler) auditLoginRateLimited(ctx context.Context, ip net.IP, ua string, identifier string, retryAfter time.Duration) {
	h.audit(ctx, "auth.login.rate_limited", "", ip, ua,
		slog.String("identifier", identifier),
		slog.Int64("retry_after_s", int64(retryAfter.Seconds())),
	)
}

func (h *Handler) auditRefreshSuccess(ctx context.Context, accountID string, ip net.IP, ua string) {
	h.audit(ctx, "auth.refresh.success", accountID, ip, ua)
}

func (h *Handler) auditRefreshReuse(ctx context.Context, ip net.IP, ua string) {
	h.audit(ctx, "auth.refresh.reuse_detected", "", ip, ua)
}

func (h *Handler) auditLogout(ctx context.Context, ip net.IP, ua string) {
	h.audit(ctx, "auth.logout", "", ip, ua)
}

func (h *Handler) auditFederatedLogin(ctx context.Context, accountID, provider string, created bool, ip net.IP, ua string) {
	h.audit(ctx, "auth.federated.success", accountID, ip, ua,
		slog.String("provider", provider),
		slog.Bool("created", created),
	)
}

func (h *Handler) audit(ctx context.Context, action string, accountID string, ip net.IP, ua string, extra ...slog.Attr) {
	if h == nil || h.log == nil {
		return
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}

	attrs := make([]slog.Attr, 0, 4+len(extra))
	attrs = append(attrs, slog.Bool("audit", true))
	if accountID != "" {
		attrs = append(attrs, slog.String("account_id", accountID))
	}
	if ip != nil {
		attrs = append(attrs, slog.String("ip", ip.String()))
	}
	if ua = strings.TrimSpace(ua); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}
	attrs = append(attrs, extra...)
	h.log.LogAttrs(ctx, slog.LevelInfo, action, attrs...)
}
