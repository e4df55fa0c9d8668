package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := paint(true, "INFO", color.FgBlue) + " plain " + paint(true, "ERR", color.FgRed, color.Bold)
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if in == want {
		t.Fatalf("paint(true) produced no escape codes")
	}
}

func TestPaint_DisabledIsPlain(t *testing.T) {
	t.Parallel()

	if got := paint(false, "x", color.FgRed); got != "x" {
		t.Fatalf("paint(false)=%q", got)
	}
}

func TestWrapSegments_WrapsForNarrowWidth(t *testing.T) {
	t.Parallel()

	s1 := strings.Repeat("a", 20)
	s2 := strings.Repeat("b", 20)
	s3 := strings.Repeat("c", 20)

	lines := wrapSegments(
		[]string{s1, s2, s3},
		" | ",
		60,
		"-> ",
	)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%v)", len(lines), lines)
	}
	if lines[0] != s1+" | "+s2 {
		t.Fatalf("line[0]=%q want %q", lines[0], s1+" | "+s2)
	}
	if lines[1] != "-> "+s3 {
		t.Fatalf("line[1]=%q want %q", lines[1], "-> "+s3)
	}
}

func TestWrapSegments_TruncatesLongSegment(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 80)

	lines := wrapSegments(
		[]string{long},
		" | ",
		60,
		"-> ",
	)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if visualLen(lines[0]) > 60 {
		t.Fatalf("line too wide: %q (visualLen=%d)", lines[0], visualLen(lines[0]))
	}
	if !strings.Contains(lines[0], "…") {
		t.Fatalf("expected truncation marker in %q", lines[0])
	}
}

func TestTerminalWidth_PrefersExplicitOverride(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("MURMUR_LOG_WIDTH", "88")
	t.Setenv("COLUMNS", "132")
	if got := h.terminalWidth(); got != 88 {
		t.Fatalf("terminalWidth()=%d want 88", got)
	}
}

func TestTerminalWidth_UsesColumnsWhenOverrideMissing(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("MURMUR_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "72")
	if got := h.terminalWidth(); got != 72 {
		t.Fatalf("terminalWidth()=%d want 72", got)
	}
}

func TestTerminalWidth_FallbackDefault(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("MURMUR_LOG_WIDTH", "10")
	t.Setenv("COLUMNS", "20")
	if got := h.terminalWidth(); got != 100 {
		t.Fatalf("terminalWidth()=%d want 100", got)
	}
}

func TestPrettyHandler_ColoredMatchesPlain(t *testing.T) {
	t.Setenv("MURMUR_LOG_WIDTH", "200")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	render := func(colored bool) string {
		var buf bytes.Buffer
		h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, colored).
			WithAttrs([]slog.Attr{slog.String("component", "auth")})
		rec := slog.NewRecord(at, slog.LevelWarn, "auth.login.failed", 0)
		rec.AddAttrs(slog.Int("status", 400), slog.String("path", "/auth/login"), slog.String("reason", "bad password"))
		if err := h.Handle(context.Background(), rec); err != nil {
			t.Fatalf("Handle: %v", err)
		}
		return buf.String()
	}

	plain := render(false)
	colored := render(true)

	for _, want := range []string{"lvl=[WARN]", "msg=auth.login.failed", "component=auth", "status=400", "path=/auth/login", `reason="bad password"`} {
		if !strings.Contains(plain, want) {
			t.Fatalf("plain output %q missing %q", plain, want)
		}
	}
	if colored == plain {
		t.Fatalf("colored output has no escape codes")
	}
	if stripANSI(colored) != plain {
		t.Fatalf("stripped colored output differs:\n%q\n%q", stripANSI(colored), plain)
	}
}
