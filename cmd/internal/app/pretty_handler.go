package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
)

type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, colored bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: colored,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	head := "ts=" + h.paint(ts.Format("15:04:05.000"), color.Faint) +
		" lvl=" + levelTag(r.Level, h.color) +
		" msg=" + h.paint(r.Message, color.Bold)

	segments := []string{head}
	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segments = append(segments, "src="+h.paint(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), color.Faint))
		}
	}

	for _, a := range h.attrs {
		segments = h.appendAttr(segments, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		segments = h.appendAttr(segments, a, "")
		return true
	})

	lines := wrapSegments(segments, " ", h.terminalWidth(), "    ")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, strings.Join(lines, "\n")+"\n")
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(segments []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segments
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segments
	}

	fullKey := key
	switch {
	case parent != "":
		fullKey = parent + "." + key
	case len(h.groups) > 0:
		fullKey = strings.Join(h.groups, ".") + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segments = h.appendAttr(segments, ga, fullKey)
		}
		return segments
	}

	return append(segments, remapPrettyKey(fullKey)+"="+h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	trimmedKey := strings.TrimSpace(key)

	switch trimmedKey {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		return h.paint(strings.TrimSpace(v.String()), color.FgCyan)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class", "class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}

	plain := valueToString(v)
	return quoteIfNeeded(plain)
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, on bool) string {
	switch {
	case level >= slog.LevelError:
		return paint(on, "[ERROR]", color.FgRed, color.Bold)
	case level >= slog.LevelWarn:
		return paint(on, "[WARN]", color.FgYellow)
	case level < slog.LevelInfo:
		return paint(on, "[DEBUG]", color.FgMagenta)
	default:
		return paint(on, "[INFO]", color.FgBlue)
	}
}

func colorizeHTTPMethod(method string, on bool) string {
	switch method {
	case "GET", "HEAD":
		return paint(on, method, color.FgGreen)
	case "POST":
		return paint(on, method, color.FgYellow)
	case "PUT", "PATCH":
		return paint(on, method, color.FgBlue)
	case "DELETE":
		return paint(on, method, color.FgRed)
	default:
		return paint(on, method, color.FgMagenta)
	}
}

func colorizeStatusCode(code int, on bool) string {
	return paintByClass(statusClass(code), strconv.Itoa(code), on)
}

func colorizeStatusClass(class string, on bool) string {
	return paintByClass(class, class, on)
}

func paintByClass(class, s string, on bool) string {
	switch class {
	case "2xx":
		return paint(on, s, color.FgGreen)
	case "3xx":
		return paint(on, s, color.FgCyan)
	case "4xx":
		return paint(on, s, color.FgYellow)
	case "5xx":
		return paint(on, s, color.FgRed, color.Bold)
	default:
		return s
	}
}

func colorizeDurationMS(ms int64, on bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(on, s, color.FgRed)
	case ms >= 250:
		return paint(on, s, color.FgYellow)
	default:
		return paint(on, s, color.Faint)
	}
}

func colorizeResult(result string, on bool) string {
	switch result {
	case "success":
		return paint(on, result, color.FgGreen)
	case "redirect":
		return paint(on, result, color.FgCyan)
	case "client_error":
		return paint(on, result, color.FgYellow)
	case "server_error":
		return paint(on, result, color.FgRed)
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func (h *prettyHandler) paint(s string, attrs ...color.Attribute) string {
	return paint(h.color, s, attrs...)
}

// paint ignores color.NoColor; the handler decides once at construction.
func paint(on bool, s string, attrs ...color.Attribute) string {
	if !on {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

const (
	defaultLogWidth = 100
	minLogWidth     = 40
)

// terminalWidth prefers MURMUR_LOG_WIDTH, then COLUMNS. Values below
// minLogWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"MURMUR_LOG_WIDTH", "COLUMNS"} {
		n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
		if err == nil && n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}

// wrapSegments packs segments into lines no wider than width. Continuation
// lines start with indent. A segment that cannot fit on a line of its own is
// cut and marked with an ellipsis.
func wrapSegments(segments []string, sep string, width int, indent string) []string {
	var (
		lines []string
		cur   strings.Builder
		curW  int
	)
	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
			cur.Reset()
			curW = 0
		}
	}

	for _, seg := range segments {
		prefix := ""
		if len(lines) > 0 {
			prefix = indent
		}
		segW := visualLen(seg)

		if curW > 0 && curW+len(sep)+segW <= width {
			cur.WriteString(sep)
			cur.WriteString(seg)
			curW += len(sep) + segW
			continue
		}
		if curW > 0 {
			flush()
			prefix = indent
		}

		room := width - utf8.RuneCountInString(prefix)
		if segW > room {
			seg = truncateVisual(seg, room)
			segW = visualLen(seg)
		}
		cur.WriteString(prefix)
		cur.WriteString(seg)
		curW = utf8.RuneCountInString(prefix) + segW
	}
	flush()
	return lines
}

func truncateVisual(s string, n int) string {
	if n <= 1 {
		return "…"
	}
	runes := []rune(stripANSI(s))
	if len(runes) <= n {
		return string(runes)
	}
	return string(runes[:n-1]) + "…"
}
