package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBold    = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// eventColors tints the message by its event family (the part before the
// first dot), so ws, room and message traffic are easy to tell apart.
var eventColors = map[string]string{
	"ws":       ansiCyan,
	"session":  ansiCyan,
	"room":     ansiGreen,
	"message":  ansiBlue,
	"typing":   ansiDim,
	"reaction": ansiMagenta,
	"unread":   ansiYellow,
	"http":     ansiBold,
}

// valueStyles renders well-known keys. Keys are matched after group prefixes
// are applied, so "room.duration_ms" is not restyled.
var valueStyles = map[string]func(v slog.Value) (string, string){
	"method": func(v slog.Value) (string, string) {
		m := strings.ToUpper(strings.TrimSpace(v.String()))
		switch m {
		case "GET":
			return m, ansiGreen
		case "POST", "PUT", "PATCH":
			return m, ansiYellow
		case "DELETE":
			return m, ansiRed
		}
		return m, ansiMagenta
	},
	"path": func(v slog.Value) (string, string) { return v.String(), ansiCyan },
	"status": func(v slog.Value) (string, string) {
		n, ok := asInt(v)
		if !ok {
			return v.String(), ""
		}
		return strconv.FormatInt(n, 10), httpStatusColor(n)
	},
	"duration_ms": func(v slog.Value) (string, string) {
		n, ok := asInt(v)
		if !ok {
			return v.String(), ""
		}
		switch {
		case n >= 1000:
			return strconv.FormatInt(n, 10) + "ms", ansiRed
		case n >= 250:
			return strconv.FormatInt(n, 10) + "ms", ansiYellow
		}
		return strconv.FormatInt(n, 10) + "ms", ansiDim
	},
	// Wire error codes (not_a_member, storage_unavailable, ...).
	"code": func(v slog.Value) (string, string) {
		c := v.String()
		if c == "storage_unavailable" || c == "internal" {
			return c, ansiRed
		}
		return c, ansiYellow
	},
	"close_status": func(v slog.Value) (string, string) {
		n, ok := asInt(v)
		if !ok {
			return v.String(), ""
		}
		if n == 1000 || n == 1001 {
			return strconv.FormatInt(n, 10), ansiDim
		}
		return strconv.FormatInt(n, 10), ansiYellow
	},
	"err": func(v slog.Value) (string, string) { return quote(plain(v)), ansiRed },
}

// keyAliases shortens keys whose value already carries the unit.
var keyAliases = map[string]string{"duration_ms": "duration"}

// prettyHandler renders one key=value line per record for local development.
type prettyHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool

	prefix string // joined WithGroup names plus trailing dot
	attrs  []byte // pre-rendered WithAttrs output
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, "ts="...)
	buf = append(buf, h.paint(ts.Format("15:04:05.000"), ansiDim)...)
	buf = append(buf, " lvl="...)
	buf = append(buf, h.levelTag(r.Level)...)
	buf = append(buf, " msg="...)
	buf = append(buf, h.paint(r.Message, eventColor(r.Message))...)

	if h.source && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			buf = append(buf, " src="...)
			buf = append(buf, h.paint(filepath.Base(f.File)+":"+strconv.Itoa(f.Line), ansiDim)...)
		}
	}

	buf = append(buf, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = cp.appendAttr(cp.attrs, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" || a.Equal(slog.Attr{}) {
		return buf
	}
	key = prefix + key

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, key+".", ga)
		}
		return buf
	}

	text, code := quote(plain(a.Value)), ""
	if style, ok := valueStyles[key]; ok {
		text, code = style(a.Value)
	}
	if alias, ok := keyAliases[key]; ok {
		key = alias
	}

	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	return append(buf, h.paint(text, code)...)
}

func (h *prettyHandler) paint(s, code string) string {
	if !h.color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func (h *prettyHandler) levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return h.paint("[ERROR]", ansiRed)
	case l >= slog.LevelWarn:
		return h.paint("[WARN]", ansiYellow)
	case l < slog.LevelInfo:
		return h.paint("[DEBUG]", ansiMagenta)
	default:
		return h.paint("[INFO]", ansiBlue)
	}
}

func eventColor(msg string) string {
	family, _, _ := strings.Cut(msg, ".")
	return eventColors[family]
}

func httpStatusColor(n int64) string {
	switch {
	case n >= 500:
		return ansiRed
	case n >= 400:
		return ansiYellow
	case n >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func plain(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindInt64, slog.KindUint64, slog.KindFloat64, slog.KindBool:
		return v.String()
	default:
		return fmt.Sprint(v.Any())
	}
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func asInt(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
	return n, err == nil
}

// stripANSI removes SGR escape sequences.
func stripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] != 'm' {
				j++
			}
			i = j
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
