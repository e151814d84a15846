package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// pathKeys are attributes holding file system paths
var pathKeys = []string{"path", "project", "root", "file", "directory", "manifest"}

// CompactHandler formats logs in a compact, readable format for console output
// Format: [LEVEL] HH:MM:SS message | key=value key=value
//
// Paths below the base directory are printed relative to it, and string lists
// are joined.
type CompactHandler struct {
	opts    slog.HandlerOptions
	mu      *sync.Mutex // shared by handlers derived with WithAttrs/WithGroup
	out     io.Writer
	baseDir string
	attrs   []slog.Attr // accumulated attributes from WithAttrs, keys already prefixed
	prefix  string      // group prefix from WithGroup, "" or ending in '.'
}

// NewCompactHandler creates a new compact console handler
func NewCompactHandler(w io.Writer, opts *slog.HandlerOptions) *CompactHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &CompactHandler{
		opts: *opts,
		mu:   &sync.Mutex{},
		out:  w,
	}
}

// WithBaseDir returns a handler printing paths below dir relative to it
func (h *CompactHandler) WithBaseDir(dir string) *CompactHandler {
	h2 := h.clone()
	if dir != "" {
		h2.baseDir = filepath.Clean(dir)
	}
	return h2
}

func (h *CompactHandler) clone() *CompactHandler {
	return &CompactHandler{
		opts:    h.opts,
		mu:      h.mu,
		out:     h.out,
		baseDir: h.baseDir,
		attrs:   slices.Clone(h.attrs),
		prefix:  h.prefix,
	}
}

func (h *CompactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *CompactHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := make([]byte, 0, 1024)

	buf = append(buf, levelLabel(r.Level)...)
	buf = r.Time.AppendFormat(buf, "15:04:05")
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	// Attributes: handler-scoped first, then record attributes
	first := true
	emit := func(a slog.Attr) {
		if first {
			buf = append(buf, " |"...)
			first = false
		}
		buf = append(buf, ' ')
		buf = h.appendAttr(buf, a)
	}
	for _, a := range h.attrs {
		emit(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		for _, flat := range flatten(h.prefix, a) {
			emit(flat)
		}
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

// levelLabel returns the fixed width level column
func levelLabel(l slog.Level) string {
	switch l {
	case LevelTrace:
		return "[TRACE] "
	case slog.LevelDebug:
		return "[DEBUG] "
	case slog.LevelInfo:
		return "[INFO]  "
	case slog.LevelWarn:
		return "[WARN]  "
	case slog.LevelError:
		return "[ERROR] "
	default:
		return fmt.Sprintf("[%-5s] ", l.String())
	}
}

// flatten resolves an attribute and expands groups into dotted keys
func flatten(prefix string, a slog.Attr) []slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return nil
	}
	if a.Value.Kind() != slog.KindGroup {
		a.Key = prefix + a.Key
		return []slog.Attr{a}
	}

	inner := prefix
	if a.Key != "" {
		inner = prefix + a.Key + "."
	}
	var out []slog.Attr
	for _, ga := range a.Value.Group() {
		out = append(out, flatten(inner, ga)...)
	}
	return out
}

func (h *CompactHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	v := a.Value
	switch a.Key {
	case "requestID", "op":
		// Request and operation IDs are uuids, the first 8 chars are enough
		if s, ok := v.Any().(string); ok && len(s) > 8 {
			key := a.Key
			if key == "requestID" {
				key = "req"
			}
			return append(append(append(buf, key...), '='), s[:8]...)
		}
	case "durationMs":
		buf = append(buf, "duration="...)
		buf = append(buf, v.String()...)
		return append(buf, "ms"...)
	case "error":
		buf = append(buf, "error="...)
		return strconv.AppendQuote(buf, fmt.Sprint(v.Any()))
	}

	buf = append(buf, a.Key...)
	buf = append(buf, '=')

	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if slices.Contains(pathKeys, a.Key) {
			s = h.relative(s)
		}
		return appendString(buf, s)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	}

	if list, ok := v.Any().([]string); ok {
		items := make([]string, len(list))
		for i, s := range list {
			items[i] = h.relative(s)
		}
		return appendString(buf, "["+strings.Join(items, ",")+"]")
	}
	return appendString(buf, fmt.Sprintf("%v", v.Any()))
}

// relative shortens absolute paths below the base directory
func (h *CompactHandler) relative(p string) string {
	if h.baseDir == "" || !filepath.IsAbs(p) {
		return p
	}
	rel, err := filepath.Rel(h.baseDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

func appendString(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsAny(s, " \t\n\"=")
}

func (h *CompactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, flatten(h.prefix, a)...)
	}
	return h2
}

func (h *CompactHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.prefix = h.prefix + name + "."
	return h2
}
