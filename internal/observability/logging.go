package observability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/trace"

	"github.com/gezibash/arc-nosql/pkg/logging"
)

// Log formats accepted by SetupLogger. FormatAuto picks pretty output on a
// terminal and text otherwise.
const (
	FormatJSON   = "json"
	FormatText   = "text"
	FormatPretty = "pretty"
	FormatAuto   = "auto"
)

// SetupLogger builds the process logger, installs it as the slog default
// and returns it. Every record carries the active span's ids.
func SetupLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logging.ParseLevel(level)}
	logger := slog.New(&SpanHandler{Handler: newHandler(format, w, opts)})
	slog.SetDefault(logger)
	return logger
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, opts)
	case FormatText:
		return slog.NewTextHandler(w, opts)
	case FormatPretty:
		return NewPrettyHandler(w, opts)
	}
	if isTerminal(w) {
		return NewPrettyHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// SpanHandler adds trace_id and span_id from the record's context.
type SpanHandler struct {
	slog.Handler
}

func (h *SpanHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *SpanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SpanHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *SpanHandler) WithGroup(name string) slog.Handler {
	return &SpanHandler{Handler: h.Handler.WithGroup(name)}
}

// PrettyHandler writes one colored line per record:
//
//	15:04:05 INF message key=value ...
type PrettyHandler struct {
	level  slog.Leveler
	w      io.Writer
	mu     *sync.Mutex
	prefix string // rendered WithAttrs fields
	group  string
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{level: slog.LevelInfo, w: w, mu: &sync.Mutex{}}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	buf.WriteString(r.Time.Format(time.TimeOnly))
	buf.WriteByte(' ')
	buf.WriteString(colorLevel(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(r.Message)
	buf.WriteString(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) appendAttr(buf *bytes.Buffer, a slog.Attr) {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	fmt.Fprintf(buf, " %s=%v", key, a.Value)
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var buf bytes.Buffer
	buf.WriteString(h.prefix)
	for _, a := range attrs {
		h.appendAttr(&buf, a)
	}
	clone := *h
	clone.prefix = buf.String()
	return &clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group += "." + name
	}
	return &clone
}

var levelLabels = []struct {
	min   slog.Level
	label string
}{
	{slog.LevelError, "\033[31mERR\033[0m"},
	{slog.LevelWarn, "\033[33mWRN\033[0m"},
	{slog.LevelInfo, "\033[36mINF\033[0m"},
}

func colorLevel(l slog.Level) string {
	for _, ll := range levelLabels {
		if l >= ll.min {
			return ll.label
		}
	}
	return "\033[90mDBG\033[0m"
}
