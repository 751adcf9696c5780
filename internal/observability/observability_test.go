package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
)

// recordSpans installs an in-memory tracer provider for the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

// keepDefaultLogger restores slog.Default after tests that call SetupLogger.
func keepDefaultLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestShutdownRunsInReverse(t *testing.T) {
	var sc ShutdownCoordinator
	var order []string
	for _, name := range []string{"table", "blob", "tracer"} {
		sc.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := strings.Join(order, ","); got != "tracer,blob,table" {
		t.Fatalf("order = %s", got)
	}
}

func TestShutdownJoinsErrors(t *testing.T) {
	var sc ShutdownCoordinator
	errFlush := errors.New("flush failed")
	ran := false
	sc.Register("first", func(context.Context) error { ran = true; return nil })
	sc.Register("tracer", func(context.Context) error { return errFlush })

	err := sc.Shutdown(context.Background())
	if !errors.Is(err, errFlush) {
		t.Fatalf("err = %v, want %v", err, errFlush)
	}
	if !strings.Contains(err.Error(), "tracer: flush failed") {
		t.Errorf("err = %q, want component prefix", err)
	}
	if !ran {
		t.Error("a failing handler stopped the remaining ones")
	}

	var empty ShutdownCoordinator
	if err := empty.Shutdown(context.Background()); err != nil {
		t.Errorf("empty Shutdown = %v", err)
	}
}

func TestSetupLoggerFormats(t *testing.T) {
	keepDefaultLogger(t)
	tests := []struct {
		format string
		check  func(string) bool
	}{
		{FormatJSON, func(s string) bool { return json.Valid([]byte(strings.TrimSpace(s))) }},
		{FormatText, func(s string) bool { return strings.Contains(s, `msg="table ready"`) }},
		{FormatPretty, func(s string) bool { return strings.Contains(s, "\033[36mINF\033[0m table ready") }},
		{FormatAuto, func(s string) bool { return strings.Contains(s, `msg="table ready"`) && !strings.Contains(s, "\033[") }},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger("info", tt.format, &buf)
			logger.Info("table ready", "table", "events")
			if !tt.check(buf.String()) {
				t.Fatalf("unexpected %s output: %q", tt.format, buf.String())
			}
			if slog.Default() != logger {
				t.Error("logger not installed as default")
			}
		})
	}
}

func TestSetupLoggerLevel(t *testing.T) {
	keepDefaultLogger(t)
	var buf bytes.Buffer
	logger := SetupLogger("warn", FormatText, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("level not applied: %q", buf.String())
	}
}

func TestSpanHandlerAddsIDs(t *testing.T) {
	recordSpans(t)
	var buf bytes.Buffer
	logger := slog.New(&SpanHandler{Handler: slog.NewJSONHandler(&buf, nil)}).
		With("table", "events").WithGroup("req")

	ctx, span := StartSpan(context.Background(), "eventlog.append")
	logger.InfoContext(ctx, "appended")
	span.End()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	group, _ := rec["req"].(map[string]any)
	if group["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", group["trace_id"], span.SpanContext().TraceID())
	}
	if group["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v", group["span_id"])
	}
	if rec["table"] != "events" {
		t.Errorf("table = %v", rec["table"])
	}

	buf.Reset()
	logger.Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("trace_id without a span: %s", buf.String())
	}
}

func TestPrettyHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(h).With("table", "tasks").WithGroup("lease").WithGroup("grab")

	logger.Debug("leased", "count", 3)
	line := buf.String()
	for _, want := range []string{"\033[90mDBG\033[0m leased", " table=tasks", " lease.grab.count=3"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Errorf("want exactly one line, got %q", line)
	}
	if h.WithGroup("") != slog.Handler(h) {
		t.Error("empty group should return the handler itself")
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	ctx := context.Background()
	def := NewPrettyHandler(io.Discard, nil)
	if def.Enabled(ctx, slog.LevelDebug) || !def.Enabled(ctx, slog.LevelInfo) {
		t.Error("default level should be info")
	}
	errOnly := NewPrettyHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	if errOnly.Enabled(ctx, slog.LevelWarn) || !errOnly.Enabled(ctx, slog.LevelError) {
		t.Error("error level not honored")
	}
}

func TestColorLevel(t *testing.T) {
	tests := map[slog.Level]string{
		slog.LevelDebug:     "DBG",
		slog.LevelInfo:      "INF",
		slog.LevelInfo + 2:  "INF",
		slog.LevelWarn:      "WRN",
		slog.LevelError:     "ERR",
		slog.LevelError + 4: "ERR",
	}
	for lvl, want := range tests {
		if got := colorLevel(lvl); !strings.Contains(got, want) {
			t.Errorf("colorLevel(%v) = %q, want %s", lvl, got, want)
		}
	}
}

func TestOperationMetrics(t *testing.T) {
	rec := recordSpans(t)
	m := NewMetrics()

	op, ctx := StartOperation(context.Background(), m, "messagestore.put", attribute.String("tenant", "alice"))
	if !trace.SpanContextFromContext(ctx).IsValid() {
		t.Fatal("operation context carries no span")
	}
	if got := testutil.ToFloat64(m.OperationsInFlight.WithLabelValues("messagestore.put")); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
	op.End(nil)

	if got := testutil.ToFloat64(m.OperationsInFlight.WithLabelValues("messagestore.put")); got != 0 {
		t.Errorf("in flight after End = %v", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("messagestore.put", "ok")); got != 1 {
		t.Errorf("ok total = %v", got)
	}
	if n := testutil.CollectAndCount(m.OperationDuration); n != 1 {
		t.Errorf("duration series = %d", n)
	}

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "messagestore.put" {
		t.Fatalf("spans = %v", ended)
	}
	if attrs := ended[0].Attributes(); len(attrs) != 1 || attrs[0].Value.AsString() != "alice" {
		t.Errorf("span attributes = %v", attrs)
	}
}

func TestOperationFailureStatus(t *testing.T) {
	recordSpans(t)
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "eventlog.query")
	op.End(nosqlerrors.Provider("query", errors.New("throttled")))

	op, _ = StartOperation(context.Background(), m, "eventlog.query")
	op.End(fmt.Errorf("%w: %w", nosqlerrors.ErrAborted, context.Canceled))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("eventlog.query", "error")); got != 1 {
		t.Errorf("error total = %v", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("eventlog.query", "aborted")); got != 1 {
		t.Errorf("aborted total = %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("eventlog.query", "provider")); got != 1 {
		t.Errorf("provider errors = %v", got)
	}

	op, _ = StartOperation(context.Background(), nil, "taskstore.grab")
	op.End(errors.New("boom"))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", nosqlerrors.ErrAborted), "aborted"},
		{nosqlerrors.ErrNotOpen, "not_open"},
		{nosqlerrors.ErrInvalidCursor, "invalid"},
		{fmt.Errorf("%w: bad tenant", nosqlerrors.ErrInvalidInput), "invalid"},
		{nosqlerrors.Provider("put", errors.New("x")), "provider"},
		{errors.New("other"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestObserveScanAndChunks(t *testing.T) {
	m := NewMetrics()
	m.ObserveScan("events", 10, 4)
	m.ObserveScan("events", 3, 3)
	m.ObserveChunk("events", nil)
	m.ObserveChunk("events", errors.New("fail"))

	if got := testutil.ToFloat64(m.ItemsScanned.WithLabelValues("events")); got != 13 {
		t.Errorf("scanned = %v, want 13", got)
	}
	if got := testutil.ToFloat64(m.ItemsFiltered.WithLabelValues("events")); got != 6 {
		t.Errorf("filtered = %v, want 6", got)
	}
	if got := testutil.ToFloat64(m.BatchChunks.WithLabelValues("events", "ok")); got != 1 {
		t.Errorf("ok chunks = %v", got)
	}
	if got := testutil.ToFloat64(m.BatchChunks.WithLabelValues("events", "error")); got != 1 {
		t.Errorf("error chunks = %v", got)
	}

	var disabled *Metrics
	disabled.ObserveScan("events", 1, 0)
	disabled.ObserveChunk("events", nil)
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test helper
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestHandler(t *testing.T) {
	keepDefaultLogger(t)
	obs, err := New(context.Background(), ObsConfig{LogLevel: "error", LogFormat: FormatText}, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = obs.Close(context.Background()) })
	obs.Metrics.ObserveScan("messages", 2, 1)

	srv := httptest.NewServer(obs.Handler())
	t.Cleanup(srv.Close)

	if body := get(t, srv.URL+"/health"); body != "OK" {
		t.Errorf("/health = %q", body)
	}
	if body := get(t, srv.URL+"/metrics"); !strings.Contains(body, `arc_nosql_items_scanned_total{table="messages"} 2`) {
		t.Errorf("/metrics missing scan counter:\n%s", body)
	}
}

func TestServeMetricsUntilClose(t *testing.T) {
	keepDefaultLogger(t)
	obs, err := New(context.Background(), ObsConfig{LogLevel: "error", LogFormat: FormatText}, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, err := obs.ServeMetrics("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ServeMetrics: %v", err)
	}
	if got := get(t, "http://"+addr.String()+"/health"); got != "OK" {
		t.Fatalf("/health = %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := obs.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if conn, err := net.DialTimeout("tcp", addr.String(), time.Second); err == nil {
		_ = conn.Close()
		t.Error("metrics listener still accepting after Close")
	}
}

func TestNewMetricsAddrInUse(t *testing.T) {
	keepDefaultLogger(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	_, err = New(context.Background(), ObsConfig{
		LogLevel:    "error",
		LogFormat:   FormatText,
		MetricsAddr: ln.Addr().String(),
	}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "metrics listener") {
		t.Fatalf("err = %v, want metrics listener error", err)
	}
}

func TestNewWithOTLP(t *testing.T) {
	keepDefaultLogger(t)
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	for _, proto := range []string{"http", "grpc"} {
		t.Run(proto, func(t *testing.T) {
			obs, err := New(context.Background(), ObsConfig{
				LogLevel:       "error",
				LogFormat:      FormatText,
				OTLPEndpoint:   "127.0.0.1:1",
				OTLPProtocol:   proto,
				ServiceName:    "arc-nosql-test",
				ServiceVersion: "test",
			}, io.Discard)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, ok := obs.TracerProvider.(*sdktrace.TracerProvider); !ok {
				t.Fatalf("TracerProvider = %T, want sdk provider", obs.TracerProvider)
			}
			// No spans were recorded, so shutdown exports nothing.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := obs.Close(ctx); err != nil {
				t.Fatalf("Close: %v", err)
			}
		})
	}
}

func TestInitTracerUnknownProtocol(t *testing.T) {
	_, _, err := InitTracer(context.Background(), TracerConfig{Endpoint: "127.0.0.1:1", Protocol: "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("err = %v, want unknown protocol", err)
	}
}
