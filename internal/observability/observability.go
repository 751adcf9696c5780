// Package observability wires logging, Prometheus metrics and OpenTelemetry
// tracing for arc-nosql processes.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ObsConfig is the config subset needed by the observability package.
type ObsConfig struct {
	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
	OTLPProtocol string
	// MetricsAddr enables the /metrics and /health listener when set.
	MetricsAddr    string
	ServiceName    string
	ServiceVersion string
}

// Observability is the per-process telemetry bundle.
type Observability struct {
	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider

	shutdown ShutdownCoordinator
}

// New sets up logging first so later failures are logged with the
// configured handler.
func New(ctx context.Context, cfg ObsConfig, w io.Writer) (*Observability, error) {
	o := &Observability{
		Logger:         SetupLogger(cfg.LogLevel, cfg.LogFormat, w),
		Metrics:        NewMetrics(),
		TracerProvider: tracenoop.NewTracerProvider(),
	}

	if cfg.OTLPEndpoint == "" {
		o.Logger.DebugContext(ctx, "tracing disabled", "reason", "no otlp_endpoint")
	} else {
		tp, sdkTP, err := InitTracer(ctx, TracerConfig{
			Endpoint:       cfg.OTLPEndpoint,
			Protocol:       cfg.OTLPProtocol,
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		o.TracerProvider = tp
		o.shutdown.Register("tracer", sdkTP.Shutdown)
	}

	if cfg.MetricsAddr != "" {
		if _, err := o.ServeMetrics(cfg.MetricsAddr); err != nil {
			return nil, errors.Join(err, o.Close(ctx))
		}
	}
	return o, nil
}

// Close flushes traces and stops the metrics listener.
func (o *Observability) Close(ctx context.Context) error {
	return o.shutdown.Shutdown(ctx)
}

// Handler serves /metrics from the process registry and a /health probe.
func (o *Observability) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})
	return mux
}

// ServeMetrics listens on addr and serves Handler in the background. The
// listener is bound before returning, so a busy port is an error here
// rather than a log line later. The server stops on Close.
func (o *Observability) ServeMetrics(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: o.Handler()}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.Logger.Error("metrics server stopped", "error", err)
		}
	}()
	o.Logger.Info("serving metrics", "addr", ln.Addr().String())
	o.shutdown.Register("metrics", srv.Shutdown)
	return ln.Addr(), nil
}
