package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
	"github.com/gezibash/arc-nosql/pkg/logging"
)

// Operation is one store call: a span, the operation meters and a debug
// log line on completion. A nil *Metrics disables the meters.
type Operation struct {
	ctx     context.Context
	name    string
	span    trace.Span
	metrics *Metrics
	began   time.Time
}

// StartOperation opens a span named name and marks the operation in flight.
// Callers defer End with their named error result.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	if m != nil {
		m.OperationsInFlight.WithLabelValues(name).Inc()
	}
	return &Operation{ctx: ctx, name: name, span: span, metrics: m, began: time.Now()}, ctx
}

// End records the outcome of the operation.
func (o *Operation) End(err error) {
	elapsed := time.Since(o.began)
	status := statusOf(err)

	log := logging.New(nil).WithOp(o.name)
	switch status {
	case "ok":
		log.DebugContext(o.ctx, "operation completed", "elapsed", elapsed)
	case "aborted":
		log.DebugContext(o.ctx, "operation aborted", "elapsed", elapsed, "error", err)
	default:
		log.ErrorContext(o.ctx, "operation failed", "elapsed", elapsed, "error", err)
	}
	EndSpan(o.span, err)

	if o.metrics == nil {
		return
	}
	o.metrics.OperationsInFlight.WithLabelValues(o.name).Dec()
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(elapsed.Seconds())
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
	if err != nil {
		o.metrics.ErrorsTotal.WithLabelValues(o.name, ErrorKind(err)).Inc()
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, nosqlerrors.ErrAborted):
		return "aborted"
	}
	return "error"
}

// ErrorKind classifies err for the errors_total metric.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, nosqlerrors.ErrAborted):
		return "aborted"
	case errors.Is(err, nosqlerrors.ErrNotOpen):
		return "not_open"
	case errors.Is(err, nosqlerrors.ErrInvalidInput), errors.Is(err, nosqlerrors.ErrInvalidCursor):
		return "invalid"
	case nosqlerrors.IsProvider(err):
		return "provider"
	}
	return "internal"
}
