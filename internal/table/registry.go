package table

import (
	"context"

	"github.com/gezibash/arc-nosql/internal/observability"
	"github.com/gezibash/arc-nosql/internal/storage"
)

// Factory opens a table backend from its merged configuration.
type Factory = storage.Factory[Backend]

var drivers = storage.NewRegistry[Backend]("table")

// Register makes a driver available under name. Drivers call it from init.
func Register(name string, factory Factory, defaults func() map[string]string) {
	drivers.Register(name, factory, defaults)
}

// New opens the named backend. config is merged over the driver defaults.
func New(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (b Backend, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "table.new")
	defer func() { op.End(err) }()
	return drivers.Open(ctx, name, config)
}

// ListBackends returns the registered driver names, sorted.
func ListBackends() []string { return drivers.Names() }

// IsRegistered reports whether a driver named name exists.
func IsRegistered(name string) bool { return drivers.Has(name) }

// DefaultConfig returns the driver's default configuration.
func DefaultConfig(name string) map[string]string { return drivers.Defaults(name) }
