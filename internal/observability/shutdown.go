package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type shutdownFunc struct {
	name string
	fn   func(context.Context) error
}

// ShutdownCoordinator runs registered cleanup in reverse registration order.
type ShutdownCoordinator struct {
	mu    sync.Mutex
	funcs []shutdownFunc
}

// Register adds a named shutdown function.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	s.funcs = append(s.funcs, shutdownFunc{name: name, fn: fn})
	s.mu.Unlock()
}

// Shutdown runs every function, last registered first, and joins their errors.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	funcs := slices.Clone(s.funcs)
	s.mu.Unlock()
	slices.Reverse(funcs)

	var errs []error
	for _, f := range funcs {
		slog.DebugContext(ctx, "shutting down", "component", f.name)
		if err := f.fn(ctx); err != nil {
			slog.ErrorContext(ctx, "shutdown failed", "component", f.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}
	return errors.Join(errs...)
}
