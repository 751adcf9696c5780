package engine

import (
	"context"
	"sync/atomic"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
)

// Lifecycle tracks whether a store is open and whether it has been closed.
type Lifecycle struct {
	open   atomic.Bool
	closed atomic.Bool
}

// Opened marks the store open.
func (l *Lifecycle) Opened() {
	l.open.Store(true)
}

// Closing marks the store closed and reports whether this is the first
// close. It holds whether or not the store was ever opened, so owners
// release their resources exactly once.
func (l *Lifecycle) Closing() bool {
	l.open.Store(false)
	return !l.closed.Swap(true)
}

// Check returns ErrNotOpen when the store is not open and ErrAborted when
// ctx is done.
func (l *Lifecycle) Check(ctx context.Context) error {
	if !l.open.Load() {
		return nosqlerrors.ErrNotOpen
	}
	return nosqlerrors.Checkpoint(ctx)
}
