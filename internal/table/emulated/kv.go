// Package emulated implements table.Backend on top of an ordered,
// transactional key-value store. Tables, secondary indexes and continuation
// keys are laid out as order-preserving byte keys so that every driver
// (memory, badger, sqlite, redis) gets the same query semantics as the
// managed service.
package emulated

import "context"

// Reader reads from a consistent snapshot.
type Reader interface {
	// Get returns the value stored under key, or nil if absent.
	Get(key []byte) ([]byte, error)

	// Iterate visits keys with the given prefix in order. Forward iteration
	// starts at the first key >= from; reverse iteration starts at the last
	// key <= from. A nil from starts at the edge of the prefix. Iteration
	// stops when fn returns false or an error.
	Iterate(prefix, from []byte, reverse bool, fn func(key, value []byte) (bool, error)) error
}

// Txn is a read-write transaction.
type Txn interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}

// KV is the driver interface. Update must be serializable with respect to
// other Update calls; drivers retry internal conflicts themselves.
type KV interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, fn func(tx Txn) error) error
	Close() error
}
