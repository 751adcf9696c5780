// Package table provides the wide-column table interface the stores are
// built on: one partition key, an optional sort key, secondary indexes with
// their own partition and sort keys, limited queries with continuation keys,
// scans and bounded batch deletes.
package table

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested item was not found.
	ErrNotFound = errors.New("item not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")

	// ErrConditionFailed indicates a conditional write did not apply.
	ErrConditionFailed = errors.New("condition check failed")

	// ErrTableNotFound indicates the table has not been provisioned.
	ErrTableNotFound = errors.New("table not found")

	// ErrBatchTooLarge indicates a batch exceeds the backend's BatchLimit.
	ErrBatchTooLarge = errors.New("batch exceeds request limit")

	// ErrUnprocessed indicates part of a batch was not applied by the service.
	ErrUnprocessed = errors.New("batch items left unprocessed")
)

// DefaultBatchLimit is the managed service's per-request write limit.
const DefaultBatchLimit = 25

// QueryInput describes a key-condition query against a table or index.
type QueryInput struct {
	Table        string
	Index        string
	KeyCondition KeyCondition
	Filter       Filter

	// Descending reverses sort key order.
	Descending bool

	// Limit bounds the number of items evaluated, before Filter is applied.
	// Zero means unbounded.
	Limit int

	// StartKey resumes after the item with this key (a previous LastKey).
	StartKey Key
}

// ScanInput describes an unordered full-table scan.
type ScanInput struct {
	Table    string
	Limit    int
	StartKey Key
}

// Page is one page of query or scan results.
type Page struct {
	Items []Item

	// LastKey is set when evaluation stopped before the end of the range.
	// For index queries it holds the table key and the index key.
	LastKey Key

	// Scanned is the number of items evaluated before filtering.
	Scanned int
}

// Backend is the physical table interface.
// All implementations must be thread-safe.
type Backend interface {
	// EnsureTable provisions the table and its indexes if absent. It is
	// idempotent and waits until the table is usable.
	EnsureTable(ctx context.Context, schema Schema) error

	// PutItem writes item, replacing any item with the same key.
	// Returns ErrConditionFailed if cond is set and does not hold.
	PutItem(ctx context.Context, table string, item Item, cond *Condition) error

	// GetItem returns the item stored under key, or ErrNotFound.
	GetItem(ctx context.Context, table string, key Key) (Item, error)

	// DeleteItem removes the item under key. Deleting an absent key is not an error.
	DeleteItem(ctx context.Context, table string, key Key) error

	// BatchDelete removes up to BatchLimit keys in one request.
	BatchDelete(ctx context.Context, table string, keys []Key) error

	// BatchLimit is the maximum number of keys per BatchDelete.
	BatchLimit() int

	// Increment atomically adds delta to the numeric attribute attr,
	// initializing it to zero when the item or attribute is absent, and
	// returns the new value.
	Increment(ctx context.Context, table string, key Key, attr string, delta int64) (int64, error)

	// Update sets the attributes in set on the item under key, creating the
	// item when absent. Key attributes cannot be set. Returns ErrConditionFailed if cond is set and does not hold.
	Update(ctx context.Context, table string, key Key, set Item, cond *Condition) error

	Query(ctx context.Context, in *QueryInput) (*Page, error)
	Scan(ctx context.Context, in *ScanInput) (*Page, error)
	Close() error
}
