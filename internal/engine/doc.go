// Package engine holds the query machinery shared by the event log, the
// message store and the task store: attribute naming and stringification,
// composite sort keys, the per-tenant sequence counter, the filter compiler,
// cursors and pagination, and chunked deletes.
package engine
