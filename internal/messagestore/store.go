// Package messagestore stores content-addressed messages per tenant with
// caller-declared indexes, and answers filtered, sorted, paginated queries
// over them.
package messagestore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gezibash/arc-nosql/internal/blobstore"
	"github.com/gezibash/arc-nosql/internal/engine"
	"github.com/gezibash/arc-nosql/internal/observability"
	"github.com/gezibash/arc-nosql/internal/table"
	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
	"github.com/gezibash/arc-nosql/pkg/logging"
	"github.com/gezibash/arc-nosql/pkg/query"
)

// Message is a stored message.
type Message struct {
	CID string

	// Payload is the encoded message.
	Payload []byte

	// InlinePayload is small record data kept next to the message.
	InlinePayload string

	// Indexes holds the indexes the message was stored with, in their
	// stored string form. Set on read.
	Indexes query.Indexes
}

// QueryResult is one page of messages.
type QueryResult struct {
	Messages []*Message

	// Cursor resumes after the last message. Empty when no more match.
	Cursor query.Cursor
}

// Options configures a Store.
type Options struct {
	// Table defaults to DefaultTable.
	Table string

	// Payloads longer than InlineLimit bytes are written to Blobs instead
	// of the table item. Zero keeps every payload inline.
	InlineLimit int
	Blobs       *blobstore.BlobStore

	Metrics *observability.Metrics
}

// Store is the message store. It owns its backend and blob store.
type Store struct {
	backend     table.Backend
	blobs       *blobstore.BlobStore
	schema      table.Schema
	inlineLimit int
	metrics     *observability.Metrics
	pager       *engine.Paginator
	log         *logging.Logger
	life        engine.Lifecycle
}

// New creates a message store on backend. Call Open before use.
func New(backend table.Backend, opts Options) *Store {
	name := opts.Table
	if name == "" {
		name = DefaultTable
	}
	return &Store{
		backend:     backend,
		blobs:       opts.Blobs,
		schema:      Schema(name),
		inlineLimit: opts.InlineLimit,
		metrics:     opts.Metrics,
		pager:       &engine.Paginator{Backend: backend, Metrics: opts.Metrics},
		log:         logging.New(nil).WithComponent("messagestore").WithTable(name),
	}
}

// Open provisions the table if needed.
func (s *Store) Open(ctx context.Context) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "messagestore.open")
	defer func() { op.End(err) }()

	if err = s.backend.EnsureTable(ctx, s.schema); err != nil {
		return nosqlerrors.Provider("ensure table", err)
	}
	s.life.Opened()
	s.log.InfoContext(ctx, "message store opened", "spill", s.blobs != nil && s.inlineLimit > 0)
	return nil
}

// Close releases the backend and blob store, whether or not Open ran.
// Later calls are no-ops.
func (s *Store) Close() error {
	if !s.life.Closing() {
		return nil
	}
	err := s.backend.Close()
	if s.blobs != nil {
		err = errors.Join(err, s.blobs.Close())
	}
	s.log.Info("message store closed")
	return err
}

// Put stores msg for tenant with the given indexes, replacing any message
// with the same CID. For each sortable property present in indexes the
// derived sort attribute is written too.
func (s *Store) Put(ctx context.Context, tenant string, msg *Message, indexes query.Indexes) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "messagestore.put")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return err
	}
	if tenant == "" || msg == nil || msg.CID == "" {
		return fmt.Errorf("%w: tenant and message cid are required", nosqlerrors.ErrInvalidInput)
	}

	item, err := engine.EncodeIndexes(indexes, owned)
	if err != nil {
		return err
	}
	item[attrTenant] = tenant
	item[attrCID] = msg.CID
	for _, p := range sortProperties {
		if v, ok := item.String(engine.EncodeName(p)); ok {
			item[engine.SortAttr(p)] = engine.SortKey(v, msg.CID)
		}
	}
	if msg.InlinePayload != "" {
		item[attrInline] = msg.InlinePayload
	}

	var prior string
	if s.blobs != nil {
		if prior, err = s.storedRef(ctx, tenant, msg.CID); err != nil {
			return err
		}
	}

	var ref string
	spilled := s.blobs != nil && s.inlineLimit > 0 && len(msg.Payload) > s.inlineLimit
	if spilled {
		ref = blobKey(tenant, msg.CID)
		if err = s.blobs.Store(ctx, ref, msg.Payload); err != nil {
			return err
		}
		item[attrRef] = ref
		item[attrDigest] = blobstore.Digest(msg.Payload)
	} else {
		payload := msg.Payload
		if payload == nil {
			payload = []byte{}
		}
		item[attrPayload] = payload
	}

	if err = s.backend.PutItem(ctx, s.schema.Table, item, nil); err != nil {
		if spilled && ref != prior {
			s.dropBlob(ctx, ref)
		}
		return nosqlerrors.Provider("put", err)
	}
	if prior != "" && prior != ref {
		s.dropBlob(ctx, prior)
	}
	s.log.WithTenant(tenant).DebugContext(ctx, "message stored", "cid", msg.CID, "indexes", len(indexes), "spilled", spilled)
	return nosqlerrors.Checkpoint(ctx)
}

// Get returns the message with cid, or nil if there is none.
func (s *Store) Get(ctx context.Context, tenant, cid string) (msg *Message, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "messagestore.get")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return nil, err
	}
	item, err := s.backend.GetItem(ctx, s.schema.Table, table.Key{attrTenant: tenant, attrCID: cid})
	if errors.Is(err, table.ErrNotFound) {
		return nil, nosqlerrors.Checkpoint(ctx)
	}
	if err != nil {
		return nil, nosqlerrors.Provider("get", err)
	}
	if err = nosqlerrors.Checkpoint(ctx); err != nil {
		return nil, err
	}
	return s.decode(ctx, item)
}

// Query returns tenant's messages matching any of filters, in the order
// given by sort, a page at a time. An empty sort means messageTimestamp
// ascending. Messages lacking the sort property are never returned.
func (s *Store) Query(ctx context.Context, tenant string, filters []query.Filter, sort query.Sort, page query.Pagination) (result *QueryResult, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "messagestore.query")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return nil, err
	}
	if page.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", nosqlerrors.ErrInvalidInput)
	}
	property, descending, err := resolveSort(sort)
	if err != nil {
		return nil, err
	}
	sortAttr := engine.SortAttr(property)

	compiled, err := engine.Compile(filters, engine.CompileOptions{
		Partition:   tenant,
		SortAttr:    property,
		SortKeyAttr: sortAttr,
	})
	if err != nil {
		return nil, err
	}
	if compiled.Empty {
		return &QueryResult{}, nil
	}

	start, err := engine.DecodeCursor(page.Cursor, attrTenant, attrCID, sortAttr)
	if err != nil {
		return nil, err
	}
	if start != nil && start[attrTenant] != tenant {
		return nil, fmt.Errorf("%w: cursor belongs to another tenant", nosqlerrors.ErrInvalidCursor)
	}

	res, err := s.pager.Run(ctx, &engine.PageRequest{
		Query: table.QueryInput{
			Table:        s.schema.Table,
			Index:        property,
			KeyCondition: compiled.KeyCondition,
			Filter:       compiled.Native,
			Descending:   descending,
			StartKey:     start,
		},
		Match:       compiled.Match,
		Groups:      compiled.Groups(),
		Limit:       page.Limit,
		CursorAttrs: []string{attrTenant, attrCID, sortAttr},
	})
	if err != nil {
		return nil, err
	}

	result = &QueryResult{Messages: make([]*Message, 0, len(res.Items))}
	for _, item := range res.Items {
		msg, err := s.decode(ctx, item)
		if err != nil {
			return nil, err
		}
		result.Messages = append(result.Messages, msg)
	}
	if res.Next != nil {
		if result.Cursor, err = engine.EncodeCursor(res.Next); err != nil {
			return nil, err
		}
	}
	s.log.WithTenant(tenant).DebugContext(ctx, "messages queried",
		"sort", property, "descending", descending, "groups", compiled.Groups(),
		"results", len(result.Messages), "more", result.Cursor != "")
	return result, nil
}

// Delete removes the message with cid and any spilled payload. Deleting an
// absent message is not an error.
func (s *Store) Delete(ctx context.Context, tenant, cid string) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "messagestore.delete")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return err
	}
	key := table.Key{attrTenant: tenant, attrCID: cid}
	item, err := s.backend.GetItem(ctx, s.schema.Table, key)
	if errors.Is(err, table.ErrNotFound) {
		return nosqlerrors.Checkpoint(ctx)
	}
	if err != nil {
		return nosqlerrors.Provider("get", err)
	}
	if err = s.backend.DeleteItem(ctx, s.schema.Table, key); err != nil {
		return nosqlerrors.Provider("delete", err)
	}
	if err = s.deleteBlob(ctx, item); err != nil {
		return err
	}
	return nosqlerrors.Checkpoint(ctx)
}

// Clear deletes every message of every tenant.
func (s *Store) Clear(ctx context.Context) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "messagestore.clear")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return err
	}
	n, err := engine.Erase(ctx, s.backend, &s.schema, s.deleteBlob)
	if err != nil {
		return fmt.Errorf("clear after %d messages: %w", n, err)
	}
	s.log.InfoContext(ctx, "message store cleared", "deleted", n)
	return nil
}

func (s *Store) decode(ctx context.Context, item table.Item) (*Message, error) {
	msg := &Message{Indexes: engine.DecodeIndexes(item, owned)}
	msg.CID, _ = item.String(attrCID)
	msg.InlinePayload, _ = item.String(attrInline)

	ref, spilled := item.String(attrRef)
	if !spilled {
		msg.Payload, _ = item.Bytes(attrPayload)
		return msg, nil
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("message %s: payload stored in blob %s but no blob store is configured", msg.CID, ref)
	}
	digest, _ := item.Bytes(attrDigest)
	payload, err := s.blobs.Fetch(ctx, ref, digest)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.CID, err)
	}
	msg.Payload = payload
	return msg, nil
}

func (s *Store) deleteBlob(ctx context.Context, item table.Item) error {
	ref, ok := item.String(attrRef)
	if !ok || s.blobs == nil {
		return nil
	}
	return s.blobs.Delete(ctx, ref)
}

// storedRef returns the blob the stored message with cid points at, if any.
func (s *Store) storedRef(ctx context.Context, tenant, cid string) (string, error) {
	item, err := s.backend.GetItem(ctx, s.schema.Table, table.Key{attrTenant: tenant, attrCID: cid})
	if errors.Is(err, table.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", nosqlerrors.Provider("get", err)
	}
	ref, _ := item.String(attrRef)
	return ref, nil
}

// dropBlob removes a blob no item references any more. The put's outcome
// stands either way, so failure is only logged.
func (s *Store) dropBlob(ctx context.Context, ref string) {
	if err := s.blobs.Delete(ctx, ref); err != nil {
		s.log.WarnContext(ctx, "orphaned payload blob", "ref", ref, "error", err)
	}
}

func blobKey(tenant, cid string) string {
	return tenant + "/" + cid
}

func resolveSort(sort query.Sort) (property string, descending bool, err error) {
	property = sort.Property
	if property == "" {
		property = SortMessageTimestamp
	}
	if !slices.Contains(sortProperties, property) {
		return "", false, fmt.Errorf("%w: unsupported sort property %q", nosqlerrors.ErrInvalidInput, sort.Property)
	}
	switch sort.Direction {
	case 0, query.Ascending:
		return property, false, nil
	case query.Descending:
		return property, true, nil
	}
	return "", false, fmt.Errorf("%w: unsupported sort direction %d", nosqlerrors.ErrInvalidInput, int(sort.Direction))
}
