// Package eventlog records, per tenant, the order in which messages were
// accepted. Each append is stamped with a watermark from a per-tenant
// counter, and readers page through events in watermark order.
package eventlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/gezibash/arc-nosql/internal/engine"
	"github.com/gezibash/arc-nosql/internal/observability"
	"github.com/gezibash/arc-nosql/internal/table"
	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
	"github.com/gezibash/arc-nosql/pkg/logging"
	"github.com/gezibash/arc-nosql/pkg/query"
)

// DefaultTable is the table events are stored in.
const DefaultTable = "eventLog"

const (
	attrTenant    = "tenant"
	attrCID       = "messageCid"
	attrWatermark = "watermark"

	indexWatermark = "watermark"
	counterSuffix  = "_counter"
)

var owned = engine.Owned(attrTenant, attrCID, attrWatermark, engine.CounterAttr)

var cursorAttrs = []string{attrTenant, attrCID, attrWatermark}

// Schema returns the event log table definition.
func Schema(name string) table.Schema {
	return table.Schema{
		Table:     name,
		Partition: table.KeyDef{Name: attrTenant, Type: table.String},
		Sort:      &table.KeyDef{Name: attrCID, Type: table.String},
		Indexes: []table.Index{{
			Name:      indexWatermark,
			Partition: table.KeyDef{Name: attrTenant, Type: table.String},
			Sort:      table.KeyDef{Name: attrWatermark, Type: table.Number},
		}},
	}
}

// Event is one log entry.
type Event struct {
	CID       string
	Watermark int64
}

// Page is a run of events in watermark order.
type Page struct {
	Events []Event

	// Cursor resumes after the last event. It is set whenever Events is
	// non-empty, so subscribers can poll from it for later appends.
	Cursor query.Cursor
}

// CIDs returns the message ids of the page's events.
func (p *Page) CIDs() []string {
	out := make([]string, len(p.Events))
	for i, e := range p.Events {
		out[i] = e.CID
	}
	return out
}

// Options configures a Log.
type Options struct {
	// Table defaults to DefaultTable.
	Table   string
	Metrics *observability.Metrics
}

// Log is the event log. It owns its backend.
type Log struct {
	backend table.Backend
	schema  table.Schema
	counter *engine.Counter
	metrics *observability.Metrics
	pager   *engine.Paginator
	log     *logging.Logger
	life    engine.Lifecycle
}

// New creates an event log on backend. Call Open before use.
func New(backend table.Backend, opts Options) *Log {
	name := opts.Table
	if name == "" {
		name = DefaultTable
	}
	return &Log{
		backend: backend,
		schema:  Schema(name),
		counter: &engine.Counter{
			Backend:       backend,
			Table:         name,
			PartitionAttr: attrTenant,
			SortAttr:      attrCID,
		},
		metrics: opts.Metrics,
		pager:   &engine.Paginator{Backend: backend, Metrics: opts.Metrics},
		log:     logging.New(nil).WithComponent("eventlog").WithTable(name),
	}
}

// Open provisions the table if needed.
func (l *Log) Open(ctx context.Context) (err error) {
	op, ctx := observability.StartOperation(ctx, l.metrics, "eventlog.open")
	defer func() { op.End(err) }()

	if err = l.backend.EnsureTable(ctx, l.schema); err != nil {
		return nosqlerrors.Provider("ensure table", err)
	}
	l.life.Opened()
	l.log.InfoContext(ctx, "event log opened")
	return nil
}

// Close releases the backend, whether or not Open ran. Later calls are
// no-ops.
func (l *Log) Close() error {
	if !l.life.Closing() {
		return nil
	}
	l.log.Info("event log closed")
	return l.backend.Close()
}

// Append records cid for tenant with the given indexes and returns the
// watermark it was stamped with. If no watermark can be allocated nothing
// is written.
func (l *Log) Append(ctx context.Context, tenant, cid string, indexes query.Indexes) (watermark int64, err error) {
	op, ctx := observability.StartOperation(ctx, l.metrics, "eventlog.append")
	defer func() { op.End(err) }()

	if err = l.life.Check(ctx); err != nil {
		return 0, err
	}
	if tenant == "" || cid == "" {
		return 0, fmt.Errorf("%w: tenant and message cid are required", nosqlerrors.ErrInvalidInput)
	}
	if strings.HasSuffix(tenant, counterSuffix) {
		return 0, fmt.Errorf("%w: tenant may not end in %q", nosqlerrors.ErrInvalidInput, counterSuffix)
	}
	item, err := engine.EncodeIndexes(indexes, owned)
	if err != nil {
		return 0, err
	}

	watermark, err = l.counter.Next(ctx, tenant)
	if err != nil {
		return 0, err
	}
	if err = nosqlerrors.Checkpoint(ctx); err != nil {
		return 0, err
	}

	item[attrTenant] = tenant
	item[attrCID] = cid
	item[attrWatermark] = watermark
	if err = l.backend.PutItem(ctx, l.schema.Table, item, nil); err != nil {
		return 0, nosqlerrors.Provider("put", err)
	}
	l.log.WithTenant(tenant).DebugContext(ctx, "event appended", "cid", cid, "watermark", watermark)
	return watermark, nil
}

// GetEvents returns tenant's events after the cursor in page.
func (l *Log) GetEvents(ctx context.Context, tenant string, page query.Pagination) (*Page, error) {
	return l.QueryEvents(ctx, tenant, nil, page)
}

// QueryEvents returns tenant's events after the cursor in page that match
// any of filters, in watermark order.
func (l *Log) QueryEvents(ctx context.Context, tenant string, filters []query.Filter, page query.Pagination) (result *Page, err error) {
	op, ctx := observability.StartOperation(ctx, l.metrics, "eventlog.query")
	defer func() { op.End(err) }()

	if err = l.life.Check(ctx); err != nil {
		return nil, err
	}
	if page.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", nosqlerrors.ErrInvalidInput)
	}
	compiled, err := engine.Compile(filters, engine.CompileOptions{Partition: tenant})
	if err != nil {
		return nil, err
	}
	start, err := engine.DecodeCursor(page.Cursor, cursorAttrs...)
	if err != nil {
		return nil, err
	}
	if start != nil && start[attrTenant] != tenant {
		return nil, fmt.Errorf("%w: cursor belongs to another tenant", nosqlerrors.ErrInvalidCursor)
	}

	res, err := l.pager.Run(ctx, &engine.PageRequest{
		Query: table.QueryInput{
			Table:        l.schema.Table,
			Index:        indexWatermark,
			KeyCondition: compiled.KeyCondition,
			Filter:       compiled.Native,
			StartKey:     start,
		},
		Match:       compiled.Match,
		Groups:      compiled.Groups(),
		Limit:       page.Limit,
		CursorAttrs: cursorAttrs,
	})
	if err != nil {
		return nil, err
	}

	result = &Page{Events: make([]Event, 0, len(res.Items))}
	for _, item := range res.Items {
		var e Event
		e.CID, _ = item.String(attrCID)
		e.Watermark, _ = item.Int(attrWatermark)
		result.Events = append(result.Events, e)
	}
	if n := len(res.Items); n > 0 {
		if result.Cursor, err = engine.EncodeCursor(res.Items[n-1].Project(cursorAttrs...)); err != nil {
			return nil, err
		}
	}
	l.log.WithTenant(tenant).DebugContext(ctx, "events queried", "groups", compiled.Groups(), "results", len(result.Events))
	return result, nil
}

// DeleteEventsByCID removes tenant's events for the given message ids.
// Deletes are issued in batches; a failed batch does not stop the others
// and is reported as an *engine.ChunkError.
func (l *Log) DeleteEventsByCID(ctx context.Context, tenant string, cids []string) (err error) {
	op, ctx := observability.StartOperation(ctx, l.metrics, "eventlog.delete")
	defer func() { op.End(err) }()

	if err = l.life.Check(ctx); err != nil {
		return err
	}
	keys := make([]table.Key, len(cids))
	for i, cid := range cids {
		keys[i] = table.Key{attrTenant: tenant, attrCID: cid}
	}
	return engine.DeleteMany(ctx, l.backend, l.schema.Table, keys, l.metrics)
}

// Clear deletes every event and counter of every tenant.
func (l *Log) Clear(ctx context.Context) (err error) {
	op, ctx := observability.StartOperation(ctx, l.metrics, "eventlog.clear")
	defer func() { op.End(err) }()

	if err = l.life.Check(ctx); err != nil {
		return err
	}
	n, err := engine.Erase(ctx, l.backend, &l.schema, nil)
	if err != nil {
		return fmt.Errorf("clear after %d items: %w", n, err)
	}
	l.log.InfoContext(ctx, "event log cleared", "deleted", n)
	return nil
}
