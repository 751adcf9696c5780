package emulated

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gezibash/arc-nosql/internal/storage"
	"github.com/gezibash/arc-nosql/internal/table"
)

const KeyBatchLimit = "batch_limit"

// Engine implements table.Backend over a KV driver.
type Engine struct {
	name       string
	kv         KV
	batchLimit int
	filters    *filterEvaluator

	mu      sync.RWMutex
	schemas map[string]*table.Schema

	closed atomic.Bool
}

var _ table.Backend = (*Engine)(nil)

// New wraps kv. The engine owns kv and closes it on Close.
func New(name string, kv KV, cfg storage.Config) (*Engine, error) {
	batchLimit, err := cfg.Int(KeyBatchLimit, table.DefaultBatchLimit)
	if err != nil {
		return nil, err
	}
	if batchLimit <= 0 {
		return nil, storage.NewConfigError(name, KeyBatchLimit, "must be positive")
	}

	filters, err := newFilterEvaluator()
	if err != nil {
		return nil, err
	}

	return &Engine{
		name:       name,
		kv:         kv,
		batchLimit: batchLimit,
		filters:    filters,
		schemas:    make(map[string]*table.Schema),
	}, nil
}

func (e *Engine) check(ctx context.Context) error {
	if e.closed.Load() {
		return table.ErrClosed
	}
	return ctx.Err()
}

// EnsureTable records the schema. An existing schema for the same table is kept.
func (e *Engine) EnsureTable(ctx context.Context, schema table.Schema) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	if err := schema.Validate(); err != nil {
		return err
	}

	err := e.kv.Update(ctx, func(tx Txn) error {
		existing, err := tx.Get(schemaKey(schema.Table))
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		data, err := json.Marshal(schema)
		if err != nil {
			return err
		}
		return tx.Set(schemaKey(schema.Table), data)
	})
	if err != nil {
		return fmt.Errorf("%s ensure table %s: %w", e.name, schema.Table, err)
	}

	slog.DebugContext(ctx, "table ready", "backend", e.name, "table", schema.Table)
	return nil
}

func (e *Engine) schema(r Reader, name string) (*table.Schema, error) {
	e.mu.RLock()
	s, ok := e.schemas[name]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	data, err := r.Get(schemaKey(name))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", table.ErrTableNotFound, name)
	}
	s = &table.Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", name, err)
	}

	e.mu.Lock()
	e.schemas[name] = s
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) PutItem(ctx context.Context, tableName string, item table.Item, cond *table.Condition) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	err := e.kv.Update(ctx, func(tx Txn) error {
		s, err := e.schema(tx, tableName)
		if err != nil {
			return err
		}
		old, err := e.load(tx, s, item)
		if err != nil {
			return err
		}
		if !cond.Holds(old) {
			return table.ErrConditionFailed
		}
		return e.write(tx, s, old, item)
	})
	if err != nil {
		return fmt.Errorf("%s put: %w", e.name, err)
	}
	return nil
}

func (e *Engine) GetItem(ctx context.Context, tableName string, key table.Key) (table.Item, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	var item table.Item
	err := e.kv.View(ctx, func(r Reader) error {
		s, err := e.schema(r, tableName)
		if err != nil {
			return err
		}
		item, err = e.load(r, s, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s get: %w", e.name, err)
	}
	if item == nil {
		return nil, table.ErrNotFound
	}
	return item, nil
}

func (e *Engine) DeleteItem(ctx context.Context, tableName string, key table.Key) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	err := e.kv.Update(ctx, func(tx Txn) error {
		return e.deleteKey(tx, tableName, key)
	})
	if err != nil {
		return fmt.Errorf("%s delete: %w", e.name, err)
	}
	return nil
}

func (e *Engine) BatchLimit() int { return e.batchLimit }

// BatchDelete removes keys in a single transaction.
func (e *Engine) BatchDelete(ctx context.Context, tableName string, keys []table.Key) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	if len(keys) > e.batchLimit {
		return fmt.Errorf("%w: %d > %d", table.ErrBatchTooLarge, len(keys), e.batchLimit)
	}
	if len(keys) == 0 {
		return nil
	}
	err := e.kv.Update(ctx, func(tx Txn) error {
		for _, key := range keys {
			if err := e.deleteKey(tx, tableName, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s batch delete: %w", e.name, err)
	}
	return nil
}

func (e *Engine) Increment(ctx context.Context, tableName string, key table.Key, attr string, delta int64) (int64, error) {
	if err := e.check(ctx); err != nil {
		return 0, err
	}
	var next int64
	err := e.kv.Update(ctx, func(tx Txn) error {
		s, err := e.schema(tx, tableName)
		if err != nil {
			return err
		}
		old, err := e.load(tx, s, key)
		if err != nil {
			return err
		}
		item := key.Clone()
		if old != nil {
			item = old.Clone()
		}
		var cur int64
		if v, ok := item[attr]; ok {
			n, isInt := v.(int64)
			if !isInt {
				return fmt.Errorf("attribute %q is %T, not a number", attr, v)
			}
			cur = n
		}
		next = cur + delta
		item[attr] = next
		return e.write(tx, s, old, item)
	})
	if err != nil {
		return 0, fmt.Errorf("%s increment: %w", e.name, err)
	}
	return next, nil
}

// Update merges set into the item under key, creating it when absent.
func (e *Engine) Update(ctx context.Context, tableName string, key table.Key, set table.Item, cond *table.Condition) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	err := e.kv.Update(ctx, func(tx Txn) error {
		s, err := e.schema(tx, tableName)
		if err != nil {
			return err
		}
		for _, attr := range s.KeyAttrs() {
			if _, ok := set[attr]; ok {
				return fmt.Errorf("cannot update key attribute %q", attr)
			}
		}
		old, err := e.load(tx, s, key)
		if err != nil {
			return err
		}
		if !cond.Holds(old) {
			return table.ErrConditionFailed
		}
		item := key.Clone()
		if old != nil {
			item = old.Clone()
		}
		for k, v := range set {
			item[k] = v
		}
		return e.write(tx, s, old, item)
	})
	if err != nil {
		return fmt.Errorf("%s update: %w", e.name, err)
	}
	return nil
}

func (e *Engine) Query(ctx context.Context, in *table.QueryInput) (*table.Page, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	filter, err := e.filters.compile(in.Filter)
	if err != nil {
		return nil, err
	}

	page := &table.Page{}
	err = e.kv.View(ctx, func(r Reader) error {
		s, err := e.schema(r, in.Table)
		if err != nil {
			return err
		}
		q, err := newQueryPlan(s, in)
		if err != nil {
			return err
		}

		var last table.Item
		limitHit := false
		err = r.Iterate(q.prefix, q.from, in.Descending, func(k, v []byte) (bool, error) {
			if q.skip != nil && bytes.Equal(k, q.skip) {
				return true, nil
			}
			if q.foreign(k) {
				return in.Descending, nil
			}
			item, err := q.resolve(r, v)
			if err != nil || item == nil {
				return err == nil, err
			}
			sv := item[q.sortAttr]
			if !in.KeyCondition.Sort.Match(sv) {
				return !beyond(in.KeyCondition.Sort, sv, in.Descending), nil
			}
			if limitHit {
				page.LastKey = q.lastKey(last)
				return false, nil
			}
			page.Scanned++
			last = item
			if filter.match(ctx, item) {
				page.Items = append(page.Items, item)
			}
			limitHit = in.Limit > 0 && page.Scanned >= in.Limit
			return true, nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", e.name, err)
	}
	return page, nil
}

func (e *Engine) Scan(ctx context.Context, in *table.ScanInput) (*table.Page, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}

	page := &table.Page{}
	err := e.kv.View(ctx, func(r Reader) error {
		s, err := e.schema(r, in.Table)
		if err != nil {
			return err
		}
		prefix, err := encodeKey(spacePrimary, in.Table)
		if err != nil {
			return err
		}
		var from []byte
		if in.StartKey != nil {
			if from, err = e.storageKey(s, in.StartKey); err != nil {
				return err
			}
		}

		var last table.Item
		return r.Iterate(prefix, from, false, func(k, v []byte) (bool, error) {
			if from != nil && bytes.Equal(k, from) {
				return true, nil
			}
			if in.Limit > 0 && page.Scanned >= in.Limit {
				page.LastKey = last.Project(s.KeyAttrs()...)
				return false, nil
			}
			item, err := decodeItem(v)
			if err != nil {
				return false, err
			}
			page.Scanned++
			page.Items = append(page.Items, item)
			last = item
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s scan: %w", e.name, err)
	}
	return page, nil
}

// Close closes the underlying driver.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.kv.Close()
}

// storageKey returns the primary storage key for the key attributes in item.
func (e *Engine) storageKey(s *table.Schema, item table.Item) ([]byte, error) {
	vals := make([]any, 0, 2)
	defs := []table.KeyDef{s.Partition}
	if s.Sort != nil {
		defs = append(defs, *s.Sort)
	}
	for _, def := range defs {
		v, ok := item[def.Name]
		if !ok {
			return nil, fmt.Errorf("missing key attribute %q", def.Name)
		}
		if !typeMatches(def.Type, v) {
			return nil, fmt.Errorf("key attribute %q: want type %s, got %T", def.Name, def.Type, v)
		}
		vals = append(vals, v)
	}
	return primaryKey(s.Table, vals...)
}

func (e *Engine) load(r Reader, s *table.Schema, key table.Item) (table.Item, error) {
	k, err := e.storageKey(s, key)
	if err != nil {
		return nil, err
	}
	data, err := r.Get(k)
	if err != nil || data == nil {
		return nil, err
	}
	return decodeItem(data)
}

// write stores item and rebuilds its index entries, removing those of old.
func (e *Engine) write(tx Txn, s *table.Schema, old, item table.Item) error {
	item = item.Clone()
	for k, v := range item {
		nv, err := table.Normalize(v)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", k, err)
		}
		item[k] = nv
	}
	if old != nil {
		if err := e.unindex(tx, s, old); err != nil {
			return err
		}
	}
	pk, err := e.storageKey(s, item)
	if err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := tx.Set(pk, data); err != nil {
		return err
	}
	entries, err := e.indexEntries(s, item)
	if err != nil {
		return err
	}
	for _, ik := range entries {
		if err := tx.Set(ik, pk); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deleteKey(tx Txn, tableName string, key table.Key) error {
	s, err := e.schema(tx, tableName)
	if err != nil {
		return err
	}
	old, err := e.load(tx, s, key)
	if err != nil || old == nil {
		return err
	}
	if err := e.unindex(tx, s, old); err != nil {
		return err
	}
	pk, err := e.storageKey(s, old)
	if err != nil {
		return err
	}
	return tx.Delete(pk)
}

func (e *Engine) unindex(tx Txn, s *table.Schema, item table.Item) error {
	entries, err := e.indexEntries(s, item)
	if err != nil {
		return err
	}
	for _, ik := range entries {
		if err := tx.Delete(ik); err != nil {
			return err
		}
	}
	return nil
}

// indexEntries returns the index keys of item. Indexes whose key attributes
// are missing or of the wrong type are skipped.
func (e *Engine) indexEntries(s *table.Schema, item table.Item) ([][]byte, error) {
	var out [][]byte
	for _, idx := range s.Indexes {
		pv, ok := item[idx.Partition.Name]
		if !ok || !typeMatches(idx.Partition.Type, pv) {
			continue
		}
		sv, ok := item[idx.Sort.Name]
		if !ok || !typeMatches(idx.Sort.Type, sv) {
			continue
		}
		vals := []any{pv, sv}
		for _, attr := range s.KeyAttrs() {
			vals = append(vals, item[attr])
		}
		k, err := indexKey(s.Table, idx.Name, vals...)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func decodeItem(data []byte) (table.Item, error) {
	var item table.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return item, nil
}

func typeMatches(t table.AttrType, v any) bool {
	switch v.(type) {
	case string:
		return t == table.String
	case int64:
		return t == table.Number
	case []byte:
		return t == table.Binary
	}
	return false
}

// beyond reports whether v lies past the sort condition in the iteration
// direction, so no later key can match.
func beyond(sc *table.SortCondition, v any, descending bool) bool {
	if sc == nil {
		return false
	}
	var bound any
	if !descending {
		switch sc.Op {
		case table.OpEq, table.OpLT, table.OpLTE:
			bound = sc.Value
		case table.OpBetween:
			bound = sc.Upper
		default:
			return false
		}
		c, ok := table.Compare(v, bound)
		return ok && c > 0
	}
	switch sc.Op {
	case table.OpEq, table.OpGT, table.OpGTE, table.OpBetween:
		bound = sc.Value
	default:
		return false
	}
	c, ok := table.Compare(v, bound)
	return ok && c < 0
}
