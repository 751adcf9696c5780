package emulated

import (
	"errors"
	"fmt"

	"github.com/gezibash/arc-nosql/internal/table"
)

var errNoSortKey = errors.New("sort condition on a table without a sort key")

// queryPlan maps a QueryInput onto a key range.
type queryPlan struct {
	schema   *table.Schema
	index    *table.Index
	sortAttr string

	prefix []byte
	from   []byte
	skip   []byte
}

func newQueryPlan(s *table.Schema, in *table.QueryInput) (*queryPlan, error) {
	q := &queryPlan{schema: s}
	part := in.KeyCondition.Partition
	if part == nil {
		return nil, errors.New("query requires a partition value")
	}

	var err error
	if in.Index != "" {
		idx, ok := s.Index(in.Index)
		if !ok {
			return nil, fmt.Errorf("table %s has no index %q", s.Table, in.Index)
		}
		q.index = &idx
		q.sortAttr = idx.Sort.Name
		if !typeMatches(idx.Partition.Type, part) {
			return nil, fmt.Errorf("index %s partition: want type %s, got %T", idx.Name, idx.Partition.Type, part)
		}
		q.prefix, err = indexKey(s.Table, idx.Name, part)
	} else {
		if s.Sort != nil {
			q.sortAttr = s.Sort.Name
		} else if in.KeyCondition.Sort != nil {
			return nil, errNoSortKey
		}
		if !typeMatches(s.Partition.Type, part) {
			return nil, fmt.Errorf("partition: want type %s, got %T", s.Partition.Type, part)
		}
		q.prefix, err = primaryKey(s.Table, part)
	}
	if err != nil {
		return nil, err
	}

	if in.StartKey != nil {
		q.skip, err = q.position(in.StartKey)
		if err != nil {
			return nil, fmt.Errorf("start key: %w", err)
		}
		q.from = q.skip
		return q, nil
	}

	// A string partition p is a byte prefix of the escaped form of p+"\x00...",
	// whose keys continue with 0xFF. Reverse scans start below them.
	if in.Descending {
		q.from = append(clone(q.prefix), 0xFF)
	}

	// Seek to the near bound of the sort condition.
	sc := in.KeyCondition.Sort
	if sc == nil || q.sortAttr == "" {
		return q, nil
	}
	var bound any
	if !in.Descending {
		switch sc.Op {
		case table.OpEq, table.OpGT, table.OpGTE, table.OpBetween:
			bound = sc.Value
		}
		if bound != nil {
			q.from, err = appendComponent(clone(q.prefix), bound)
		}
	} else {
		switch sc.Op {
		case table.OpEq, table.OpLT, table.OpLTE:
			bound = sc.Value
		case table.OpBetween:
			bound = sc.Upper
		}
		if bound != nil {
			q.from, err = appendComponent(clone(q.prefix), bound)
			q.from = append(q.from, 0xFF)
		}
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

// position returns the storage key of the item identified by key within the
// iterated range.
func (q *queryPlan) position(key table.Key) ([]byte, error) {
	s := q.schema
	if q.index == nil {
		vals := make([]any, 0, 2)
		for _, attr := range s.KeyAttrs() {
			v, ok := key[attr]
			if !ok {
				return nil, fmt.Errorf("missing attribute %q", attr)
			}
			vals = append(vals, v)
		}
		return primaryKey(s.Table, vals...)
	}

	vals := make([]any, 0, 4)
	for _, attr := range append([]string{q.index.Partition.Name, q.index.Sort.Name}, s.KeyAttrs()...) {
		v, ok := key[attr]
		if !ok {
			return nil, fmt.Errorf("missing attribute %q", attr)
		}
		vals = append(vals, v)
	}
	return indexKey(s.Table, q.index.Name, vals...)
}

// foreign reports whether k belongs to a longer partition sharing the prefix.
func (q *queryPlan) foreign(k []byte) bool {
	return len(k) > len(q.prefix) && k[len(q.prefix)] == 0xFF
}

// resolve returns the item an iterated value refers to.
func (q *queryPlan) resolve(r Reader, v []byte) (table.Item, error) {
	if q.index == nil {
		return decodeItem(v)
	}
	data, err := r.Get(v)
	if err != nil || data == nil {
		return nil, err
	}
	return decodeItem(data)
}

// lastKey projects the continuation key of item: the table key plus, for
// index queries, the index key.
func (q *queryPlan) lastKey(item table.Item) table.Key {
	attrs := q.schema.KeyAttrs()
	if q.index != nil {
		attrs = append(attrs, q.index.Partition.Name, q.index.Sort.Name)
	}
	return item.Project(attrs...)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
