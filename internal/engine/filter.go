package engine

import (
	"fmt"
	"slices"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
	"github.com/gezibash/arc-nosql/pkg/query"

	"github.com/gezibash/arc-nosql/internal/table"
)

// maxSuffix sorts after every id that can follow a primary sort value.
const maxSuffix = "\U0010FFFF"

// CompileOptions selects the partition and, optionally, the sort attribute
// whose conditions may be pushed into the key condition.
type CompileOptions struct {
	// Partition is the value of the queried partition key.
	Partition any

	// SortAttr is the caller attribute the index sorts by, e.g.
	// "messageTimestamp". Empty disables sort key pushdown.
	SortAttr string

	// SortKeyAttr is the composite sort attribute holding SortAttr
	// followed by the record id.
	SortKeyAttr string
}

// Compiled is the native form of a filter set plus the residual matcher
// that decides what is returned.
type Compiled struct {
	KeyCondition table.KeyCondition

	// Native is evaluated by the service after its evaluation limit.
	Native table.Filter

	// Empty is set when the key condition can match nothing, so no query
	// needs to be issued.
	Empty bool

	groups []table.Clause
}

// Groups returns the number of non-empty filter groups.
func (c *Compiled) Groups() int {
	return len(c.groups)
}

// Match reports whether item satisfies at least one group. With no groups
// every item matches.
func (c *Compiled) Match(item table.Item) bool {
	return table.Filter(c.groups).Match(item)
}

// Compile translates filters into a key condition on opts.Partition, a
// native filter and a residual matcher. Groups without conditions and
// ranges without bounds are dropped. Values are compared in their stored
// string form.
func Compile(filters []query.Filter, opts CompileOptions) (*Compiled, error) {
	c := &Compiled{KeyCondition: table.KeyCondition{Partition: opts.Partition}}
	for i, f := range filters {
		clause, err := compileGroup(f)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		if len(clause) > 0 {
			c.groups = append(c.groups, clause)
		}
	}
	if len(c.groups) > 0 {
		c.Native = slices.Clone(table.Filter(c.groups))
	}

	if opts.SortAttr != "" && opts.SortKeyAttr != "" {
		sc, empty := pushdown(c.groups, EncodeName(opts.SortAttr))
		c.KeyCondition.Sort = sc
		c.Empty = empty
	}
	return c, nil
}

func compileGroup(f query.Filter) (table.Clause, error) {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	slices.Sort(names)

	var clause table.Clause
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: empty attribute name", nosqlerrors.ErrInvalidInput)
		}
		attr := EncodeName(name)
		cond := f[name]
		if !cond.IsRange() {
			if cond.Equal == nil {
				continue
			}
			s, err := Stringify(cond.Equal)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			clause = append(clause, table.Cond{Attr: attr, Op: table.OpEq, Value: s})
			continue
		}
		if cond.Range.Empty() {
			continue
		}
		bounds := []struct {
			op table.Op
			v  any
		}{
			{table.OpGT, cond.Range.GT},
			{table.OpGTE, cond.Range.GTE},
			{table.OpLT, cond.Range.LT},
			{table.OpLTE, cond.Range.LTE},
		}
		for _, b := range bounds {
			if b.v == nil {
				continue
			}
			s, err := Stringify(b.v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			clause = append(clause, table.Cond{Attr: attr, Op: b.op, Value: s})
		}
	}
	return clause, nil
}

// bound is one side of a sort key range. set is false when unbounded.
type bound struct {
	v   string
	set bool
}

// pushdown derives an inclusive range on the composite sort key covering
// every record any group can match. Only two facts are used:
//
//   - a lower bound X on the primary gives key >= X, since p >= X implies
//     p+id >= X;
//   - equality with X gives key <= X followed by maxSuffix.
//
// A range upper bound X is not pushed: a stored primary that is a strict
// prefix of X satisfies p <= X while p+id may sort after X+maxSuffix.
// Groups whose range on the attribute is contradictory match nothing and
// are left out; when every group is, the query is empty. The residual
// matcher removes what the range lets through.
func pushdown(groups []table.Clause, attr string) (*table.SortCondition, bool) {
	if len(groups) == 0 {
		return nil, false
	}
	var lower, upper bound
	live := 0
	for _, g := range groups {
		gl, gu, never := groupBounds(g, attr)
		if never {
			continue
		}
		if live == 0 {
			lower, upper = gl, gu
		} else {
			// Envelope: a side left open by any group stays open.
			lower = bound{v: min(lower.v, gl.v), set: lower.set && gl.set}
			upper = bound{v: max(upper.v, gu.v), set: upper.set && gu.set}
		}
		live++
	}

	switch {
	case live == 0:
		return nil, true
	case lower.set && upper.set:
		if lower.v > upper.v {
			return nil, true
		}
		return &table.SortCondition{Op: table.OpBetween, Value: lower.v, Upper: upper.v}, false
	case lower.set:
		return &table.SortCondition{Op: table.OpGTE, Value: lower.v}, false
	case upper.set:
		return &table.SortCondition{Op: table.OpLTE, Value: upper.v}, false
	}
	return nil, false
}

// groupBounds derives the key range a group allows for attr. never is set
// when the group's own conditions on attr exclude every value.
func groupBounds(g table.Clause, attr string) (lower, upper bound, never bool) {
	var lo, hi struct {
		v      string
		strict bool
		set    bool
	}
	for _, c := range g {
		if c.Attr != attr {
			continue
		}
		s := c.Value.(string)
		switch c.Op {
		case table.OpGT, table.OpGTE:
			strict := c.Op == table.OpGT
			if !lo.set || s > lo.v || (s == lo.v && strict) {
				lo.v, lo.strict, lo.set = s, strict, true
			}
			lower = tighterLower(lower, s)
		case table.OpLT, table.OpLTE:
			strict := c.Op == table.OpLT
			if !hi.set || s < hi.v || (s == hi.v && strict) {
				hi.v, hi.strict, hi.set = s, strict, true
			}
		case table.OpEq:
			lower = tighterLower(lower, s)
			upper = tighterUpper(upper, s+maxSuffix)
		}
	}
	if lo.set && hi.set && (lo.v > hi.v || (lo.v == hi.v && (lo.strict || hi.strict))) {
		return bound{}, bound{}, true
	}
	return lower, upper, false
}

func tighterLower(b bound, v string) bound {
	if !b.set || v > b.v {
		return bound{v: v, set: true}
	}
	return b
}

func tighterUpper(b bound, v string) bound {
	if !b.set || v < b.v {
		return bound{v: v, set: true}
	}
	return b
}
