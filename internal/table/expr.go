package table

import "fmt"

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpLT
	OpLTE
	OpGT
	OpGTE
	OpBetween
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpBetween:
		return "BETWEEN"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Eval applies o to the result of Compare(attr, operand).
func (o Op) Eval(c int) bool {
	switch o {
	case OpEq:
		return c == 0
	case OpLT:
		return c < 0
	case OpLTE:
		return c <= 0
	case OpGT:
		return c > 0
	case OpGTE:
		return c >= 0
	}
	return false
}

// Cond compares one attribute against a value. OpBetween is not allowed.
type Cond struct {
	Attr  string
	Op    Op
	Value any
}

// Clause is a conjunction of conditions.
type Clause []Cond

// Filter is a disjunction of clauses, applied after Limit. A nil Filter
// matches every item.
type Filter []Clause

// Match evaluates f against item. Missing attributes and type mismatches
// fail the condition.
func (f Filter) Match(item Item) bool {
	if len(f) == 0 {
		return true
	}
	for _, clause := range f {
		if clause.Match(item) {
			return true
		}
	}
	return false
}

// Match reports whether every condition holds.
func (c Clause) Match(item Item) bool {
	for _, cond := range c {
		v, ok := item[cond.Attr]
		if !ok {
			return false
		}
		cmp, ok := Compare(v, cond.Value)
		if !ok || !cond.Op.Eval(cmp) {
			return false
		}
	}
	return true
}

// SortCondition restricts the sort key of a query. Upper is only used by
// OpBetween, which is inclusive at both ends.
type SortCondition struct {
	Op    Op
	Value any
	Upper any
}

// Match reports whether v satisfies the condition.
func (s *SortCondition) Match(v any) bool {
	if s == nil {
		return true
	}
	c, ok := Compare(v, s.Value)
	if !ok {
		return false
	}
	if s.Op != OpBetween {
		return s.Op.Eval(c)
	}
	if c < 0 {
		return false
	}
	c, ok = Compare(v, s.Upper)
	return ok && c <= 0
}

// KeyCondition selects one partition and optionally a sort key range.
type KeyCondition struct {
	Partition any
	Sort      *SortCondition
}

// ConditionKind selects the test a write condition performs.
type ConditionKind int

const (
	AttrExists ConditionKind = iota
	AttrNotExists
	AttrEquals
)

// Condition guards a write.
type Condition struct {
	Kind  ConditionKind
	Attr  string
	Value any
}

// Exists returns a condition that attr is present.
func Exists(attr string) *Condition {
	return &Condition{Kind: AttrExists, Attr: attr}
}

// NotExists returns a condition that attr is absent.
func NotExists(attr string) *Condition {
	return &Condition{Kind: AttrNotExists, Attr: attr}
}

// Equals returns a condition that attr currently equals v.
func Equals(attr string, v any) *Condition {
	return &Condition{Kind: AttrEquals, Attr: attr, Value: v}
}

// Holds evaluates c against the current item, which is nil when absent.
func (c *Condition) Holds(current Item) bool {
	if c == nil {
		return true
	}
	v, ok := current[c.Attr]
	switch c.Kind {
	case AttrExists:
		return ok
	case AttrNotExists:
		return !ok
	case AttrEquals:
		if !ok {
			return false
		}
		cmp, comparable := Compare(v, c.Value)
		return comparable && cmp == 0
	}
	return false
}
