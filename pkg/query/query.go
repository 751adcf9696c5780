// Package query defines the filter, sort and pagination contracts that the
// stores accept from their host.
package query

// Indexes holds the indexed attributes of a record. Values are scalars:
// string, bool or an integer type. They are persisted in their string form,
// so range queries compare them lexicographically and callers must encode
// numbers and dates in an order-preserving way (zero padded, RFC 3339).
type Indexes map[string]any

// Filter is one filter group: every condition must hold.
type Filter map[string]Condition

// Condition is either an equality test or a range test on one attribute.
type Condition struct {
	Equal any
	Range *Range
}

// Range bounds an attribute. Unset bounds are ignored; set bounds are ANDed.
type Range struct {
	GT  any
	GTE any
	LT  any
	LTE any
}

// Equal returns an equality condition.
func Equal(v any) Condition {
	return Condition{Equal: v}
}

// Between returns the half-open range [from, to).
func Between(from, to any) Condition {
	return Condition{Range: &Range{GTE: from, LT: to}}
}

// AtLeast returns the range [v, ∞).
func AtLeast(v any) Condition {
	return Condition{Range: &Range{GTE: v}}
}

// Before returns the range (-∞, v).
func Before(v any) Condition {
	return Condition{Range: &Range{LT: v}}
}

// IsRange reports whether c is a range condition.
func (c Condition) IsRange() bool {
	return c.Range != nil
}

// Empty reports whether the range sets no bound at all.
func (r *Range) Empty() bool {
	return r == nil || (r.GT == nil && r.GTE == nil && r.LT == nil && r.LTE == nil)
}

// Direction selects ascending or descending order.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// Sort names the sortable property and its direction. The zero value means
// the store's default sort.
type Sort struct {
	Property  string
	Direction Direction
}

// Cursor is an opaque pagination token. Callers must only pass back values
// they received from a previous call made with the same sort.
type Cursor string

// Pagination bounds a query. A zero Limit means no limit.
type Pagination struct {
	Limit  int
	Cursor Cursor
}
