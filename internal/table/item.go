package table

import (
	"bytes"
	"fmt"
	"maps"
	"strconv"
)

// Item is a stored record. Attribute values are string, int64 or []byte.
type Item map[string]any

// Key holds the key attributes of an item. For index pages it also holds the
// index key attributes.
type Key = Item

// String returns the string attribute attr.
func (it Item) String(attr string) (string, bool) {
	s, ok := it[attr].(string)
	return s, ok
}

// Int returns the numeric attribute attr.
func (it Item) Int(attr string) (int64, bool) {
	n, ok := it[attr].(int64)
	return n, ok
}

// Bytes returns the binary attribute attr.
func (it Item) Bytes(attr string) ([]byte, bool) {
	b, ok := it[attr].([]byte)
	return b, ok
}

// Clone returns a shallow copy of it.
func (it Item) Clone() Item {
	return maps.Clone(it)
}

// Project returns the subset of it named by attrs. Missing attributes are skipped.
func (it Item) Project(attrs ...string) Item {
	out := make(Item, len(attrs))
	for _, a := range attrs {
		if v, ok := it[a]; ok {
			out[a] = v
		}
	}
	return out
}

// Normalize converts v to one of the supported attribute types.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return x, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", v)
	}
}

// Text renders a string or numeric attribute value for comparison.
// Binary values have no text form.
func Text(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	default:
		return "", false
	}
}

// Compare orders two attribute values of the same type. Strings and bytes
// compare bytewise, numbers numerically. ok is false for mismatched types.
func Compare(a, b any) (c int, ok bool) {
	switch x := a.(type) {
	case string:
		y, isStr := b.(string)
		if !isStr {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case int64:
		y, isInt := b.(int64)
		if !isInt {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case []byte:
		y, isBytes := b.([]byte)
		if !isBytes {
			return 0, false
		}
		return bytes.Compare(x, y), true
	}
	return 0, false
}
