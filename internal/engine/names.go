package engine

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
	"github.com/gezibash/arc-nosql/pkg/query"

	"github.com/gezibash/arc-nosql/internal/table"
)

// Attribute names the service's expression language reserves, and the names
// they are stored under.
var reservedNames = map[string]string{
	"schema": "xschema",
	"method": "xmethod",
}

var restoredNames = func() map[string]string {
	m := make(map[string]string, len(reservedNames))
	for k, v := range reservedNames {
		m[v] = k
	}
	return m
}()

var nameEscaper = strings.NewReplacer("%", "%25", ".", "%2E")

// EncodeName maps a caller attribute name to its stored form. Reserved
// words are substituted, dots are escaped so they are never read as
// document paths, and a caller name that equals a substitute is escaped so
// the mapping stays reversible.
func EncodeName(name string) string {
	escaped := nameEscaper.Replace(name)
	if alt, ok := reservedNames[escaped]; ok {
		return alt
	}
	if _, ok := restoredNames[escaped]; ok {
		return "%" + strconv.FormatInt(int64(escaped[0]), 16) + escaped[1:]
	}
	return escaped
}

// DecodeName reverses EncodeName.
func DecodeName(stored string) string {
	if orig, ok := restoredNames[stored]; ok {
		return orig
	}
	name, err := url.PathUnescape(stored)
	if err != nil {
		return stored
	}
	return name
}

// Stringify renders an index value the way it is stored: strings as is,
// booleans as "true"/"false", integers and floats in decimal.
func Stringify(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: unsupported index value type %T", nosqlerrors.ErrInvalidInput, v)
}

// EncodeIndexes converts caller indexes into item attributes. Names that
// collide with attributes the store owns are rejected.
func EncodeIndexes(indexes query.Indexes, owned map[string]bool) (table.Item, error) {
	item := make(table.Item, len(indexes))
	for name, v := range indexes {
		if name == "" {
			return nil, fmt.Errorf("%w: empty index name", nosqlerrors.ErrInvalidInput)
		}
		stored := EncodeName(name)
		if owned[stored] {
			return nil, fmt.Errorf("%w: index %q collides with a store attribute", nosqlerrors.ErrInvalidInput, name)
		}
		s, err := Stringify(v)
		if err != nil {
			return nil, fmt.Errorf("index %q: %w", name, err)
		}
		item[stored] = s
	}
	return item, nil
}

// DecodeIndexes returns the caller indexes held in item, skipping the
// attributes the store owns.
func DecodeIndexes(item table.Item, owned map[string]bool) query.Indexes {
	out := make(query.Indexes, len(item))
	for stored, v := range item {
		if owned[stored] {
			continue
		}
		if s, ok := table.Text(v); ok {
			out[DecodeName(stored)] = s
		}
	}
	return out
}

// Owned builds an attribute set.
func Owned(attrs ...string) map[string]bool {
	m := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		m[a] = true
	}
	return m
}
