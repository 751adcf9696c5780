package emulated

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Key components are tagged and encoded so that bytewise order equals
// value order: strings and bytes escape 0x00 as 0x00 0xFF and end with
// 0x00; integers are big-endian with the sign bit flipped.
const (
	tagString byte = 0x01
	tagInt    byte = 0x02
	tagBytes  byte = 0x03
)

const (
	spaceSchema  = 's'
	spacePrimary = 't'
	spaceIndex   = 'i'
)

func appendComponent(dst []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		dst = append(dst, tagString)
		return appendEscaped(dst, []byte(x)), nil
	case []byte:
		dst = append(dst, tagBytes)
		return appendEscaped(dst, x), nil
	case int64:
		dst = append(dst, tagInt)
		return binary.BigEndian.AppendUint64(dst, uint64(x)^(1<<63)), nil
	default:
		return nil, fmt.Errorf("emulated: unsupported key type %T", v)
	}
}

func appendEscaped(dst, b []byte) []byte {
	for _, c := range b {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, 0x00)
}

func encodeKey(space byte, parts ...any) ([]byte, error) {
	k := []byte{space}
	var err error
	for _, p := range parts {
		if k, err = appendComponent(k, p); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func schemaKey(table string) []byte {
	k, _ := encodeKey(spaceSchema, table)
	return k
}

// primaryKey lays out t/<table>/<partition>[/<sort>].
func primaryKey(table string, vals ...any) ([]byte, error) {
	return encodeKey(spacePrimary, append([]any{table}, vals...)...)
}

// indexKey lays out i/<table>/<index>/<partition>/<sort>/<table key...>.
func indexKey(table, index string, vals ...any) ([]byte, error) {
	return encodeKey(spaceIndex, append([]any{table, index}, vals...)...)
}

// PrefixEnd returns the smallest key greater than every key that starts
// with prefix, or nil when prefix is all 0xFF.
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
