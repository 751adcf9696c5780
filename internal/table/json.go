package table

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// typedValue is the JSON form of an attribute value, tagged like the
// managed service's wire format: {"S": "..."}, {"N": "12"}, {"B": "base64"}.
type typedValue struct {
	S *string `json:"S,omitempty"`
	N *string `json:"N,omitempty"`
	B *string `json:"B,omitempty"`
}

// MarshalJSON encodes the item with type tags so numbers and binary values
// survive a round trip.
func (it Item) MarshalJSON() ([]byte, error) {
	out := make(map[string]typedValue, len(it))
	for k, v := range it {
		switch x := v.(type) {
		case string:
			out[k] = typedValue{S: &x}
		case int64:
			n := strconv.FormatInt(x, 10)
			out[k] = typedValue{N: &n}
		case []byte:
			b := base64.StdEncoding.EncodeToString(x)
			out[k] = typedValue{B: &b}
		default:
			return nil, fmt.Errorf("attribute %q: unsupported type %T", k, v)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (it *Item) UnmarshalJSON(data []byte) error {
	var in map[string]typedValue
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(Item, len(in))
	for k, tv := range in {
		switch {
		case tv.S != nil:
			out[k] = *tv.S
		case tv.N != nil:
			n, err := strconv.ParseInt(*tv.N, 10, 64)
			if err != nil {
				return fmt.Errorf("attribute %q: %w", k, err)
			}
			out[k] = n
		case tv.B != nil:
			b, err := base64.StdEncoding.DecodeString(*tv.B)
			if err != nil {
				return fmt.Errorf("attribute %q: %w", k, err)
			}
			out[k] = b
		default:
			return fmt.Errorf("attribute %q: missing type tag", k)
		}
	}
	*it = out
	return nil
}
