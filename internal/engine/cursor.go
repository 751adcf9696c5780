package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
	"github.com/gezibash/arc-nosql/pkg/query"

	"github.com/gezibash/arc-nosql/internal/table"
)

// EncodeCursor renders key as an opaque cursor. Attribute types survive the
// round trip.
func EncodeCursor(key table.Key) (query.Cursor, error) {
	if len(key) == 0 {
		return "", nil
	}
	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return query.Cursor(base64.RawURLEncoding.EncodeToString(data)), nil
}

// DecodeCursor parses a cursor produced by EncodeCursor and checks it holds
// every attribute in required. An empty cursor decodes to a nil key.
func DecodeCursor(c query.Cursor, required ...string) (table.Key, error) {
	if c == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", nosqlerrors.ErrInvalidCursor, err)
	}
	var key table.Item
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("%w: %w", nosqlerrors.ErrInvalidCursor, err)
	}
	for _, attr := range required {
		if _, ok := key[attr]; !ok {
			return nil, fmt.Errorf("%w: missing %q", nosqlerrors.ErrInvalidCursor, attr)
		}
	}
	return key, nil
}
