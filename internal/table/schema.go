package table

import (
	"errors"
	"fmt"
)

// AttrType is the scalar type of a key attribute.
type AttrType int

const (
	String AttrType = iota
	Number
	Binary
)

func (t AttrType) String() string {
	switch t {
	case Number:
		return "N"
	case Binary:
		return "B"
	default:
		return "S"
	}
}

// KeyDef names a key attribute and its type.
type KeyDef struct {
	Name string
	Type AttrType
}

// Index is a global secondary index projecting all attributes. Items that
// lack either index key attribute are not present in the index.
type Index struct {
	Name      string
	Partition KeyDef
	Sort      KeyDef
}

// Schema describes a table and its secondary indexes.
type Schema struct {
	Table     string
	Partition KeyDef
	Sort      *KeyDef
	Indexes   []Index
}

// KeyAttrs returns the names of the table key attributes.
func (s *Schema) KeyAttrs() []string {
	if s.Sort == nil {
		return []string{s.Partition.Name}
	}
	return []string{s.Partition.Name, s.Sort.Name}
}

// Index returns the index named name.
func (s *Schema) Index(name string) (Index, bool) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// KeyOf extracts the table key from item.
func (s *Schema) KeyOf(item Item) (Key, error) {
	key := make(Key, 2)
	for _, attr := range s.KeyAttrs() {
		v, ok := item[attr]
		if !ok {
			return nil, fmt.Errorf("%s: item missing key attribute %q", s.Table, attr)
		}
		key[attr] = v
	}
	return key, nil
}

// Validate checks the schema is well formed.
func (s *Schema) Validate() error {
	if s.Table == "" {
		return errors.New("schema: table name is required")
	}
	if s.Partition.Name == "" {
		return fmt.Errorf("schema %s: partition key is required", s.Table)
	}
	if s.Sort != nil && s.Sort.Name == "" {
		return fmt.Errorf("schema %s: sort key has no name", s.Table)
	}
	seen := make(map[string]bool, len(s.Indexes))
	for _, idx := range s.Indexes {
		if idx.Name == "" || idx.Partition.Name == "" || idx.Sort.Name == "" {
			return fmt.Errorf("schema %s: index %q needs a name, partition and sort key", s.Table, idx.Name)
		}
		if seen[idx.Name] {
			return fmt.Errorf("schema %s: duplicate index %q", s.Table, idx.Name)
		}
		seen[idx.Name] = true
	}
	return nil
}
