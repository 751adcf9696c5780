package messagestore

import (
	"github.com/gezibash/arc-nosql/internal/engine"
	"github.com/gezibash/arc-nosql/internal/table"
)

// DefaultTable is the table messages are stored in.
const DefaultTable = "messageStoreMessages"

// Store-owned attributes.
const (
	attrTenant  = "tenant"
	attrCID     = "messageCid"
	attrPayload = "encodedMessageBytes"
	attrInline  = "encodedData"
	attrRef     = "encodedMessageRef"
	attrDigest  = "encodedMessageDigest"
)

// Sortable properties. Each has an index of the same name over the derived
// attribute "<property>Sort".
const (
	SortDateCreated      = "dateCreated"
	SortDatePublished    = "datePublished"
	SortMessageTimestamp = "messageTimestamp"
)

var sortProperties = []string{SortDateCreated, SortDatePublished, SortMessageTimestamp}

var owned = func() map[string]bool {
	m := engine.Owned(attrTenant, attrCID, attrPayload, attrInline, attrRef, attrDigest)
	for _, p := range sortProperties {
		m[engine.SortAttr(p)] = true
	}
	return m
}()

// Schema returns the message table definition.
func Schema(name string) table.Schema {
	s := table.Schema{
		Table:     name,
		Partition: table.KeyDef{Name: attrTenant, Type: table.String},
		Sort:      &table.KeyDef{Name: attrCID, Type: table.String},
	}
	for _, p := range sortProperties {
		s.Indexes = append(s.Indexes, table.Index{
			Name:      p,
			Partition: table.KeyDef{Name: attrTenant, Type: table.String},
			Sort:      table.KeyDef{Name: engine.SortAttr(p), Type: table.String},
		})
	}
	return s
}
