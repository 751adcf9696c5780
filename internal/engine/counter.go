package engine

import (
	"context"
	"fmt"

	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"

	"github.com/gezibash/arc-nosql/internal/table"
)

const (
	counterSuffix = "_counter"
	counterID     = "counter"

	// CounterAttr holds the current sequence value.
	CounterAttr = "count"
)

// Counter hands out per-tenant sequence numbers from a record stored in
// the same table as the tenant's data, under a partition no tenant uses.
type Counter struct {
	Backend       table.Backend
	Table         string
	PartitionAttr string
	SortAttr      string
}

// Key returns the key of tenant's counter record.
func (c *Counter) Key(tenant string) table.Key {
	return table.Key{
		c.PartitionAttr: tenant + counterSuffix,
		c.SortAttr:      counterID,
	}
}

// Next atomically increments tenant's counter and returns the new value.
// The first call for a tenant returns 1.
func (c *Counter) Next(ctx context.Context, tenant string) (int64, error) {
	n, err := c.Backend.Increment(ctx, c.Table, c.Key(tenant), CounterAttr, 1)
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", tenant, nosqlerrors.Provider("increment", err))
	}
	return n, nil
}
