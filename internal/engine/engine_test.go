package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/gezibash/arc-nosql/internal/table"
	_ "github.com/gezibash/arc-nosql/internal/table/memory"
)

func newTestBackend(t *testing.T) table.Backend {
	t.Helper()
	b, err := table.New(context.Background(), "memory", nil, nil)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testSchema() *table.Schema {
	return &table.Schema{
		Table:     "records",
		Partition: table.KeyDef{Name: "tenant", Type: table.String},
		Sort:      &table.KeyDef{Name: "id", Type: table.String},
		Indexes: []table.Index{
			{Name: "stamp", Partition: table.KeyDef{Name: "tenant", Type: table.String}, Sort: table.KeyDef{Name: "stampSort", Type: table.String}},
		},
	}
}

// seed writes n records for tenant: id "r00".., stamp a 4-digit value
// counting down so index order differs from id order, and color red on
// every fifth record.
func seed(t *testing.T, b table.Backend, tenant string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := b.EnsureTable(ctx, *testSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	for i := range n {
		id := fmt.Sprintf("r%02d", i)
		stamp := fmt.Sprintf("%04d", 1000-i)
		color := "blue"
		if i%5 == 0 {
			color = "red"
		}
		item := table.Item{
			"tenant":    tenant,
			"id":        id,
			"stamp":     stamp,
			"stampSort": stamp + id,
			"color":     color,
		}
		if err := b.PutItem(ctx, "records", item, nil); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
	}
}

func ids(items []table.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i], _ = it.String("id")
	}
	return out
}
