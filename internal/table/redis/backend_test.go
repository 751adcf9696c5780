//go:build integration

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gezibash/arc-nosql/internal/storage"
	"github.com/gezibash/arc-nosql/internal/table"
	"github.com/gezibash/arc-nosql/internal/table/tabletest"
)

func newTestBackend(t *testing.T) table.Backend {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	cfg := storage.MergeConfig(Defaults(), map[string]string{
		KeyAddr:      addr,
		KeyDB:        "15",
		KeyKeyPrefix: fmt.Sprintf("test-%d-", time.Now().UnixNano()),
	})
	b, err := NewFactory(context.Background(), storage.NewConfig("redis", cfg))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestConformance(t *testing.T) {
	tabletest.Run(t, newTestBackend)
}
