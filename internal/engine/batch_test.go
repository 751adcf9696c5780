package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gezibash/arc-nosql/internal/engine"
	"github.com/gezibash/arc-nosql/internal/table"
	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
)

func TestCounterMonotonic(t *testing.T) {
	b := newTestBackend(t)
	if err := b.EnsureTable(context.Background(), *testSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	c := &engine.Counter{Backend: b, Table: "records", PartitionAttr: "tenant", SortAttr: "id"}

	const workers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for range workers {
		wg.Go(func() {
			n, err := c.Next(context.Background(), "alice")
			if err != nil {
				t.Errorf("Next: %v", err)
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		})
	}
	wg.Wait()
	for i := int64(1); i <= workers; i++ {
		if !seen[i] {
			t.Errorf("value %d never handed out (got %v)", i, seen)
		}
	}

	n, err := c.Next(context.Background(), "bob")
	if err != nil || n != 1 {
		t.Errorf("first value for bob = %d, %v", n, err)
	}

	item, err := b.GetItem(context.Background(), "records", c.Key("alice"))
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item["tenant"] != "alice_counter" || item["id"] != "counter" {
		t.Errorf("counter key = %v", item)
	}
}

func TestCounterFailureSurfaces(t *testing.T) {
	b := newTestBackend(t)
	c := &engine.Counter{Backend: b, Table: "records", PartitionAttr: "tenant", SortAttr: "id"}
	_, err := c.Next(context.Background(), "alice")
	if !nosqlerrors.IsProvider(err) {
		t.Errorf("err = %v, want provider error", err)
	}
}

func TestChunks(t *testing.T) {
	tests := []struct {
		n    int
		want []int
	}{
		{0, nil},
		{1, []int{1}},
		{25, []int{25}},
		{26, []int{25, 1}},
		{60, []int{25, 25, 10}},
	}
	for _, tt := range tests {
		keys := make([]table.Key, tt.n)
		var got []int
		for _, c := range engine.Chunks(keys, 25) {
			got = append(got, len(c))
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Chunks(%d) sizes = %v, want %v", tt.n, got, tt.want)
		}
	}
}

// failingBatches fails BatchDelete for the chunks listed in fail.
type failingBatches struct {
	table.Backend
	mu    sync.Mutex
	calls int
	fail  map[int]bool
}

func (f *failingBatches) BatchDelete(ctx context.Context, name string, keys []table.Key) error {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()
	if f.fail[call] {
		return table.ErrUnprocessed
	}
	return f.Backend.BatchDelete(ctx, name, keys)
}

func recordKeys(n int) []table.Key {
	keys := make([]table.Key, n)
	for i := range keys {
		keys[i] = table.Key{"tenant": "alice", "id": fmt.Sprintf("r%02d", i)}
	}
	return keys
}

func TestDeleteMany(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b, "alice", 60)

	if err := engine.DeleteMany(context.Background(), b, "records", recordKeys(60), nil); err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	page, err := b.Scan(context.Background(), &table.ScanInput{Table: "records"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("%d items left", len(page.Items))
	}

	if err := engine.DeleteMany(context.Background(), b, "records", nil, nil); err != nil {
		t.Errorf("DeleteMany(nil) = %v", err)
	}
}

func TestDeleteManyChunkFailure(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b, "alice", 60)
	fb := &failingBatches{Backend: b, fail: map[int]bool{1: true}}

	err := engine.DeleteMany(context.Background(), fb, "records", recordKeys(60), nil)
	var ce *engine.ChunkError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ChunkError", err)
	}
	if ce.Index != 1 || ce.Size != 25 {
		t.Errorf("ChunkError = %+v", ce)
	}
	if !errors.Is(err, table.ErrUnprocessed) {
		t.Errorf("err = %v, want ErrUnprocessed", err)
	}
	if fb.calls != 3 {
		t.Errorf("calls = %d, want 3", fb.calls)
	}

	// Chunks 0 and 2 applied; chunk 1 (r25..r49) remains.
	page, err := b.Scan(context.Background(), &table.ScanInput{Table: "records"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(page.Items) != 25 {
		t.Errorf("%d items left, want 25", len(page.Items))
	}
}

func TestErase(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b, "alice", 30)
	seed(t, b, "bob", 7)
	c := &engine.Counter{Backend: b, Table: "records", PartitionAttr: "tenant", SortAttr: "id"}
	if _, err := c.Next(context.Background(), "alice"); err != nil {
		t.Fatalf("Next: %v", err)
	}

	n, err := engine.Erase(context.Background(), b, testSchema(), nil)
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if n != 38 {
		t.Errorf("erased %d, want 38", n)
	}
	page, err := b.Scan(context.Background(), &table.ScanInput{Table: "records"})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(page.Items) != 0 {
		t.Errorf("%d items left", len(page.Items))
	}
}

func TestContentID(t *testing.T) {
	got := engine.ContentID([]byte("abc"))
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("ContentID = %s", got)
	}
}

func TestEraseHookAborts(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b, "alice", 5)
	boom := errors.New("boom")
	calls := 0
	n, err := engine.Erase(context.Background(), b, testSchema(), func(_ context.Context, item table.Item) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
}

func TestLifecycle(t *testing.T) {
	var l engine.Lifecycle
	ctx := context.Background()
	if err := l.Check(ctx); !errors.Is(err, nosqlerrors.ErrNotOpen) {
		t.Errorf("before open: %v", err)
	}
	l.Opened()
	if err := l.Check(ctx); err != nil {
		t.Errorf("open: %v", err)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := l.Check(cctx); !errors.Is(err, nosqlerrors.ErrAborted) {
		t.Errorf("cancelled: %v", err)
	}
	if !l.Closing() || l.Closing() {
		t.Error("Closing should report the first close exactly once")
	}
	if err := l.Check(ctx); !errors.Is(err, nosqlerrors.ErrNotOpen) {
		t.Errorf("after close: %v", err)
	}
}

func TestLifecycleCloseNeverOpened(t *testing.T) {
	var l engine.Lifecycle
	if !l.Closing() {
		t.Error("first Closing on an unopened store should report true")
	}
	if l.Closing() {
		t.Error("second Closing should report false")
	}
	if err := l.Check(context.Background()); !errors.Is(err, nosqlerrors.ErrNotOpen) {
		t.Errorf("after close: %v", err)
	}
}
