// Package tabletest provides a conformance suite shared by table backends.
package tabletest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/gezibash/arc-nosql/internal/table"
)

// NewBackend returns a fresh, empty backend. The suite closes it.
type NewBackend func(t *testing.T) table.Backend

// Schema is the table every case runs against: a (tenant, id) table with a
// numeric "seq" index and a string "kind" index.
func Schema(name string) table.Schema {
	return table.Schema{
		Table:     name,
		Partition: table.KeyDef{Name: "tenant", Type: table.String},
		Sort:      &table.KeyDef{Name: "id", Type: table.String},
		Indexes: []table.Index{
			{Name: "seq", Partition: table.KeyDef{Name: "tenant", Type: table.String}, Sort: table.KeyDef{Name: "seq", Type: table.Number}},
			{Name: "kind", Partition: table.KeyDef{Name: "tenant", Type: table.String}, Sort: table.KeyDef{Name: "kindSort", Type: table.String}},
		},
	}
}

// Run executes every case.
func Run(t *testing.T, newBackend NewBackend) {
	cases := []struct {
		name string
		fn   func(t *testing.T, b table.Backend)
	}{
		{"PutGetDelete", testPutGetDelete},
		{"Conditions", testConditions},
		{"UpdateUpserts", testUpdateUpserts},
		{"QueryOrder", testQueryOrder},
		{"QueryContinuation", testQueryContinuation},
		{"SortConditions", testSortConditions},
		{"IndexSparse", testIndexSparse},
		{"IndexMoves", testIndexMoves},
		{"FilterAfterLimit", testFilterAfterLimit},
		{"PartitionIsolation", testPartitionIsolation},
		{"IncrementConcurrent", testIncrementConcurrent},
		{"BatchDelete", testBatchDelete},
		{"ScanPages", testScanPages},
		{"Closed", testClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			if err := b.EnsureTable(context.Background(), Schema("items")); err != nil {
				t.Fatalf("EnsureTable: %v", err)
			}
			tc.fn(t, b)
		})
	}
}

func put(t *testing.T, b table.Backend, item table.Item) {
	t.Helper()
	if err := b.PutItem(context.Background(), "items", item, nil); err != nil {
		t.Fatalf("PutItem(%v): %v", item, err)
	}
}

func ids(items []table.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i], _ = it.String("id")
	}
	return out
}

func equal(a, b []string) bool {
	return slices.Equal(a, b)
}

// drain runs in to completion, following LastKey.
func drain(t *testing.T, b table.Backend, in table.QueryInput) []table.Item {
	t.Helper()
	var out []table.Item
	for range 1000 {
		page, err := b.Query(context.Background(), &in)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		out = append(out, page.Items...)
		if page.LastKey == nil {
			return out
		}
		in.StartKey = page.LastKey
	}
	t.Fatal("query did not terminate")
	return nil
}

func seed(t *testing.T, b table.Backend, tenant string, n int) {
	t.Helper()
	for i := range n {
		put(t, b, table.Item{
			"tenant":   tenant,
			"id":       fmt.Sprintf("id-%02d", i),
			"seq":      int64(n - i),
			"kindSort": fmt.Sprintf("k%d", i%3),
			"kind":     fmt.Sprintf("k%d", i%3),
		})
	}
}

func testPutGetDelete(t *testing.T, b table.Backend) {
	ctx := context.Background()
	key := table.Key{"tenant": "t", "id": "a"}
	if _, err := b.GetItem(ctx, "items", key); !errors.Is(err, table.ErrNotFound) {
		t.Fatalf("GetItem before put = %v, want ErrNotFound", err)
	}
	put(t, b, table.Item{"tenant": "t", "id": "a", "seq": 1, "raw": []byte{0, 1, 2}})

	got, err := b.GetItem(ctx, "items", key)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if n, ok := got.Int("seq"); !ok || n != 1 {
		t.Errorf("seq = %#v, want int64 1", got["seq"])
	}
	if raw, ok := got.Bytes("raw"); !ok || len(raw) != 3 || raw[2] != 2 {
		t.Errorf("raw = %#v", got["raw"])
	}

	if err := b.DeleteItem(ctx, "items", key); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if err := b.DeleteItem(ctx, "items", key); err != nil {
		t.Fatalf("DeleteItem (absent): %v", err)
	}
	if _, err := b.GetItem(ctx, "items", key); !errors.Is(err, table.ErrNotFound) {
		t.Fatalf("GetItem after delete = %v, want ErrNotFound", err)
	}
	page, err := b.Query(ctx, &table.QueryInput{Table: "items", Index: "seq", KeyCondition: table.KeyCondition{Partition: "t"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("index still holds %d items after delete", len(page.Items))
	}
}

func testConditions(t *testing.T, b table.Backend) {
	ctx := context.Background()
	item := table.Item{"tenant": "t", "id": "a", "state": "new"}
	if err := b.PutItem(ctx, "items", item, table.NotExists("id")); err != nil {
		t.Fatalf("first conditional put: %v", err)
	}
	if err := b.PutItem(ctx, "items", item, table.NotExists("id")); !errors.Is(err, table.ErrConditionFailed) {
		t.Fatalf("second conditional put = %v, want ErrConditionFailed", err)
	}

	key := table.Key{"tenant": "t", "id": "a"}
	if err := b.Update(ctx, "items", key, table.Item{"state": "taken"}, table.Equals("state", "new")); err != nil {
		t.Fatalf("Update(state=new): %v", err)
	}
	if err := b.Update(ctx, "items", key, table.Item{"state": "stolen"}, table.Equals("state", "new")); !errors.Is(err, table.ErrConditionFailed) {
		t.Fatalf("stale Update = %v, want ErrConditionFailed", err)
	}
	missing := table.Key{"tenant": "t", "id": "missing"}
	if err := b.Update(ctx, "items", missing, table.Item{"state": "x"}, table.Exists("id")); !errors.Is(err, table.ErrConditionFailed) {
		t.Fatalf("Update(missing, exists) = %v, want ErrConditionFailed", err)
	}

	got, err := b.GetItem(ctx, "items", key)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if s, _ := got.String("state"); s != "taken" {
		t.Fatalf("state = %q, want taken", s)
	}
}

func testUpdateUpserts(t *testing.T, b table.Backend) {
	ctx := context.Background()
	key := table.Key{"tenant": "t", "id": "u"}
	if err := b.Update(ctx, "items", key, table.Item{"seq": int64(9)}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := b.GetItem(ctx, "items", key)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if n, _ := got.Int("seq"); n != 9 {
		t.Fatalf("seq = %v", got["seq"])
	}
	if err := b.Update(ctx, "items", key, table.Item{"id": "other"}, nil); err == nil {
		t.Fatal("updating a key attribute should fail")
	}
}

func testQueryOrder(t *testing.T, b table.Backend) {
	seed(t, b, "t", 5)

	asc := drain(t, b, table.QueryInput{Table: "items", KeyCondition: table.KeyCondition{Partition: "t"}})
	if want := []string{"id-00", "id-01", "id-02", "id-03", "id-04"}; !equal(ids(asc), want) {
		t.Fatalf("ascending = %v, want %v", ids(asc), want)
	}

	// seq runs opposite to id.
	bySeq := drain(t, b, table.QueryInput{Table: "items", Index: "seq", KeyCondition: table.KeyCondition{Partition: "t"}})
	if want := []string{"id-04", "id-03", "id-02", "id-01", "id-00"}; !equal(ids(bySeq), want) {
		t.Fatalf("by seq = %v, want %v", ids(bySeq), want)
	}

	desc := drain(t, b, table.QueryInput{Table: "items", Index: "seq", Descending: true, KeyCondition: table.KeyCondition{Partition: "t"}})
	if want := []string{"id-00", "id-01", "id-02", "id-03", "id-04"}; !equal(ids(desc), want) {
		t.Fatalf("by seq descending = %v, want %v", ids(desc), want)
	}
}

func testQueryContinuation(t *testing.T, b table.Backend) {
	seed(t, b, "t", 7)
	ctx := context.Background()

	for _, desc := range []bool{false, true} {
		in := table.QueryInput{Table: "items", Index: "kind", Limit: 2, Descending: desc, KeyCondition: table.KeyCondition{Partition: "t"}}
		var pages int
		var got []table.Item
		for {
			page, err := b.Query(ctx, &in)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			pages++
			if len(page.Items) > 2 {
				t.Fatalf("page holds %d items, limit 2", len(page.Items))
			}
			got = append(got, page.Items...)
			if page.LastKey == nil {
				break
			}
			for _, attr := range []string{"tenant", "id", "kindSort"} {
				if _, ok := page.LastKey[attr]; !ok {
					t.Fatalf("LastKey %v lacks %s", page.LastKey, attr)
				}
			}
			in.StartKey = page.LastKey
		}
		if len(got) != 7 {
			t.Fatalf("descending=%v: drained %d items, want 7", desc, len(got))
		}
		seen := map[string]bool{}
		for _, id := range ids(got) {
			if seen[id] {
				t.Fatalf("descending=%v: %s returned twice", desc, id)
			}
			seen[id] = true
		}
		if pages < 4 {
			t.Fatalf("descending=%v: %d pages, want at least 4", desc, pages)
		}
	}
}

func testSortConditions(t *testing.T, b table.Backend) {
	seed(t, b, "t", 6) // seq 6..1 for id-00..id-05

	cases := []struct {
		name string
		sc   *table.SortCondition
		want []string
	}{
		{"eq", &table.SortCondition{Op: table.OpEq, Value: int64(3)}, []string{"id-03"}},
		{"gt", &table.SortCondition{Op: table.OpGT, Value: int64(4)}, []string{"id-01", "id-00"}},
		{"gte", &table.SortCondition{Op: table.OpGTE, Value: int64(5)}, []string{"id-01", "id-00"}},
		{"lt", &table.SortCondition{Op: table.OpLT, Value: int64(3)}, []string{"id-05", "id-04"}},
		{"lte", &table.SortCondition{Op: table.OpLTE, Value: int64(2)}, []string{"id-05", "id-04"}},
		{"between", &table.SortCondition{Op: table.OpBetween, Value: int64(2), Upper: int64(4)}, []string{"id-04", "id-03", "id-02"}},
	}
	for _, tc := range cases {
		for _, desc := range []bool{false, true} {
			got := ids(drain(t, b, table.QueryInput{
				Table: "items", Index: "seq", Descending: desc, Limit: 1,
				KeyCondition: table.KeyCondition{Partition: "t", Sort: tc.sc},
			}))
			want := slices.Clone(tc.want)
			if desc {
				slices.Reverse(want)
			}
			if !equal(got, want) {
				t.Errorf("%s descending=%v: got %v, want %v", tc.name, desc, got, want)
			}
		}
	}
}

func testIndexSparse(t *testing.T, b table.Backend) {
	put(t, b, table.Item{"tenant": "t", "id": "with", "seq": int64(1)})
	put(t, b, table.Item{"tenant": "t", "id": "without"})
	put(t, b, table.Item{"tenant": "t", "id": "wrong-type", "seq": "1"})

	got := ids(drain(t, b, table.QueryInput{Table: "items", Index: "seq", KeyCondition: table.KeyCondition{Partition: "t"}}))
	if !equal(got, []string{"with"}) {
		t.Fatalf("seq index = %v, want [with]", got)
	}
}

func testIndexMoves(t *testing.T, b table.Backend) {
	put(t, b, table.Item{"tenant": "t", "id": "a", "seq": int64(1)})
	put(t, b, table.Item{"tenant": "t", "id": "b", "seq": int64(2)})
	if err := b.Update(context.Background(), "items", table.Key{"tenant": "t", "id": "a"}, table.Item{"seq": int64(3)}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := ids(drain(t, b, table.QueryInput{Table: "items", Index: "seq", KeyCondition: table.KeyCondition{Partition: "t"}}))
	if !equal(got, []string{"b", "a"}) {
		t.Fatalf("seq index = %v, want [b a]", got)
	}
}

func testFilterAfterLimit(t *testing.T, b table.Backend) {
	seed(t, b, "t", 6) // kinds k0 k1 k2 k0 k1 k2
	ctx := context.Background()

	page, err := b.Query(ctx, &table.QueryInput{
		Table:        "items",
		Limit:        3,
		KeyCondition: table.KeyCondition{Partition: "t"},
		Filter:       table.Filter{{{Attr: "kind", Op: table.OpEq, Value: "k1"}}},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Scanned != 3 {
		t.Errorf("Scanned = %d, want 3", page.Scanned)
	}
	if !equal(ids(page.Items), []string{"id-01"}) {
		t.Errorf("items = %v, want [id-01]", ids(page.Items))
	}
	if page.LastKey == nil {
		t.Error("LastKey should be set when the limit stopped evaluation")
	}

	// OR of clauses, AND within a clause, and type mismatches never match.
	all := drain(t, b, table.QueryInput{
		Table:        "items",
		KeyCondition: table.KeyCondition{Partition: "t"},
		Filter: table.Filter{
			{{Attr: "kind", Op: table.OpEq, Value: "k0"}, {Attr: "seq", Op: table.OpGT, Value: int64(4)}},
			{{Attr: "kind", Op: table.OpEq, Value: "k2"}, {Attr: "seq", Op: table.OpLTE, Value: int64(1)}},
			{{Attr: "seq", Op: table.OpEq, Value: "3"}},
			{{Attr: "missing", Op: table.OpEq, Value: "x"}},
		},
	})
	if !equal(ids(all), []string{"id-00", "id-05"}) {
		t.Errorf("filtered = %v, want [id-00 id-05]", ids(all))
	}
}

func testPartitionIsolation(t *testing.T, b table.Backend) {
	put(t, b, table.Item{"tenant": "abc", "id": "1", "seq": int64(1)})
	put(t, b, table.Item{"tenant": "abc\x00d", "id": "2", "seq": int64(1)})
	put(t, b, table.Item{"tenant": "abcd", "id": "3", "seq": int64(1)})

	for _, desc := range []bool{false, true} {
		for _, index := range []string{"", "seq"} {
			got := ids(drain(t, b, table.QueryInput{Table: "items", Index: index, Descending: desc, KeyCondition: table.KeyCondition{Partition: "abc"}}))
			if !equal(got, []string{"1"}) {
				t.Errorf("index=%q descending=%v: got %v, want [1]", index, desc, got)
			}
		}
	}
}

func testIncrementConcurrent(t *testing.T, b table.Backend) {
	const workers = 16
	key := table.Key{"tenant": "t_counter", "id": "counter"}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]bool{}
	)
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := b.Increment(context.Background(), "items", key, "count", 1)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Increment: %v", err)
	}
	if len(seen) != workers {
		t.Fatalf("distinct values = %d, want %d", len(seen), workers)
	}
	for i := int64(1); i <= workers; i++ {
		if !seen[i] {
			t.Fatalf("value %d never returned", i)
		}
	}
}

func testBatchDelete(t *testing.T, b table.Backend) {
	seed(t, b, "t", 5)
	ctx := context.Background()

	keys := []table.Key{{"tenant": "t", "id": "id-01"}, {"tenant": "t", "id": "id-03"}, {"tenant": "t", "id": "absent"}}
	if err := b.BatchDelete(ctx, "items", keys); err != nil {
		t.Fatalf("BatchDelete: %v", err)
	}
	got := ids(drain(t, b, table.QueryInput{Table: "items", KeyCondition: table.KeyCondition{Partition: "t"}}))
	if !equal(got, []string{"id-00", "id-02", "id-04"}) {
		t.Fatalf("remaining = %v", got)
	}

	big := make([]table.Key, b.BatchLimit()+1)
	for i := range big {
		big[i] = table.Key{"tenant": "t", "id": fmt.Sprintf("x%d", i)}
	}
	if err := b.BatchDelete(ctx, "items", big); !errors.Is(err, table.ErrBatchTooLarge) {
		t.Fatalf("oversized BatchDelete = %v, want ErrBatchTooLarge", err)
	}
}

func testScanPages(t *testing.T, b table.Backend) {
	seed(t, b, "a", 3)
	seed(t, b, "b", 4)
	ctx := context.Background()

	in := &table.ScanInput{Table: "items", Limit: 3}
	total := 0
	for range 100 {
		page, err := b.Scan(ctx, in)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		total += len(page.Items)
		if page.LastKey == nil {
			break
		}
		in.StartKey = page.LastKey
	}
	if total != 7 {
		t.Fatalf("scanned %d items, want 7", total)
	}
}

func testClosed(t *testing.T, b table.Backend) {
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.GetItem(context.Background(), "items", table.Key{"tenant": "t", "id": "a"}); !errors.Is(err, table.ErrClosed) {
		t.Fatalf("GetItem after Close = %v, want ErrClosed", err)
	}
}
