package messagestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/arc-nosql/internal/blobstore"
	_ "github.com/gezibash/arc-nosql/internal/blobstore/memory"
	"github.com/gezibash/arc-nosql/internal/observability"
	"github.com/gezibash/arc-nosql/internal/table"
	_ "github.com/gezibash/arc-nosql/internal/table/memory"
	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
	"github.com/gezibash/arc-nosql/pkg/query"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	ctx := context.Background()
	b, err := table.New(ctx, "memory", nil, nil)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	s := New(b, opts)
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newBlobs(t *testing.T) *blobstore.BlobStore {
	t.Helper()
	b, err := blobstore.NewBackend(context.Background(), "memory", nil)
	if err != nil {
		t.Fatalf("blobstore.NewBackend: %v", err)
	}
	return blobstore.New(b, nil)
}

func put(t *testing.T, s *Store, tenant, cid string, indexes query.Indexes) {
	t.Helper()
	msg := &Message{CID: cid, Payload: []byte("payload-" + cid)}
	if err := s.Put(context.Background(), tenant, msg, indexes); err != nil {
		t.Fatalf("Put(%s): %v", cid, err)
	}
}

func cids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.CID
	}
	return out
}

func TestPutGetReservedName(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	msg := &Message{CID: "bafy1", Payload: []byte{0xa1, 0x00, 0xff}, InlinePayload: "aGVsbG8"}
	if err := s.Put(ctx, "alice", msg, query.Indexes{"schema": "foo", "method": "Write", "published": true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "alice", "bafy1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Indexes["schema"] != "foo" || got.Indexes["method"] != "Write" || got.Indexes["published"] != "true" {
		t.Errorf("Indexes = %v", got.Indexes)
	}
	if _, ok := got.Indexes["xschema"]; ok {
		t.Error("stored name leaked to caller")
	}
	if string(got.Payload) != string(msg.Payload) || got.InlinePayload != "aGVsbG8" {
		t.Errorf("payload = %x, inline = %q", got.Payload, got.InlinePayload)
	}
}

func TestGetAbsent(t *testing.T) {
	s := newTestStore(t, Options{})
	got, err := s.Get(context.Background(), "alice", "missing")
	if err != nil || got != nil {
		t.Fatalf("Get = %v, %v; want nil, nil", got, err)
	}
}

func TestNotOpen(t *testing.T) {
	b, err := table.New(context.Background(), "memory", nil, nil)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	s := New(b, Options{})
	t.Cleanup(func() { _ = b.Close() })

	if _, err := s.Get(context.Background(), "alice", "x"); !errors.Is(err, nosqlerrors.ErrNotOpen) {
		t.Errorf("Get: %v, want ErrNotOpen", err)
	}
	if err := s.Put(context.Background(), "alice", &Message{CID: "x"}, nil); !errors.Is(err, nosqlerrors.ErrNotOpen) {
		t.Errorf("Put: %v, want ErrNotOpen", err)
	}
}

func TestNotOpenRecordsFailure(t *testing.T) {
	b, err := table.New(context.Background(), "memory", nil, nil)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	m := observability.NewMetrics()
	s := New(b, Options{Metrics: m})
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.Get(context.Background(), "alice", "x"); !errors.Is(err, nosqlerrors.ErrNotOpen) {
		t.Fatalf("Get: %v, want ErrNotOpen", err)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("messagestore.get", "error")); got != 1 {
		t.Errorf("error total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("messagestore.get", "ok")); got != 0 {
		t.Errorf("ok total = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("messagestore.get", "not_open")); got != 1 {
		t.Errorf("not_open errors = %v, want 1", got)
	}
}

// closeCounter counts Close calls and can fail writes.
type closeCounter struct {
	table.Backend
	closes  int
	failPut error
}

func (c *closeCounter) Close() error {
	c.closes++
	return c.Backend.Close()
}

func (c *closeCounter) PutItem(ctx context.Context, name string, item table.Item, cond *table.Condition) error {
	if c.failPut != nil {
		return c.failPut
	}
	return c.Backend.PutItem(ctx, name, item, cond)
}

func newCounted(t *testing.T) *closeCounter {
	t.Helper()
	b, err := table.New(context.Background(), "memory", nil, nil)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	return &closeCounter{Backend: b}
}

func TestCloseWithoutOpenReleasesBackend(t *testing.T) {
	b := newCounted(t)
	s := New(b, Options{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if b.closes != 1 {
		t.Errorf("backend closes = %d, want 1", b.closes)
	}
	if _, err := s.Get(context.Background(), "alice", "x"); !errors.Is(err, nosqlerrors.ErrNotOpen) {
		t.Errorf("Get after Close: %v, want ErrNotOpen", err)
	}
}

func TestPutRejectsOwnedIndex(t *testing.T) {
	s := newTestStore(t, Options{})
	err := s.Put(context.Background(), "alice", &Message{CID: "x"}, query.Indexes{"messageCid": "y"})
	if !errors.Is(err, nosqlerrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	err = s.Put(context.Background(), "", &Message{CID: "x"}, nil)
	if !errors.Is(err, nosqlerrors.ErrInvalidInput) {
		t.Errorf("empty tenant: err = %v, want ErrInvalidInput", err)
	}
}

// seedMessages writes n messages: cid "m00".., messageTimestamp decreasing
// with i, dateCreated equal for all so order falls to the cid, and
// datePublished only on even messages.
func seedMessages(t *testing.T, s *Store, tenant string, n int) {
	t.Helper()
	for i := range n {
		idx := query.Indexes{
			"messageTimestamp": fmt.Sprintf("2024-01-01T00:00:%02dZ", 59-i),
			"dateCreated":      "2024-01-01T00:00:00Z",
			"kind":             []string{"post", "reply", "like"}[i%3],
		}
		if i%2 == 0 {
			idx["datePublished"] = fmt.Sprintf("2024-02-01T00:00:%02dZ", i)
		}
		put(t, s, tenant, fmt.Sprintf("m%02d", i), idx)
	}
}

func TestQuerySortDefaults(t *testing.T) {
	s := newTestStore(t, Options{})
	seedMessages(t, s, "alice", 6)
	seedMessages(t, s, "bob", 2)

	res, err := s.Query(context.Background(), "alice", nil, query.Sort{}, query.Pagination{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := []string{"m05", "m04", "m03", "m02", "m01", "m00"}
	if got := cids(res.Messages); !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if res.Cursor != "" {
		t.Errorf("unexpected cursor %q", res.Cursor)
	}
}

func TestQueryTieBreakAndSparseIndex(t *testing.T) {
	s := newTestStore(t, Options{})
	seedMessages(t, s, "alice", 6)
	ctx := context.Background()

	res, err := s.Query(ctx, "alice", nil, query.Sort{Property: SortDateCreated, Direction: query.Descending}, query.Pagination{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got, want := cids(res.Messages), []string{"m05", "m04", "m03", "m02", "m01", "m00"}; !slices.Equal(got, want) {
		t.Errorf("dateCreated desc: got %v, want %v", got, want)
	}

	res, err = s.Query(ctx, "alice", nil, query.Sort{Property: SortDatePublished}, query.Pagination{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got, want := cids(res.Messages), []string{"m00", "m02", "m04"}; !slices.Equal(got, want) {
		t.Errorf("datePublished: got %v, want %v", got, want)
	}
}

func TestQueryFiltersAndPagination(t *testing.T) {
	s := newTestStore(t, Options{})
	seedMessages(t, s, "alice", 30)
	ctx := context.Background()

	filters := []query.Filter{
		{"kind": query.Equal("post")},
		{"kind": query.Equal("like"), "datePublished": query.AtLeast("2024-02-01T00:00:20Z")},
	}
	var want []string
	for i := 29; i >= 0; i-- {
		if i%3 == 0 || (i%3 == 2 && i%2 == 0 && i >= 20) {
			want = append(want, fmt.Sprintf("m%02d", i))
		}
	}

	var got []string
	var cursor query.Cursor
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
		res, err := s.Query(ctx, "alice", filters, query.Sort{}, query.Pagination{Limit: 3, Cursor: cursor})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		got = append(got, cids(res.Messages)...)
		if res.Cursor == "" {
			break
		}
		cursor = res.Cursor
	}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestQueryRangeOnSortProperty(t *testing.T) {
	s := newTestStore(t, Options{})
	seedMessages(t, s, "alice", 20)

	// timestamps :45 through :49 are m14..m10
	filters := []query.Filter{{"messageTimestamp": query.Between("2024-01-01T00:00:45Z", "2024-01-01T00:00:50Z")}}
	res, err := s.Query(context.Background(), "alice", filters, query.Sort{Direction: query.Descending}, query.Pagination{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got, want := cids(res.Messages), []string{"m10", "m11"}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if res.Cursor == "" {
		t.Fatal("expected a cursor")
	}

	res, err = s.Query(context.Background(), "alice", filters, query.Sort{Direction: query.Descending}, query.Pagination{Limit: 2, Cursor: res.Cursor})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got, want := cids(res.Messages), []string{"m12", "m13"}; !slices.Equal(got, want) {
		t.Errorf("page 2: got %v, want %v", got, want)
	}
}

func TestQueryContradictoryRange(t *testing.T) {
	s := newTestStore(t, Options{})
	seedMessages(t, s, "alice", 5)
	filters := []query.Filter{{"messageTimestamp": {Range: &query.Range{GTE: "2025", LT: "2024"}}}}
	res, err := s.Query(context.Background(), "alice", filters, query.Sort{}, query.Pagination{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Errorf("got %v", cids(res.Messages))
	}
}

// A stored value that is a strict prefix of the upper bound sorts below it
// and must still be found through the sort key.
func TestQueryUpperBoundAbovePrefixValue(t *testing.T) {
	s := newTestStore(t, Options{})
	put(t, s, "alice", "day", query.Indexes{"dateCreated": "2024-01-01"})
	put(t, s, "alice", "later", query.Indexes{"dateCreated": "2024-01-02"})

	for _, r := range []*query.Range{
		{LTE: "2024-01-01T12:00:00Z"},
		{LT: "2024-01-01T12:00:00Z"},
		{GTE: "2023-12-31", LTE: "2024-01-01T12:00:00Z"},
	} {
		filters := []query.Filter{{"dateCreated": {Range: r}}}
		res, err := s.Query(context.Background(), "alice", filters, query.Sort{Property: SortDateCreated}, query.Pagination{})
		if err != nil {
			t.Fatalf("Query(%+v): %v", *r, err)
		}
		if got := cids(res.Messages); !slices.Equal(got, []string{"day"}) {
			t.Errorf("Query(%+v) = %v, want [day]", *r, got)
		}
	}
}

func TestQueryCursorValidation(t *testing.T) {
	s := newTestStore(t, Options{})
	seedMessages(t, s, "alice", 5)
	ctx := context.Background()

	res, err := s.Query(ctx, "alice", nil, query.Sort{}, query.Pagination{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	_, err = s.Query(ctx, "alice", nil, query.Sort{Property: SortDateCreated}, query.Pagination{Limit: 2, Cursor: res.Cursor})
	if !errors.Is(err, nosqlerrors.ErrInvalidCursor) {
		t.Errorf("cursor under other sort: %v, want ErrInvalidCursor", err)
	}
	_, err = s.Query(ctx, "bob", nil, query.Sort{}, query.Pagination{Limit: 2, Cursor: res.Cursor})
	if !errors.Is(err, nosqlerrors.ErrInvalidCursor) {
		t.Errorf("cursor for other tenant: %v, want ErrInvalidCursor", err)
	}
	_, err = s.Query(ctx, "alice", nil, query.Sort{}, query.Pagination{Cursor: "%%%"})
	if !errors.Is(err, nosqlerrors.ErrInvalidCursor) {
		t.Errorf("garbage cursor: %v, want ErrInvalidCursor", err)
	}
}

func TestQueryInvalidSort(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Query(context.Background(), "alice", nil, query.Sort{Property: "size"}, query.Pagination{})
	if !errors.Is(err, nosqlerrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestPayloadSpill(t *testing.T) {
	blobs := newBlobs(t)
	s := newTestStore(t, Options{InlineLimit: 8, Blobs: blobs})
	ctx := context.Background()

	big := []byte("a payload longer than eight bytes")
	if err := s.Put(ctx, "alice", &Message{CID: "big", Payload: big}, query.Indexes{"messageTimestamp": "1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	put(t, s, "alice", "small", query.Indexes{"messageTimestamp": "2"})

	item, err := s.backend.GetItem(ctx, s.schema.Table, table.Key{attrTenant: "alice", attrCID: "big"})
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if _, ok := item[attrPayload]; ok {
		t.Error("spilled payload still inline")
	}
	if item[attrRef] != "alice/big" {
		t.Errorf("ref = %v", item[attrRef])
	}

	res, err := s.Query(ctx, "alice", nil, query.Sort{}, query.Pagination{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Messages) != 2 || string(res.Messages[0].Payload) != string(big) {
		t.Fatalf("Query = %v", res.Messages)
	}

	if err := s.Delete(ctx, "alice", "big"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := blobs.Fetch(ctx, "alice/big", nil); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("blob after delete: %v, want ErrNotFound", err)
	}
}

func TestRePutInlineDropsSpilledBlob(t *testing.T) {
	blobs := newBlobs(t)
	s := newTestStore(t, Options{InlineLimit: 8, Blobs: blobs})
	ctx := context.Background()

	big := []byte("a payload longer than eight bytes")
	if err := s.Put(ctx, "alice", &Message{CID: "m", Payload: big}, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := blobs.Fetch(ctx, "alice/m", nil); err != nil {
		t.Fatalf("blob after spill: %v", err)
	}
	if err := s.Put(ctx, "alice", &Message{CID: "m", Payload: []byte("tiny")}, nil); err != nil {
		t.Fatalf("re-Put: %v", err)
	}
	if _, err := blobs.Fetch(ctx, "alice/m", nil); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("blob after inline re-put: %v, want ErrNotFound", err)
	}
	got, err := s.Get(ctx, "alice", "m")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != "tiny" {
		t.Errorf("payload = %q", got.Payload)
	}
}

func TestFailedPutDropsSpilledBlob(t *testing.T) {
	blobs := newBlobs(t)
	b := newCounted(t)
	s := New(b, Options{InlineLimit: 8, Blobs: blobs})
	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	b.failPut = errors.New("throttled")
	err := s.Put(ctx, "alice", &Message{CID: "m", Payload: []byte("a payload longer than eight bytes")}, nil)
	if !nosqlerrors.IsProvider(err) {
		t.Fatalf("Put: %v, want a provider error", err)
	}
	if _, err := blobs.Fetch(ctx, "alice/m", nil); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("blob after failed put: %v, want ErrNotFound", err)
	}
}

func TestDeleteAndClear(t *testing.T) {
	blobs := newBlobs(t)
	s := newTestStore(t, Options{InlineLimit: 4, Blobs: blobs})
	ctx := context.Background()
	seedMessages(t, s, "alice", 4)
	seedMessages(t, s, "bob", 3)

	if err := s.Delete(ctx, "alice", "m01"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "alice", "m01"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if got, _ := s.Get(ctx, "alice", "m01"); got != nil {
		t.Error("message still present")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for _, tenant := range []string{"alice", "bob"} {
		res, err := s.Query(ctx, tenant, nil, query.Sort{}, query.Pagination{})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(res.Messages) != 0 {
			t.Errorf("%s still has %v", tenant, cids(res.Messages))
		}
	}
	if _, err := blobs.Fetch(ctx, "bob/m00", nil); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("blob after clear: %v, want ErrNotFound", err)
	}
}
