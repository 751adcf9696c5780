package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/gezibash/arc-nosql/internal/table"
)

// fakeService answers the JSON protocol for the handful of operations the
// backend issues and records every request body.
type fakeService struct {
	mu       sync.Mutex
	tables   map[string]bool
	requests map[string][]map[string]any
	replies  map[string]string
	failures map[string]string
	raced    bool
}

func newFakeService() *fakeService {
	return &fakeService{
		tables:   map[string]bool{},
		requests: map[string][]map[string]any{},
		replies:  map[string]string{},
		failures: map[string]string{},
	}
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := r.Header.Get("X-Amz-Target")
	op = op[strings.LastIndex(op, ".")+1:]
	body, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[op] = append(f.requests[op], req)

	if op == "CreateTable" && f.raced {
		// Another writer created the table first.
		f.tables[req["TableName"].(string)] = true
	}

	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	if code, ok := f.failures[op]; ok {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"__type":"com.amazonaws.dynamodb.v20120810#`+code+`","message":"fake"}`)
		return
	}

	switch op {
	case "DescribeTable":
		name, _ := req["TableName"].(string)
		if !f.tables[name] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"__type":"com.amazonaws.dynamodb.v20120810#ResourceNotFoundException","message":"no table"}`)
			return
		}
		_, _ = io.WriteString(w, `{"Table":{"TableName":"`+name+`","TableStatus":"ACTIVE",
			"KeySchema":[{"AttributeName":"tenant","KeyType":"HASH"},{"AttributeName":"id","KeyType":"RANGE"}],
			"GlobalSecondaryIndexes":[{"IndexName":"byTime","KeySchema":[{"AttributeName":"tenant","KeyType":"HASH"},{"AttributeName":"at","KeyType":"RANGE"}]}]}}`)
	case "CreateTable":
		name, _ := req["TableName"].(string)
		f.tables[name] = true
		_, _ = io.WriteString(w, `{"TableDescription":{"TableName":"`+name+`","TableStatus":"ACTIVE"}}`)
	default:
		reply, ok := f.replies[op]
		if !ok {
			reply = `{}`
		}
		_, _ = io.WriteString(w, reply)
	}
}

func (f *fakeService) last(op string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.requests[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func (f *fakeService) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests[op])
}

func newTestBackend(t *testing.T) (*Backend, *fakeService) {
	t.Helper()
	fake := newFakeService()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := aws.Config{
		Region:           "us-east-1",
		Credentials:      credentials.NewStaticCredentialsProvider("test", "test", ""),
		RetryMaxAttempts: 1,
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(srv.URL)
	})
	b := NewWithClient(client, 5*time.Second)
	t.Cleanup(func() { b.Close() })
	return b, fake
}

func testSchema() table.Schema {
	return table.Schema{
		Table:     "events",
		Partition: table.KeyDef{Name: "tenant", Type: table.String},
		Sort:      &table.KeyDef{Name: "id", Type: table.String},
		Indexes: []table.Index{{
			Name:      "byTime",
			Partition: table.KeyDef{Name: "tenant", Type: table.String},
			Sort:      table.KeyDef{Name: "at", Type: table.Number},
		}},
	}
}

func TestEnsureTableCreatesOnce(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()

	if err := b.EnsureTable(ctx, testSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if err := b.EnsureTable(ctx, testSchema()); err != nil {
		t.Fatalf("EnsureTable (again): %v", err)
	}
	if n := fake.count("CreateTable"); n != 1 {
		t.Fatalf("CreateTable calls = %d, want 1", n)
	}

	req := fake.last("CreateTable")
	if req["BillingMode"] != "PAY_PER_REQUEST" {
		t.Errorf("BillingMode = %v", req["BillingMode"])
	}
	defs, _ := req["AttributeDefinitions"].([]any)
	if len(defs) != 3 {
		t.Errorf("AttributeDefinitions = %v, want tenant, id and at", defs)
	}
	gsis, _ := req["GlobalSecondaryIndexes"].([]any)
	if len(gsis) != 1 {
		t.Fatalf("GlobalSecondaryIndexes = %v", gsis)
	}
	proj := gsis[0].(map[string]any)["Projection"].(map[string]any)
	if proj["ProjectionType"] != "ALL" {
		t.Errorf("ProjectionType = %v", proj["ProjectionType"])
	}
}

func TestCreateTableRaceIsTolerated(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.failures["CreateTable"] = "ResourceInUseException"
	fake.raced = true

	if err := b.EnsureTable(context.Background(), testSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
}

func TestPutConditionFailed(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.failures["PutItem"] = "ConditionalCheckFailedException"

	err := b.PutItem(context.Background(), "events", table.Item{"tenant": "t", "id": "1"}, table.NotExists("id"))
	if !errors.Is(err, table.ErrConditionFailed) {
		t.Fatalf("PutItem error = %v, want ErrConditionFailed", err)
	}
	req := fake.last("PutItem")
	if cond, _ := req["ConditionExpression"].(string); !strings.Contains(cond, "attribute_not_exists") {
		t.Errorf("ConditionExpression = %q", cond)
	}
}

func TestGetMissing(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.GetItem(context.Background(), "events", table.Key{"tenant": "t", "id": "x"})
	if !errors.Is(err, table.ErrNotFound) {
		t.Fatalf("GetItem error = %v, want ErrNotFound", err)
	}
}

func TestGetDecodesTypes(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.replies["GetItem"] = `{"Item":{"tenant":{"S":"t"},"id":{"S":"1"},"at":{"N":"42"},"raw":{"B":"AQI="}}}`

	item, err := b.GetItem(context.Background(), "events", table.Key{"tenant": "t", "id": "1"})
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if n, _ := item.Int("at"); n != 42 {
		t.Errorf("at = %v", item["at"])
	}
	if raw, _ := item.Bytes("raw"); len(raw) != 2 || raw[0] != 1 || raw[1] != 2 {
		t.Errorf("raw = %v", item["raw"])
	}
}

func TestIncrementReturnsNewValue(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.replies["UpdateItem"] = `{"Attributes":{"count":{"N":"7"}}}`

	n, err := b.Increment(context.Background(), "events", table.Key{"tenant": "t_counter", "id": "counter"}, "count", 1)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if n != 7 {
		t.Fatalf("Increment = %d, want 7", n)
	}
	req := fake.last("UpdateItem")
	if expr, _ := req["UpdateExpression"].(string); !strings.Contains(expr, "if_not_exists") {
		t.Errorf("UpdateExpression = %q", expr)
	}
	if req["ReturnValues"] != "UPDATED_NEW" {
		t.Errorf("ReturnValues = %v", req["ReturnValues"])
	}
}

func TestBatchDeleteUnprocessed(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.replies["BatchWriteItem"] = `{"UnprocessedItems":{"events":[{"DeleteRequest":{"Key":{"tenant":{"S":"t"},"id":{"S":"2"}}}}]}}`

	keys := []table.Key{{"tenant": "t", "id": "1"}, {"tenant": "t", "id": "2"}}
	err := b.BatchDelete(context.Background(), "events", keys)
	if !errors.Is(err, table.ErrUnprocessed) {
		t.Fatalf("BatchDelete error = %v, want ErrUnprocessed", err)
	}
	if n := fake.count("BatchWriteItem"); n != 1 {
		t.Errorf("BatchWriteItem calls = %d, want 1 (no retry)", n)
	}
}

func TestBatchDeleteTooLarge(t *testing.T) {
	b, fake := newTestBackend(t)
	keys := make([]table.Key, table.DefaultBatchLimit+1)
	for i := range keys {
		keys[i] = table.Key{"tenant": "t", "id": string(rune('a' + i))}
	}
	if err := b.BatchDelete(context.Background(), "events", keys); !errors.Is(err, table.ErrBatchTooLarge) {
		t.Fatalf("BatchDelete error = %v, want ErrBatchTooLarge", err)
	}
	if fake.count("BatchWriteItem") != 0 {
		t.Error("oversized batch reached the service")
	}
}

func TestQueryRequestAndPage(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()
	if err := b.EnsureTable(ctx, testSchema()); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	fake.replies["Query"] = `{"Items":[{"tenant":{"S":"t"},"id":{"S":"1"},"at":{"N":"5"}}],
		"Count":1,"ScannedCount":3,
		"LastEvaluatedKey":{"tenant":{"S":"t"},"id":{"S":"1"},"at":{"N":"5"}}}`
	describes := fake.count("DescribeTable")

	page, err := b.Query(ctx, &table.QueryInput{
		Table: "events",
		Index: "byTime",
		KeyCondition: table.KeyCondition{
			Partition: "t",
			Sort:      &table.SortCondition{Op: table.OpBetween, Value: int64(1), Upper: int64(9)},
		},
		Filter:     table.Filter{{{Attr: "kind", Op: table.OpEq, Value: "a"}}, {{Attr: "kind", Op: table.OpEq, Value: "b"}}},
		Descending: true,
		Limit:      3,
		StartKey:   table.Key{"tenant": "t", "id": "0", "at": int64(1)},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Items) != 1 || page.Scanned != 3 {
		t.Fatalf("page = %d items, %d scanned", len(page.Items), page.Scanned)
	}
	if page.LastKey == nil {
		t.Fatal("LastKey not decoded")
	}

	req := fake.last("Query")
	if req["IndexName"] != "byTime" {
		t.Errorf("IndexName = %v", req["IndexName"])
	}
	if req["ScanIndexForward"] != false {
		t.Errorf("ScanIndexForward = %v", req["ScanIndexForward"])
	}
	if req["Limit"] != float64(3) {
		t.Errorf("Limit = %v", req["Limit"])
	}
	if kc, _ := req["KeyConditionExpression"].(string); !strings.Contains(kc, "BETWEEN") {
		t.Errorf("KeyConditionExpression = %q", kc)
	}
	if fe, _ := req["FilterExpression"].(string); !strings.Contains(fe, "OR") {
		t.Errorf("FilterExpression = %q", fe)
	}
	if req["ExclusiveStartKey"] == nil {
		t.Error("ExclusiveStartKey not sent")
	}
	if fake.count("DescribeTable") != describes {
		t.Errorf("key names should come from the EnsureTable schema")
	}
}

func TestQueryDescribesUnknownTable(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.tables["events"] = true

	_, err := b.Query(context.Background(), &table.QueryInput{
		Table:        "events",
		Index:        "byTime",
		KeyCondition: table.KeyCondition{Partition: "t"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if fake.count("DescribeTable") != 1 {
		t.Fatalf("DescribeTable calls = %d, want 1", fake.count("DescribeTable"))
	}
}

func TestClosed(t *testing.T) {
	b, _ := newTestBackend(t)
	_ = b.Close()
	if err := b.DeleteItem(context.Background(), "events", table.Key{"tenant": "t", "id": "1"}); !errors.Is(err, table.ErrClosed) {
		t.Fatalf("DeleteItem after Close = %v, want ErrClosed", err)
	}
}
