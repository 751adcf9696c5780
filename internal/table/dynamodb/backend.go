// Package dynamodb provides the managed-service table backend.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/gezibash/arc-nosql/internal/storage"
	"github.com/gezibash/arc-nosql/internal/table"
)

const (
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyOffline         = "offline"
	KeyBillingMode     = "billing_mode"
	KeyReadCapacity    = "read_capacity"
	KeyWriteCapacity   = "write_capacity"
	KeyTableWait       = "table_wait"
	KeyMaxAttempts     = "max_attempts"

	offlineEndpoint = "http://localhost:8000"
)

func init() {
	table.Register("dynamodb", NewFactory, Defaults)
}

// Defaults returns the default configuration for the DynamoDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:        "us-east-1",
		KeyEndpoint:      "",
		KeyOffline:       "false",
		KeyBillingMode:   "pay_per_request",
		KeyReadCapacity:  "5",
		KeyWriteCapacity: "5",
		KeyTableWait:     "2m",
		KeyMaxAttempts:   "3",
	}
}

// NewFactory creates a DynamoDB backend. In offline mode the client targets
// a local emulator, by default http://localhost:8000, with placeholder
// credentials.
func NewFactory(ctx context.Context, config storage.Config) (table.Backend, error) {
	region := config.String(KeyRegion, "us-east-1")
	endpoint := config.String(KeyEndpoint, "")
	offline, err := config.Bool(KeyOffline, false)
	if err != nil {
		return nil, err
	}
	billing, err := config.OneOf(KeyBillingMode, "pay_per_request", "pay_per_request", "provisioned")
	if err != nil {
		return nil, err
	}
	readCap, err := config.Int(KeyReadCapacity, 5)
	if err != nil {
		return nil, err
	}
	writeCap, err := config.Int(KeyWriteCapacity, 5)
	if err != nil {
		return nil, err
	}
	wait, err := config.Duration(KeyTableWait, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := config.Int(KeyMaxAttempts, 3)
	if err != nil {
		return nil, err
	}

	accessKey := config.String(KeyAccessKeyID, "")
	secretKey := config.String(KeySecretAccessKey, "")
	if offline {
		if endpoint == "" {
			endpoint = offlineEndpoint
		}
		if accessKey == "" {
			accessKey, secretKey = "offline", "offline"
		}
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(maxAttempts),
	}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storage.NewConfigError(config.Backend(), KeyRegion, "failed to load aws config").WithCause(err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	b := NewWithClient(client, wait)
	if billing == "provisioned" {
		b.throughput = &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(int64(readCap)),
			WriteCapacityUnits: aws.Int64(int64(writeCap)),
		}
	}

	slog.Info("dynamodb table backend initialized", "region", region, "endpoint", endpoint, "billing_mode", billing)
	return b, nil
}

// Backend implements table.Backend against DynamoDB.
type Backend struct {
	client     *dynamodb.Client
	wait       time.Duration
	throughput *types.ProvisionedThroughput

	mu   sync.RWMutex
	keys map[string]keyNames

	closed atomic.Bool
}

var _ table.Backend = (*Backend)(nil)

// NewWithClient wraps an existing client. Tables are created on demand.
func NewWithClient(client *dynamodb.Client, wait time.Duration) *Backend {
	return &Backend{client: client, wait: wait, keys: make(map[string]keyNames)}
}

func (b *Backend) check(ctx context.Context) error {
	if b.closed.Load() {
		return table.ErrClosed
	}
	return ctx.Err()
}

func (b *Backend) EnsureTable(ctx context.Context, schema table.Schema) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if err := schema.Validate(); err != nil {
		return err
	}
	b.remember(schema)

	_, err := b.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(schema.Table)})
	if err == nil {
		return b.waitActive(ctx, schema.Table)
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("dynamodb describe table %s: %w", schema.Table, err)
	}

	_, err = b.client.CreateTable(ctx, createTableInput(schema, b.throughput))
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("dynamodb create table %s: %w", schema.Table, err)
	}
	if err == nil {
		slog.InfoContext(ctx, "dynamodb table created", "table", schema.Table, "indexes", len(schema.Indexes))
	}
	return b.waitActive(ctx, schema.Table)
}

func (b *Backend) waitActive(ctx context.Context, name string) error {
	waiter := dynamodb.NewTableExistsWaiter(b.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, b.wait); err != nil {
		return fmt.Errorf("dynamodb wait table %s: %w", name, err)
	}
	return nil
}

// keyNames are the partition and sort attribute names of a table or index.
type keyNames struct {
	partition, sort string
}

func (b *Backend) remember(schema table.Schema) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := keyNames{partition: schema.Partition.Name}
	if schema.Sort != nil {
		k.sort = schema.Sort.Name
	}
	b.keys[schema.Table] = k
	for _, idx := range schema.Indexes {
		b.keys[schema.Table+"/"+idx.Name] = keyNames{partition: idx.Partition.Name, sort: idx.Sort.Name}
	}
}

// keyNames resolves key attribute names from the schemas seen by
// EnsureTable, describing the table when it was provisioned elsewhere.
func (b *Backend) keyNames(ctx context.Context, tableName, index string) (keyNames, error) {
	id := tableName
	if index != "" {
		id += "/" + index
	}
	b.mu.RLock()
	k, ok := b.keys[id]
	b.mu.RUnlock()
	if ok {
		return k, nil
	}

	out, err := b.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)})
	if err != nil {
		return keyNames{}, mapError(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[tableName] = fromKeySchema(out.Table.KeySchema)
	for _, gsi := range out.Table.GlobalSecondaryIndexes {
		b.keys[tableName+"/"+aws.ToString(gsi.IndexName)] = fromKeySchema(gsi.KeySchema)
	}
	k, ok = b.keys[id]
	if !ok {
		return keyNames{}, fmt.Errorf("%w: index %s on %s", table.ErrTableNotFound, index, tableName)
	}
	return k, nil
}

func fromKeySchema(elems []types.KeySchemaElement) keyNames {
	var k keyNames
	for _, e := range elems {
		switch e.KeyType {
		case types.KeyTypeHash:
			k.partition = aws.ToString(e.AttributeName)
		case types.KeyTypeRange:
			k.sort = aws.ToString(e.AttributeName)
		}
	}
	return k
}

func createTableInput(schema table.Schema, throughput *types.ProvisionedThroughput) *dynamodb.CreateTableInput {
	defs := map[string]table.AttrType{}
	var order []string
	define := func(k table.KeyDef) {
		if _, ok := defs[k.Name]; !ok {
			order = append(order, k.Name)
		}
		defs[k.Name] = k.Type
	}

	define(schema.Partition)
	keySchema := []types.KeySchemaElement{{AttributeName: aws.String(schema.Partition.Name), KeyType: types.KeyTypeHash}}
	if schema.Sort != nil {
		define(*schema.Sort)
		keySchema = append(keySchema, types.KeySchemaElement{AttributeName: aws.String(schema.Sort.Name), KeyType: types.KeyTypeRange})
	}

	in := &dynamodb.CreateTableInput{
		TableName: aws.String(schema.Table),
		KeySchema: keySchema,
	}
	if throughput != nil {
		in.BillingMode = types.BillingModeProvisioned
		in.ProvisionedThroughput = throughput
	} else {
		in.BillingMode = types.BillingModePayPerRequest
	}

	for _, idx := range schema.Indexes {
		define(idx.Partition)
		define(idx.Sort)
		gsi := types.GlobalSecondaryIndex{
			IndexName: aws.String(idx.Name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(idx.Partition.Name), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(idx.Sort.Name), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}
		if throughput != nil {
			gsi.ProvisionedThroughput = throughput
		}
		in.GlobalSecondaryIndexes = append(in.GlobalSecondaryIndexes, gsi)
	}

	for _, name := range order {
		in.AttributeDefinitions = append(in.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: scalarType(defs[name]),
		})
	}
	return in
}

func scalarType(t table.AttrType) types.ScalarAttributeType {
	switch t {
	case table.Number:
		return types.ScalarAttributeTypeN
	case table.Binary:
		return types.ScalarAttributeTypeB
	default:
		return types.ScalarAttributeTypeS
	}
}

func (b *Backend) PutItem(ctx context.Context, tableName string, item table.Item, cond *table.Condition) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	av, err := marshalItem(item)
	if err != nil {
		return fmt.Errorf("dynamodb put: %w", err)
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(tableName), Item: av}
	if cond != nil {
		expr, err := conditionExpression(cond)
		if err != nil {
			return fmt.Errorf("dynamodb put: %w", err)
		}
		in.ConditionExpression = expr.Condition()
		in.ExpressionAttributeNames = expr.Names()
		in.ExpressionAttributeValues = expr.Values()
	}
	if _, err := b.client.PutItem(ctx, in); err != nil {
		return fmt.Errorf("dynamodb put: %w", mapError(err))
	}
	return nil
}

func (b *Backend) GetItem(ctx context.Context, tableName string, key table.Key) (table.Item, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	av, err := marshalItem(key)
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(tableName),
		Key:            av,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", mapError(err))
	}
	if len(out.Item) == 0 {
		return nil, table.ErrNotFound
	}
	item, err := unmarshalItem(out.Item)
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	return item, nil
}

func (b *Backend) DeleteItem(ctx context.Context, tableName string, key table.Key) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	av, err := marshalItem(key)
	if err != nil {
		return fmt.Errorf("dynamodb delete: %w", err)
	}
	if _, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(tableName), Key: av}); err != nil {
		return fmt.Errorf("dynamodb delete: %w", mapError(err))
	}
	return nil
}

func (b *Backend) BatchLimit() int { return table.DefaultBatchLimit }

// BatchDelete issues one BatchWriteItem request. Items the service leaves
// unprocessed are reported as ErrUnprocessed and not retried.
func (b *Backend) BatchDelete(ctx context.Context, tableName string, keys []table.Key) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	if len(keys) > table.DefaultBatchLimit {
		return fmt.Errorf("%w: %d > %d", table.ErrBatchTooLarge, len(keys), table.DefaultBatchLimit)
	}
	if len(keys) == 0 {
		return nil
	}
	reqs := make([]types.WriteRequest, 0, len(keys))
	for _, key := range keys {
		av, err := marshalItem(key)
		if err != nil {
			return fmt.Errorf("dynamodb batch delete: %w", err)
		}
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: av}})
	}
	out, err := b.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{tableName: reqs},
	})
	if err != nil {
		return fmt.Errorf("dynamodb batch delete: %w", mapError(err))
	}
	if n := len(out.UnprocessedItems[tableName]); n > 0 {
		return fmt.Errorf("dynamodb batch delete: %w: %d of %d", table.ErrUnprocessed, n, len(keys))
	}
	return nil
}

func (b *Backend) Increment(ctx context.Context, tableName string, key table.Key, attr string, delta int64) (int64, error) {
	if err := b.check(ctx); err != nil {
		return 0, err
	}
	av, err := marshalItem(key)
	if err != nil {
		return 0, fmt.Errorf("dynamodb increment: %w", err)
	}
	expr, err := incrementExpression(attr, delta)
	if err != nil {
		return 0, fmt.Errorf("dynamodb increment: %w", err)
	}
	out, err := b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(tableName),
		Key:                       av,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("dynamodb increment: %w", mapError(err))
	}
	attrs, err := unmarshalItem(out.Attributes)
	if err != nil {
		return 0, fmt.Errorf("dynamodb increment: %w", err)
	}
	n, ok := attrs.Int(attr)
	if !ok {
		return 0, fmt.Errorf("dynamodb increment: attribute %q missing from response", attr)
	}
	return n, nil
}

func (b *Backend) Update(ctx context.Context, tableName string, key table.Key, set table.Item, cond *table.Condition) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	for attr := range key {
		if _, ok := set[attr]; ok {
			return fmt.Errorf("dynamodb update: cannot update key attribute %q", attr)
		}
	}
	av, err := marshalItem(key)
	if err != nil {
		return fmt.Errorf("dynamodb update: %w", err)
	}
	expr, err := updateExpression(set, cond)
	if err != nil {
		return fmt.Errorf("dynamodb update: %w", err)
	}
	_, err = b.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(tableName),
		Key:                       av,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("dynamodb update: %w", mapError(err))
	}
	return nil
}

func (b *Backend) Query(ctx context.Context, in *table.QueryInput) (*table.Page, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	names, err := b.keyNames(ctx, in.Table, in.Index)
	if err != nil {
		return nil, fmt.Errorf("dynamodb query: %w", err)
	}
	expr, err := queryExpression(in, names)
	if err != nil {
		return nil, fmt.Errorf("dynamodb query: %w", err)
	}
	q := &dynamodb.QueryInput{
		TableName:                 aws.String(in.Table),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(!in.Descending),
	}
	if in.Index != "" {
		q.IndexName = aws.String(in.Index)
	}
	if in.Limit > 0 {
		q.Limit = aws.Int32(int32(in.Limit))
	}
	if in.StartKey != nil {
		if q.ExclusiveStartKey, err = marshalItem(in.StartKey); err != nil {
			return nil, fmt.Errorf("dynamodb query: %w", err)
		}
	}

	out, err := b.client.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("dynamodb query: %w", mapError(err))
	}
	page, err := toPage(out.Items, out.LastEvaluatedKey, int(out.ScannedCount))
	if err != nil {
		return nil, fmt.Errorf("dynamodb query: %w", err)
	}
	return page, nil
}

func (b *Backend) Scan(ctx context.Context, in *table.ScanInput) (*table.Page, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	s := &dynamodb.ScanInput{TableName: aws.String(in.Table), ConsistentRead: aws.Bool(true)}
	if in.Limit > 0 {
		s.Limit = aws.Int32(int32(in.Limit))
	}
	if in.StartKey != nil {
		var err error
		if s.ExclusiveStartKey, err = marshalItem(in.StartKey); err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}
	}
	out, err := b.client.Scan(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("dynamodb scan: %w", mapError(err))
	}
	page, err := toPage(out.Items, out.LastEvaluatedKey, int(out.ScannedCount))
	if err != nil {
		return nil, fmt.Errorf("dynamodb scan: %w", err)
	}
	return page, nil
}

// Close marks the backend closed. The SDK client holds no resources.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func toPage(items []map[string]types.AttributeValue, last map[string]types.AttributeValue, scanned int) (*table.Page, error) {
	page := &table.Page{Scanned: scanned, Items: make([]table.Item, 0, len(items))}
	for _, av := range items {
		item, err := unmarshalItem(av)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, item)
	}
	if len(last) > 0 {
		key, err := unmarshalItem(last)
		if err != nil {
			return nil, err
		}
		page.LastKey = key
	}
	return page, nil
}

func mapError(err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: %w", table.ErrConditionFailed, err)
	}
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("%w: %w", table.ErrTableNotFound, err)
	}
	return err
}
