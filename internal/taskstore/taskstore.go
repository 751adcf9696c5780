// Package taskstore keeps resumable tasks and hands them out under
// time-bounded leases. A task whose lease lapses becomes grabbable again.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/arc-nosql/internal/engine"
	"github.com/gezibash/arc-nosql/internal/observability"
	"github.com/gezibash/arc-nosql/internal/table"
	nosqlerrors "github.com/gezibash/arc-nosql/pkg/errors"
	"github.com/gezibash/arc-nosql/pkg/logging"
)

// DefaultTable is the table tasks are stored in.
const DefaultTable = "resumableTasks"

// LeaseDuration is how long a grabbed task stays hidden from other grabs.
const LeaseDuration = 60 * time.Second

const (
	attrID      = "taskid"
	attrTenant  = "tenantid"
	attrTimeout = "timeout"
	attrTask    = "task"
	attrRetries = "retryCount"
	attrLease   = "leaseId"

	indexTimeout = "timeout"

	// Tasks are not multi-tenant; every task lives in one index partition.
	defaultTenant = "default"
)

// Schema returns the task table definition.
func Schema(name string) table.Schema {
	return table.Schema{
		Table:     name,
		Partition: table.KeyDef{Name: attrID, Type: table.String},
		Indexes: []table.Index{{
			Name:      indexTimeout,
			Partition: table.KeyDef{Name: attrTenant, Type: table.String},
			Sort:      table.KeyDef{Name: attrTimeout, Type: table.Number},
		}},
	}
}

// ManagedTask is a stored task.
type ManagedTask struct {
	ID   string
	Task []byte

	// Timeout is when the task next becomes grabbable, in Unix milliseconds.
	Timeout int64

	// RetryCount is the number of times the task was grabbed again after a
	// lease lapsed.
	RetryCount int
}

// IDFunc derives a task id from the task body.
type IDFunc func(task []byte) string

// Options configures a Store.
type Options struct {
	// Table defaults to DefaultTable.
	Table string

	// ID defaults to engine.ContentID.
	ID IDFunc

	// Clock defaults to time.Now.
	Clock func() time.Time

	Metrics *observability.Metrics
}

// Store is the resumable task store. It owns its backend.
type Store struct {
	backend table.Backend
	schema  table.Schema
	id      IDFunc
	clock   func() time.Time
	metrics *observability.Metrics
	log     *logging.Logger
	life    engine.Lifecycle
}

// New creates a task store on backend. Call Open before use.
func New(backend table.Backend, opts Options) *Store {
	name := opts.Table
	if name == "" {
		name = DefaultTable
	}
	s := &Store{
		backend: backend,
		schema:  Schema(name),
		id:      opts.ID,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logging.New(nil).WithComponent("taskstore").WithTable(name),
	}
	if s.id == nil {
		s.id = engine.ContentID
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// Open provisions the table if needed.
func (s *Store) Open(ctx context.Context) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "taskstore.open")
	defer func() { op.End(err) }()

	if err = s.backend.EnsureTable(ctx, s.schema); err != nil {
		return nosqlerrors.Provider("ensure table", err)
	}
	s.life.Opened()
	s.log.InfoContext(ctx, "task store opened")
	return nil
}

// Close releases the backend, whether or not Open ran. Later calls are
// no-ops.
func (s *Store) Close() error {
	if !s.life.Closing() {
		return nil
	}
	s.log.Info("task store closed")
	return s.backend.Close()
}

func (s *Store) deadline(seconds int64) int64 {
	return s.clock().Add(time.Duration(seconds) * time.Second).UnixMilli()
}

// Register stores task, grabbable once timeoutSeconds have passed.
// Registering the same body again resets it.
func (s *Store) Register(ctx context.Context, task []byte, timeoutSeconds int64) (mt *ManagedTask, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "taskstore.register")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return nil, err
	}
	if timeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: negative timeout", nosqlerrors.ErrInvalidInput)
	}
	if task == nil {
		task = []byte{}
	}
	mt = &ManagedTask{
		ID:      s.id(task),
		Task:    task,
		Timeout: s.deadline(timeoutSeconds),
	}
	item := table.Item{
		attrID:      mt.ID,
		attrTenant:  defaultTenant,
		attrTimeout: mt.Timeout,
		attrTask:    mt.Task,
		attrRetries: int64(0),
	}
	if err = s.backend.PutItem(ctx, s.schema.Table, item, nil); err != nil {
		return nil, nosqlerrors.Provider("put", err)
	}
	s.log.DebugContext(ctx, "task registered", "id", mt.ID, "timeout", mt.Timeout)
	return mt, nil
}

// Grab leases up to count tasks whose timeout has passed, oldest first,
// pushing each one's timeout LeaseDuration into the future. Every lease is
// a conditional write on the timeout the grab observed, so a task is never
// handed to two concurrent grabs; the loser skips it.
func (s *Store) Grab(ctx context.Context, count int) (tasks []*ManagedTask, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "taskstore.grab")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count", nosqlerrors.ErrInvalidInput)
	}

	now := s.clock()
	leaseUntil := now.Add(LeaseDuration).UnixMilli()
	in := &table.QueryInput{
		Table: s.schema.Table,
		Index: indexTimeout,
		KeyCondition: table.KeyCondition{
			Partition: defaultTenant,
			Sort:      &table.SortCondition{Op: table.OpLTE, Value: now.UnixMilli()},
		},
	}

	tasks = make([]*ManagedTask, 0, count)
	lost := 0
	for len(tasks) < count {
		if err = nosqlerrors.Checkpoint(ctx); err != nil {
			return nil, err
		}
		in.Limit = count - len(tasks)
		page, err := s.backend.Query(ctx, in)
		if err != nil {
			return nil, nosqlerrors.Provider("query", err)
		}
		for _, item := range page.Items {
			task, err := s.lease(ctx, item, leaseUntil)
			if errors.Is(err, table.ErrConditionFailed) {
				lost++
				continue
			}
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
		if len(page.LastKey) == 0 {
			break
		}
		in.StartKey = page.LastKey
	}
	s.log.WithOp("grab").DebugContext(ctx, "tasks grabbed", "requested", count, "leased", len(tasks), "lost", lost)
	return tasks, nil
}

func (s *Store) lease(ctx context.Context, item table.Item, until int64) (*ManagedTask, error) {
	id, _ := item.String(attrID)
	observed, _ := item.Int(attrTimeout)
	retries, _ := item.Int(attrRetries)
	if _, leased := item[attrLease]; leased {
		retries++
	}
	set := table.Item{
		attrTimeout: until,
		attrRetries: retries,
		attrLease:   uuid.NewString(),
	}
	err := s.backend.Update(ctx, s.schema.Table, table.Key{attrID: id}, set, table.Equals(attrTimeout, observed))
	if errors.Is(err, table.ErrConditionFailed) {
		return nil, err
	}
	if err != nil {
		return nil, nosqlerrors.Provider("lease", err)
	}
	task, _ := item.Bytes(attrTask)
	return &ManagedTask{ID: id, Task: task, Timeout: until, RetryCount: int(retries)}, nil
}

// Read returns the task with id, or nil if there is none.
func (s *Store) Read(ctx context.Context, id string) (mt *ManagedTask, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "taskstore.read")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return nil, err
	}
	item, err := s.backend.GetItem(ctx, s.schema.Table, table.Key{attrID: id})
	if errors.Is(err, table.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, nosqlerrors.Provider("get", err)
	}
	mt = &ManagedTask{ID: id}
	mt.Task, _ = item.Bytes(attrTask)
	mt.Timeout, _ = item.Int(attrTimeout)
	retries, _ := item.Int(attrRetries)
	mt.RetryCount = int(retries)
	return mt, nil
}

// Extend moves the task's timeout to timeoutSeconds from now. Extending a
// task that no longer exists does nothing.
func (s *Store) Extend(ctx context.Context, id string, timeoutSeconds int64) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "taskstore.extend")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return err
	}
	if timeoutSeconds < 0 {
		return fmt.Errorf("%w: negative timeout", nosqlerrors.ErrInvalidInput)
	}
	timeout := s.deadline(timeoutSeconds)
	err = s.backend.Update(ctx, s.schema.Table, table.Key{attrID: id}, table.Item{attrTimeout: timeout}, table.Exists(attrID))
	if errors.Is(err, table.ErrConditionFailed) {
		s.log.WithOp("extend").DebugContext(ctx, "extend of absent task ignored", "id", id)
		return nil
	}
	if err != nil {
		return nosqlerrors.Provider("extend", err)
	}
	return nil
}

// Delete removes the task with id.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "taskstore.delete")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return err
	}
	if err = s.backend.DeleteItem(ctx, s.schema.Table, table.Key{attrID: id}); err != nil {
		return nosqlerrors.Provider("delete", err)
	}
	return nil
}

// Clear deletes every task.
func (s *Store) Clear(ctx context.Context) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "taskstore.clear")
	defer func() { op.End(err) }()

	if err = s.life.Check(ctx); err != nil {
		return err
	}
	n, err := engine.Erase(ctx, s.backend, &s.schema, nil)
	if err != nil {
		return fmt.Errorf("clear after %d items: %w", n, err)
	}
	s.log.InfoContext(ctx, "task store cleared", "deleted", n)
	return nil
}
