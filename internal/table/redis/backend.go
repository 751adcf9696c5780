// Package redis provides a Redis-backed table backend.
//
// Keys live in a sorted set with equal scores so that ZRANGE BYLEX gives
// byte-ordered iteration; values live in a hash under the same members.
// Updates run under WATCH/MULTI and are retried on conflict. Reads are not
// snapshot-isolated: a View sees writes committed while it iterates.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-nosql/internal/storage"
	"github.com/gezibash/arc-nosql/internal/table"
	"github.com/gezibash/arc-nosql/internal/table/emulated"
)

const (
	KeyAddr            = "addr"
	KeyPassword        = "password"
	KeyDB              = "db"
	KeyMaxRetries      = "max_retries"
	KeyDialTimeout     = "dial_timeout"
	KeyReadTimeout     = "read_timeout"
	KeyWriteTimeout    = "write_timeout"
	KeyPoolSize        = "pool_size"
	KeyKeyPrefix       = "key_prefix"
	KeyConflictRetries = "conflict_retries"

	pageSize = 256
)

func init() {
	table.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:            "localhost:6379",
		KeyPassword:        "",
		KeyDB:              "1",
		KeyMaxRetries:      "3",
		KeyDialTimeout:     "5s",
		KeyReadTimeout:     "3s",
		KeyWriteTimeout:    "3s",
		KeyPoolSize:        "0",
		KeyKeyPrefix:       "arc-nosql:",
		KeyConflictRetries: "64",
	}
}

// NewFactory creates a new Redis table backend.
func NewFactory(ctx context.Context, config storage.Config) (table.Backend, error) {
	addr, err := config.Require(KeyAddr)
	if err != nil {
		return nil, err
	}
	db, err := config.Int(KeyDB, 1)
	if err != nil {
		return nil, err
	}
	if db < 0 {
		return nil, storage.NewConfigError(config.Backend(), KeyDB, "must be non-negative").WithValue(config.String(KeyDB, ""))
	}
	maxRetries, err := config.Int(KeyMaxRetries, 3)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := config.Duration(KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	readTimeout, err := config.Duration(KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := config.Duration(KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, err
	}
	poolSize, err := config.Int(KeyPoolSize, 0)
	if err != nil {
		return nil, err
	}
	retries, err := config.Int(KeyConflictRetries, 64)
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         addr,
		Password:     config.String(KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigError(config.Backend(), KeyAddr, "failed to connect").WithCause(err)
	}

	prefix := config.String(KeyKeyPrefix, "arc-nosql:")
	slog.Info("redis table backend initialized", "addr", addr, "db", db, "key_prefix", prefix)

	kv := NewKV(client, prefix, retries)
	engine, err := emulated.New(config.Backend(), kv, config)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	return engine, nil
}

// KV adapts a Redis client to emulated.KV.
type KV struct {
	client  *redis.Client
	keys    string
	vals    string
	retries int
}

// NewKV uses the sorted set <prefix>keys and the hash <prefix>vals.
func NewKV(client *redis.Client, prefix string, retries int) *KV {
	return &KV{client: client, keys: prefix + "keys", vals: prefix + "vals", retries: retries}
}

func (k *KV) View(ctx context.Context, fn func(r emulated.Reader) error) error {
	return fn(&reader{ctx: ctx, kv: k, c: k.client})
}

func (k *KV) Update(ctx context.Context, fn func(tx emulated.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := k.client.Watch(ctx, func(rtx *redis.Tx) error {
			t := &txn{reader: reader{ctx: ctx, kv: k, c: rtx}, writes: make(map[string][]byte)}
			if err := fn(t); err != nil {
				return err
			}
			if len(t.writes) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for key, v := range t.writes {
					if v == nil {
						p.HDel(ctx, k.vals, key)
						p.ZRem(ctx, k.keys, key)
						continue
					}
					p.HSet(ctx, k.vals, key, v)
					p.ZAdd(ctx, k.keys, redis.Z{Member: key})
				}
				return nil
			})
			return err
		}, k.vals)
		if !errors.Is(err, redis.TxFailedErr) || attempt >= k.retries {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
}

func (k *KV) Close() error {
	return k.client.Close()
}

// cmdable is the read surface shared by *redis.Client and *redis.Tx.
type cmdable interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	ZRangeArgs(ctx context.Context, z redis.ZRangeArgs) *redis.StringSliceCmd
}

type reader struct {
	ctx context.Context
	kv  *KV
	c   cmdable
}

func (r *reader) Get(key []byte) ([]byte, error) {
	v, err := r.c.HGet(r.ctx, r.kv.vals, string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (r *reader) Iterate(prefix, from []byte, reverse bool, fn func(key, value []byte) (bool, error)) error {
	lower := "[" + string(prefix)
	upper := "+"
	if end := emulated.PrefixEnd(prefix); end != nil {
		upper = "(" + string(end)
	}
	if from != nil {
		if reverse {
			upper = "[" + string(from)
		} else {
			lower = "[" + string(from)
		}
	}

	for {
		// Rev swaps Start and Stop on the wire.
		members, err := r.c.ZRangeArgs(r.ctx, redis.ZRangeArgs{
			Key:   r.kv.keys,
			Start: lower,
			Stop:  upper,
			ByLex: true,
			Rev:   reverse,
			Count: pageSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("redis iterate: %w", err)
		}
		if len(members) == 0 {
			return nil
		}

		values, err := r.c.HMGet(r.ctx, r.kv.vals, members...).Result()
		if err != nil {
			return fmt.Errorf("redis iterate: %w", err)
		}
		for i, m := range members {
			s, ok := values[i].(string)
			if !ok {
				// Removed between ZRANGE and HMGET.
				continue
			}
			more, err := fn([]byte(m), []byte(s))
			if err != nil || !more {
				return err
			}
		}

		if len(members) < pageSize {
			return nil
		}
		last := members[len(members)-1]
		if reverse {
			upper = "(" + last
		} else {
			lower = "(" + last
		}
	}
}

// txn buffers writes until the MULTI/EXEC block. Get sees buffered writes;
// Iterate sees only committed state.
type txn struct {
	reader
	writes map[string][]byte
}

func (t *txn) Get(key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		return v, nil
	}
	return t.reader.Get(key)
}

func (t *txn) Set(key, value []byte) error {
	t.writes[string(key)] = bytes.Clone(value)
	return nil
}

func (t *txn) Delete(key []byte) error {
	t.writes[string(key)] = nil
	return nil
}
