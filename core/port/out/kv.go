package out

import (
	"context"
	"time"
)

// KV is the out-of-process backend wire expectation from §6.3: the
// subset of Redis-shaped commands the fuzzy store and statistical
// pipeline rely on. A single MULTI/EXEC sequence is atomic for
// single-key semantics only.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	HSet(ctx context.Context, key string, values map[string]any) error
	HMGet(ctx context.Context, key string, fields ...string) ([]any, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	MGet(ctx context.Context, keys ...string) ([]any, error)

	// Multi opens an atomic pipeline; fn issues commands against it and
	// Multi commits (EXEC) once fn returns nil, discarding on error.
	Multi(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner is the subset of KV queued inside a Multi transaction.
type Pipeliner interface {
	Set(key, value string)
	SetEX(key, value string, ttl time.Duration)
	Del(keys ...string)
	Incr(key string)
	Decr(key string)
	HSet(key string, values map[string]any)
	HIncrBy(key, field string, delta int64)
	Expire(key string, ttl time.Duration)
}
