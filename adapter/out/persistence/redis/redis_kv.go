// Package redis adapts github.com/redis/go-redis/v9 to
// core/port/out.KV, the wire contract §6.3 requires of the fuzzy store
// and statistical classifier backends.
package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/apperr"
)

// KV wraps a single go-redis client (or pipeline) and implements
// core/port/out.KV.
type KV struct {
	cmdable goredis.Cmdable
}

// NewKV wraps an existing go-redis client.
func NewKV(client goredis.Cmdable) *KV {
	return &KV{cmdable: client}
}

var _ out.KV = (*KV)(nil)

func wrapErr(op string, err error) error {
	if err == nil || err == goredis.Nil {
		return nil
	}
	return apperr.BackendTransient("redis:"+op, err)
}

func (k *KV) Get(ctx context.Context, key string) (string, error) {
	v, err := k.cmdable.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return v, wrapErr("get", err)
}

func (k *KV) Set(ctx context.Context, key, value string) error {
	return wrapErr("set", k.cmdable.Set(ctx, key, value, 0).Err())
}

func (k *KV) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr("setex", k.cmdable.Set(ctx, key, value, ttl).Err())
}

func (k *KV) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := k.cmdable.Del(ctx, keys...).Result()
	return n, wrapErr("del", err)
}

func (k *KV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := k.cmdable.Incr(ctx, key).Result()
	return n, wrapErr("incr", err)
}

func (k *KV) Decr(ctx context.Context, key string) (int64, error) {
	n, err := k.cmdable.Decr(ctx, key).Result()
	return n, wrapErr("decr", err)
}

func (k *KV) HSet(ctx context.Context, key string, values map[string]any) error {
	return wrapErr("hset", k.cmdable.HSet(ctx, key, values).Err())
}

func (k *KV) HMGet(ctx context.Context, key string, fields ...string) ([]any, error) {
	v, err := k.cmdable.HMGet(ctx, key, fields...).Result()
	return v, wrapErr("hmget", err)
}

func (k *KV) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := k.cmdable.HIncrBy(ctx, key, field, delta).Result()
	return n, wrapErr("hincrby", err)
}

func (k *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr("expire", k.cmdable.Expire(ctx, key, ttl).Err())
}

func (k *KV) MGet(ctx context.Context, keys ...string) ([]any, error) {
	v, err := k.cmdable.MGet(ctx, keys...).Result()
	return v, wrapErr("mget", err)
}

// Multi runs fn against a transactional pipeline and executes it
// atomically (MULTI/EXEC), per §6.3's single-key atomicity guarantee.
func (k *KV) Multi(ctx context.Context, fn func(out.Pipeliner) error) error {
	client, ok := k.cmdable.(*goredis.Client)
	if !ok {
		return apperr.Protocol("redis: Multi requires a direct client, not a pipeline")
	}

	_, err := client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		return fn(&pipeliner{pipe: pipe})
	})
	return wrapErr("multi", err)
}

// pipeliner adapts a go-redis Pipeliner to core/port/out.Pipeliner. Every
// method queues a command without inspecting the per-command error; any
// failure surfaces from the enclosing TxPipelined call.
type pipeliner struct {
	pipe goredis.Pipeliner
}

func (p *pipeliner) Set(key, value string) {
	p.pipe.Set(context.Background(), key, value, 0)
}

func (p *pipeliner) SetEX(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *pipeliner) Del(keys ...string) {
	p.pipe.Del(context.Background(), keys...)
}

func (p *pipeliner) Incr(key string) {
	p.pipe.Incr(context.Background(), key)
}

func (p *pipeliner) Decr(key string) {
	p.pipe.Decr(context.Background(), key)
}

func (p *pipeliner) HSet(key string, values map[string]any) {
	p.pipe.HSet(context.Background(), key, values)
}

func (p *pipeliner) HIncrBy(key, field string, delta int64) {
	p.pipe.HIncrBy(context.Background(), key, field, delta)
}

func (p *pipeliner) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}

// Dial opens a new go-redis client to addr, pings it, and wraps it as a
// core/port/out.KV. It is a standalone constructor: pkg/connpool is wired
// with ConnPoolDial and pkg/upstream.Pool with UpstreamDialer instead.
func Dial(ctx context.Context, addr string) (out.KV, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperr.BackendTransient("redis:dial", err)
	}
	return NewKV(client), nil
}
