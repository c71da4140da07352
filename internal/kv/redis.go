// internal/kv/redis.go
package kv

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisHashPrefix  = "parlor:k:"
	redisWatchPrefix = "parlor:watch:"
	redisKeyIndex    = "parlor:keys"
	redisVerCounter  = "parlor:ver"

	// redisTxAttempts bounds the internal optimistic retries of a single
	// Commit against WATCH invalidation. A genuine precondition mismatch
	// returns ErrConflict immediately and is not retried here.
	redisTxAttempts = 16
)

// Redis is a KV backend over a single Redis instance. Each logical key maps
// to a hash {val, ver}; versionstamps come from a shared counter; a sorted
// set indexes keys for prefix listing; watchers ride Pub/Sub.
type Redis struct {
	client *redis.Client
}

// NewRedis connects a Redis-backed store and verifies the connection.
func NewRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	vals, err := r.client.HMGet(ctx, redisHashPrefix+key, "val", "ver").Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %q: %w", key, err)
	}
	return decodeRedisEntry(key, vals)
}

func (r *Redis) BatchGet(ctx context.Context, keys []string) ([]Entry, error) {
	cmds := make([]*redis.SliceCmd, len(keys))
	pipe := r.client.Pipeline()
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, redisHashPrefix+k, "val", "ver")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis batch get: %w", err)
	}
	out := make([]Entry, len(keys))
	for i, cmd := range cmds {
		e, err := decodeRedisEntry(keys[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func decodeRedisEntry(key string, vals []interface{}) (Entry, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Entry{Key: key}, nil
	}
	val, ok := vals[0].(string)
	if !ok {
		return Entry{}, fmt.Errorf("redis entry %q: unexpected val type %T", key, vals[0])
	}
	verStr, ok := vals[1].(string)
	if !ok {
		return Entry{}, fmt.Errorf("redis entry %q: unexpected ver type %T", key, vals[1])
	}
	ver, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("redis entry %q: bad version %q: %w", key, verStr, err)
	}
	return Entry{Key: key, Value: []byte(val), Version: ver}, nil
}

func (r *Redis) ListPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	keys, err := r.client.ZRangeByLex(ctx, redisKeyIndex, &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list prefix %q: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	entries, err := r.BatchGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		// The index can briefly lead the hashes during concurrent deletes.
		if e.Present() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Redis) Commit(ctx context.Context, checks []Check, writes []Write) error {
	watched := make([]string, len(checks))
	for i, c := range checks {
		watched[i] = redisHashPrefix + c.Key
	}

	txn := func(tx *redis.Tx) error {
		for _, c := range checks {
			ver := int64(0)
			verStr, err := tx.HGet(ctx, redisHashPrefix+c.Key, "ver").Result()
			if err == nil {
				if ver, err = strconv.ParseInt(verStr, 10, 64); err != nil {
					return fmt.Errorf("redis commit: bad version for %q: %w", c.Key, err)
				}
			} else if err != redis.Nil {
				return fmt.Errorf("redis commit: read %q: %w", c.Key, err)
			}
			if ver != c.Version {
				return ErrConflict
			}
		}

		// Reserve a block of versionstamps up front; MULTI cannot observe
		// command results, so the stamps must be known before queuing.
		base := int64(0)
		if len(writes) > 0 {
			top, err := tx.IncrBy(ctx, redisVerCounter, int64(len(writes))).Result()
			if err != nil {
				return fmt.Errorf("redis commit: reserve versions: %w", err)
			}
			base = top - int64(len(writes))
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, w := range writes {
				hk := redisHashPrefix + w.Key
				if w.Delete {
					pipe.Del(ctx, hk)
					pipe.ZRem(ctx, redisKeyIndex, w.Key)
				} else {
					pipe.HSet(ctx, hk, "val", w.Value, "ver", base+int64(i)+1)
					pipe.ZAdd(ctx, redisKeyIndex, redis.Z{Score: 0, Member: w.Key})
				}
				pipe.Publish(ctx, redisWatchPrefix+w.Key, "1")
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisTxAttempts; attempt++ {
		err := r.client.Watch(ctx, txn, watched...)
		if err == redis.TxFailedErr {
			// WATCH invalidation: somebody raced us between EXEC and our
			// reads. Re-run; the precondition comparison decides the rest.
			continue
		}
		return err
	}
	return ErrConflict
}

func (r *Redis) Watch(ctx context.Context, keys ...string) <-chan []Entry {
	channels := make([]string, len(keys))
	for i, k := range keys {
		channels[i] = redisWatchPrefix + k
	}
	sub := r.client.Subscribe(ctx, channels...)
	out := make(chan []Entry)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			snap, err := r.BatchGet(ctx, keys)
			if err == nil {
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
			select {
			case _, ok := <-msgs:
				if !ok {
					return
				}
				// Drain any burst so one re-read covers it.
				for {
					select {
					case <-msgs:
						continue
					default:
					}
					break
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Redis) Close() error { return r.client.Close() }
