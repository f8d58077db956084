package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps baselines as JSON strings indexed by a per-environment
// sorted set scored by timestamp in milliseconds. Baselines sharing a
// millisecond are ordered by their full timestamp after loading.
type RedisStore struct {
	client *redis.Client
	prefix string
	keep   int
}

func NewRedisStore(client *redis.Client, prefix string, keep int) *RedisStore {
	if prefix == "" {
		prefix = "driftguard"
	}
	if keep <= 0 {
		keep = DefaultKeepPerEnvironment
	}
	return &RedisStore{client: client, prefix: prefix, keep: keep}
}

func (r *RedisStore) itemKey(id string) string   { return r.prefix + ":baseline:" + id }
func (r *RedisStore) indexKey(env string) string { return r.prefix + ":baselines:" + env }

func (r *RedisStore) Save(ctx context.Context, b *Baseline) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.itemKey(b.ID), data, 0)
	pipe.ZAdd(ctx, r.indexKey(b.Environment), redis.Z{Score: float64(b.Timestamp.UnixMilli()), Member: b.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return r.trim(ctx, b.Environment)
}

func (r *RedisStore) trim(ctx context.Context, env string) error {
	n, err := r.client.ZCard(ctx, r.indexKey(env)).Result()
	if err != nil || n <= int64(r.keep) {
		return err
	}
	list, err := r.List(ctx, env)
	if err != nil {
		return err
	}
	if len(list) <= r.keep {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, b := range list[:len(list)-r.keep] {
		pipe.Del(ctx, r.itemKey(b.ID))
		pipe.ZRem(ctx, r.indexKey(env), b.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Baseline, error) {
	data, err := r.client.Get(ctx, r.itemKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode baseline: %w", err)
	}
	return &b, nil
}

func (r *RedisStore) Latest(ctx context.Context, environment string) (*Baseline, error) {
	top, err := r.client.ZRevRangeWithScores(ctx, r.indexKey(environment), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("latest baseline: %w", err)
	}
	if len(top) == 0 {
		return nil, ErrNotFound
	}
	score := strconv.FormatFloat(top[0].Score, 'f', -1, 64)
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(environment), &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return nil, fmt.Errorf("latest baseline: %w", err)
	}
	list, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[len(list)-1], nil
}

func (r *RedisStore) List(ctx context.Context, environment string) ([]*Baseline, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(environment), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	return r.load(ctx, ids)
}

// load fetches ids and returns them oldest first. Missing items are skipped.
func (r *RedisStore) load(ctx context.Context, ids []string) ([]*Baseline, error) {
	out := make([]*Baseline, 0, len(ids))
	for _, id := range ids {
		b, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sortByTime(out)
	return out, nil
}
