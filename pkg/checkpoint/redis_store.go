package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists checkpoints in Redis: one hash field per checkpoint
// document and a per-run sorted set scored by timestamp for ordering.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced under
// "<prefix>:cp:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "keel"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) docsKey(runID string) string {
	return fmt.Sprintf("%s:cp:%s:docs", s.prefix, runID)
}

func (s *RedisStore) indexKey(runID string) string {
	return fmt.Sprintf("%s:cp:%s:index", s.prefix, runID)
}

func (s *RedisStore) Put(ctx context.Context, runID string, cp Checkpoint) error {
	if err := Validate(cp); err != nil {
		return err
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.docsKey(runID), cp.ID, raw)
	pipe.ZAdd(ctx, s.indexKey(runID), redis.Z{Score: float64(cp.TS), Member: cp.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint: redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, runID, id string) (Checkpoint, error) {
	if id == "" {
		ids, err := s.client.ZRevRange(ctx, s.indexKey(runID), 0, 0).Result()
		if err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint: redis latest: %w", err)
		}
		if len(ids) == 0 {
			return Checkpoint{}, ErrNotFound
		}
		id = ids[0]
	}
	doc, err := s.client.HGet(ctx, s.docsKey(runID), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("checkpoint: redis get: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(doc), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if err := Validate(cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func (s *RedisStore) List(ctx context.Context, runID string) ([]Meta, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := s.client.HMGet(ctx, s.docsKey(runID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redis list docs: %w", err)
	}
	var metas []Meta
	for _, doc := range docs {
		str, ok := doc.(string)
		if !ok {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(str), &cp); err != nil {
			return nil, fmt.Errorf("checkpoint: decode: %w", err)
		}
		metas = append(metas, Meta{ID: cp.ID, RunID: cp.RunID, TS: cp.TS, Version: cp.Version})
	}
	return metas, nil
}

func (s *RedisStore) Prune(ctx context.Context, runID string, keepLast int) error {
	if keepLast < 0 {
		return nil
	}
	total, err := s.client.ZCard(ctx, s.indexKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("checkpoint: redis card: %w", err)
	}
	excess := total - int64(keepLast)
	if excess <= 0 {
		return nil
	}
	stale, err := s.client.ZRange(ctx, s.indexKey(runID), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("checkpoint: redis stale: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.docsKey(runID), stale...)
	pipe.ZRem(ctx, s.indexKey(runID), toAnySlice(stale)...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("checkpoint: redis prune: %w", err)
	}
	return nil
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
