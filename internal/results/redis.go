package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/zeroshot-eval/internal/pkg/errors"
)

// RedisStore keeps records in Redis. Each record is a JSON string under
// its run key; sorted sets scored by start time index all runs and the
// runs of each preset.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration // zero keeps everything
}

// NewRedisStore connects to url and checks the connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("parsing redis URL: %v", err))
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.StorageError("connecting to redis", err)
	}

	return &RedisStore{
		client: client,
		prefix: "zeroshot:results:",
	}, nil
}

// SetRetention drops runs older than d on every Save.
func (s *RedisStore) SetRetention(d time.Duration) {
	s.retention = d
}

// SetPrefix changes the key prefix.
func (s *RedisStore) SetPrefix(prefix string) {
	s.prefix = prefix
}

func (s *RedisStore) runKey(id string) string { return s.prefix + "run:" + id }
func (s *RedisStore) allKey() string { return s.prefix + "all" }
func (s *RedisStore) presetKey(preset string) string { return s.prefix + "preset:" + preset }

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.StorageError("marshal run", err)
	}
	score := float64(rec.StartedAt.UnixMilli())

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(rec.RunID), data, s.retention)
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: rec.RunID})
	pipe.ZAdd(ctx, s.presetKey(rec.Preset), redis.Z{Score: score, Member: rec.RunID})
	if s.retention > 0 {
		max := fmt.Sprintf("(%d", time.Now().Add(-s.retention).UnixMilli())
		pipe.ZRemRangeByScore(ctx, s.allKey(), "-inf", max)
		pipe.ZRemRangeByScore(ctx, s.presetKey(rec.Preset), "-inf", max)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StorageError(fmt.Sprintf("save run %s", rec.RunID), err)
	}
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, preset string, limit int) ([]Record, error) {
	key := s.allKey()
	if preset != "" {
		key = s.presetKey(preset)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := s.client.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, errors.StorageError("list runs", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.StorageError("load runs", err)
	}

	return decodeRecords(ids, values)
}

// decodeRecords decodes MGET replies for ids. Missing values are runs that
// expired between the index read and the fetch; undecodable values fail.
func decodeRecords(ids []string, values []any) ([]Record, error) {
	out := make([]Record, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, errors.StorageError(fmt.Sprintf("decode run %s", ids[i]), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes one run.
func (s *RedisStore) Delete(ctx context.Context, rec Record) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.runKey(rec.RunID))
	pipe.ZRem(ctx, s.allKey(), rec.RunID)
	pipe.ZRem(ctx, s.presetKey(rec.Preset), rec.RunID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StorageError(fmt.Sprintf("delete run %s", rec.RunID), err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
