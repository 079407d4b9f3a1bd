package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisNamespace   = "fleetcheck:"
	redisKVPrefix    = redisNamespace + "kv:"
	redisQueueList   = redisNamespace + "queue"
	redisQueueHash   = redisNamespace + "queue:payloads"
	redisScanBatch   = 200
	redisGlobSpecial = `*?[]\`
)

// RedisStore implements Backend on a Redis server, for kiosks that share one
// store between several client processes.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore connects to the Redis server at rawURL.
func NewRedisStore(ctx context.Context, rawURL string, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s := &RedisStore{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}
	s.logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("local store initialized")
	return s, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, redisKVPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, redisKVPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKVPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = redisKVPrefix + k
	}
	n, err := s.client.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return int(n), nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) scan(ctx context.Context, prefix string) ([]string, error) {
	match := redisKVPrefix + escapeGlob(prefix) + "*"
	iter := s.client.Scan(ctx, 0, match, redisScanBatch).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), redisKVPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return keys, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(redisGlobSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *RedisStore) AppendSubmission(ctx context.Context, sub *models.QueuedSubmission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal queued submission: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisQueueHash, sub.ID, data)
		pipe.RPush(ctx, redisQueueList, sub.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append queued submission: %w", err)
	}
	return nil
}

func (s *RedisStore) ListSubmissions(ctx context.Context) ([]*models.QueuedSubmission, error) {
	ids, err := s.client.LRange(ctx, redisQueueList, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, redisQueueHash, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load queued submissions: %w", err)
	}

	subs := make([]*models.QueuedSubmission, 0, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			s.logger.Warn().Str("id", ids[i]).Msg("queue entry without payload, skipping")
			continue
		}
		var sub models.QueuedSubmission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			s.logger.Warn().Err(err).Str("id", ids[i]).Msg("corrupt queue entry, skipping")
			continue
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

func (s *RedisStore) RemoveSubmission(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, redisQueueList, 1, id)
		pipe.HDel(ctx, redisQueueHash, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove queued submission: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) CountSubmissions(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, redisQueueList).Result()
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
