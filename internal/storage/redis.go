package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"adzanbot/pkg/logx"
)

const (
	redisTimetableTTL = 72 * time.Hour
	redisCompletedTTL = 8 * 24 * time.Hour
	redisAuditMax     = 1000
)

// redisStore keeps every record under one key prefix. Day-scoped data
// expires on its own, so PruneTimetables has nothing to do.
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("storage.redis_addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedisStore(rdb, cfg.KeyPrefix, log), nil
}

func newRedisStore(rdb *redis.Client, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "adzanbot"
	}
	return &redisStore{rdb: rdb, prefix: strings.TrimSuffix(prefix, ":") + ":", log: log}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) PutTimetable(ctx context.Context, rec TimetableRecord) error {
	if rec.Key == "" {
		return errors.New("timetable key required")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	idx := s.key("ttday", rec.Date)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("tt", rec.Key), b, redisTimetableTTL)
	pipe.SAdd(ctx, idx, rec.Key)
	pipe.Expire(ctx, idx, redisTimetableTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) ListTimetables(ctx context.Context, date string) ([]TimetableRecord, error) {
	keys, err := s.rdb.SMembers(ctx, s.key("ttday", date)).Result()
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key("tt", k)
	}
	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	var out []TimetableRecord
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec TimetableRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			s.log.Debug("redis timetable decode failed", logx.String("key", keys[i]), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *redisStore) DeleteTimetables(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key("tt", k)
	}
	// Index entries without a record are skipped by ListTimetables.
	return s.rdb.Del(ctx, full...).Err()
}

func (s *redisStore) PruneTimetables(context.Context, string) error { return nil }

func (s *redisStore) SetCompleted(ctx context.Context, day, prayer string, done bool, at time.Time) error {
	k := s.key("done", day)
	if !done {
		return s.rdb.HDel(ctx, k, prayer).Err()
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k, prayer, at.UnixMilli())
	pipe.Expire(ctx, k, redisCompletedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) ListCompleted(ctx context.Context, day string) (map[string]time.Time, error) {
	m, err := s.rdb.HGetAll(ctx, s.key("done", day)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(m))
	for p, v := range m {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[p] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, s.key("dedup", key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	ms, err := s.rdb.Get(ctx, s.key("dedup", strings.TrimSpace(key))).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) PutState(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, s.key("state", key), value, 0).Err()
}

func (s *redisStore) GetState(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.key("state", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	k := s.key("audit")
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, k, b)
	pipe.LTrim(ctx, k, 0, redisAuditMax-1)
	_, err = pipe.Exec(ctx)
	return err
}
