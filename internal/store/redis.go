package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 30 * 24 * time.Hour

// Redis stores each record as JSON with a TTL and indexes ids in a sorted
// set scored by start time.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*Redis)

// WithTTL sets record expiry. Zero keeps records forever.
func WithTTL(ttl time.Duration) RedisOption { return func(s *Redis) { s.ttl = ttl } }

func WithPrefix(prefix string) RedisOption { return func(s *Redis) { s.prefix = prefix } }

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{client: client, ttl: defaultRedisTTL, prefix: "practice-call"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisFromURL parses a redis:// URL.
func NewRedisFromURL(url string, opts ...RedisOption) (*Redis, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(o), opts...), nil
}

func (s *Redis) Save(ctx context.Context, r Record) error {
	if !validID(r.ID) {
		return ErrInvalidID
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(r.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(r.StartedAt.UnixMilli()), Member: r.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

func (s *Redis) Load(ctx context.Context, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("redis get: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// List returns the newest records first. Index entries whose record expired
// are pruned.
func (s *Redis) List(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]Record, 0, len(vals))
	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", ids[i], err)
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.indexKey(), stale...)
	}
	return out, nil
}

func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) recordKey(id string) string { return s.prefix + ":call:" + id }
func (s *Redis) indexKey() string           { return s.prefix + ":calls" }
