package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chadiek/call-coach/internal/agent"
)

// RedisSink keeps the most recent records of each trainee in a capped list,
// newest first.
type RedisSink struct {
	client *redis.Client
	prefix string
	keep   int64
	ttl    time.Duration
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithKeyPrefix sets the key prefix. Default is "callcoach".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisSink) { s.prefix = prefix }
}

// WithKeep bounds the list length per trainee. Default is 20.
func WithKeep(n int) RedisOption {
	return func(s *RedisSink) { s.keep = int64(n) }
}

// WithRecordTTL expires a trainee's list after inactivity. Zero keeps it forever.
func WithRecordTTL(ttl time.Duration) RedisOption {
	return func(s *RedisSink) { s.ttl = ttl }
}

func NewRedisSink(client *redis.Client, opts ...RedisOption) *RedisSink {
	s := &RedisSink{client: client, prefix: "callcoach", keep: 20, ttl: 30 * 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("results: parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisSink) key(userID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("%s:sessions:%s", s.prefix, userID)
}

func (s *RedisSink) Record(ctx context.Context, rec agent.SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("results: marshal record: %w", err)
	}
	key := s.key(rec.UserID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.keep-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("results: redis push: %w", err)
	}
	return nil
}

// Recent returns up to n records of a trainee, newest first.
func (s *RedisSink) Recent(ctx context.Context, userID string, n int) ([]agent.SessionRecord, error) {
	raw, err := s.client.LRange(ctx, s.key(userID), 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("results: redis range: %w", err)
	}
	out := make([]agent.SessionRecord, 0, len(raw))
	for _, r := range raw {
		var rec agent.SessionRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("results: unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
