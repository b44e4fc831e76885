package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
)

const (
	defaultHistoryPrefix = "assistant:history:"
	defaultHistoryCap    = 200
)

// RedisConfig holds connection settings for the redis-backed history store.
type RedisConfig struct {
	Addr     string        `envconfig:"ADDR" split_words:"true"`
	Password string        `envconfig:"PASSWORD" split_words:"true"`
	DB       int           `envconfig:"DB" split_words:"true" default:"0"`
	TTL      time.Duration `envconfig:"TTL" split_words:"true" default:"24h"`
}

// RedisHistory persists transcripts in a redis list per session, trimmed to
// a fixed cap and expired after the idle TTL.
type RedisHistory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	cap    int
}

type HistoryOption func(*RedisHistory)

func WithHistoryPrefix(prefix string) HistoryOption {
	return func(h *RedisHistory) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			h.prefix = trimmed
		}
	}
}

func WithHistoryCap(capPerSession int) HistoryOption {
	return func(h *RedisHistory) {
		if capPerSession > 0 {
			h.cap = capPerSession
		}
	}
}

func NewRedisHistory(cfg RedisConfig, opts ...HistoryOption) (*RedisHistory, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisHistory(client, cfg.TTL, opts...), nil
}

// NewRedisHistoryFromClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisHistoryFromClient(client *redis.Client, ttl time.Duration, opts ...HistoryOption) *RedisHistory {
	return newRedisHistory(client, ttl, opts...)
}

func newRedisHistory(client *redis.Client, ttl time.Duration, opts ...HistoryOption) *RedisHistory {
	h := &RedisHistory{
		client: client,
		prefix: defaultHistoryPrefix,
		ttl:    ttl,
		cap:    defaultHistoryCap,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *RedisHistory) key(sessionID string) string {
	return h.prefix + sessionID
}

func (h *RedisHistory) Append(ctx context.Context, sessionID string, turns ...contractx.Turn) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	if len(turns) == 0 {
		return nil
	}

	values := make([]any, 0, len(turns))
	for _, turn := range turns {
		raw, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, raw)
	}

	key := h.key(sessionID)
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, int64(-h.cap), -1)
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (h *RedisHistory) Recent(ctx context.Context, sessionID string, limit int) ([]contractx.Turn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := h.client.LRange(ctx, h.key(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	turns := make([]contractx.Turn, 0, len(raw))
	for _, item := range raw {
		var turn contractx.Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (h *RedisHistory) Clear(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	return h.client.Del(ctx, h.key(sessionID)).Err()
}
