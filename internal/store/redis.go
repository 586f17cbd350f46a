// ABOUTME: Redis-backed DeadLetterStore for released session queues
// ABOUTME: Lets undelivered messages survive process restarts via a Redis list per session

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// deadLetterKeyPrefix namespaces dead-letter lists in Redis.
const deadLetterKeyPrefix = "coven-mesh:deadletter:"

// deadLetterTTL bounds how long released queues are retained.
const deadLetterTTL = 7 * 24 * time.Hour

// RedisDeadLetters is a DeadLetterStore backed by a Redis list per session.
type RedisDeadLetters struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisDeadLetters connects to Redis at the given URL
// (redis://host:port/db) and verifies the connection with a ping.
func NewRedisDeadLetters(ctx context.Context, url string) (*RedisDeadLetters, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger := slog.Default().With("component", "deadletter")
	logger.Info("Redis dead-letter store connected", "addr", opts.Addr)

	return &RedisDeadLetters{client: client, logger: logger}, nil
}

func deadLetterKey(sessionID string) string {
	return deadLetterKeyPrefix + sessionID
}

// Push appends released messages to the session's Redis list.
func (d *RedisDeadLetters) Push(ctx context.Context, sessionID string, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshaling dead letter: %w", err)
		}
		values = append(values, data)
	}

	key := deadLetterKey(sessionID)
	pipe := d.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, deadLetterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing dead letters: %w", err)
	}

	d.logger.Debug("queued dead letters", "session_id", sessionID, "count", len(msgs))
	return nil
}

// Drain removes and returns all held messages for a session.
func (d *RedisDeadLetters) Drain(ctx context.Context, sessionID string) ([]*Message, error) {
	key := deadLetterKey(sessionID)

	pipe := d.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("draining dead letters: %w", err)
	}

	raw := rangeCmd.Val()
	msgs := make([]*Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("parsing dead letter: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// Close releases the Redis connection.
func (d *RedisDeadLetters) Close() error {
	return d.client.Close()
}
