package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 2 * time.Second

// redisKey returns the Redis key for a topic's message log.
func redisKey(topic string) string {
	return "topic:" + topic + ":messages"
}

// RedisStore persists messages in Redis using one sorted set per topic,
// scored by creation time so retention is a range trim.
type RedisStore struct {
	client    redis.Cmdable
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore creates a RedisStore with the given retention window.
func NewRedisStore(client redis.Cmdable, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: retention,
		now:       time.Now,
	}
}

// Append writes a message to the topic's sorted set and trims entries past
// the retention window in the same pipeline.
func (s *RedisStore) Append(ctx context.Context, topic string, author Author, text string) (*Message, error) {
	text, err := ValidateText(text)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		AuthorID:   author.ID,
		AuthorName: author.Name,
		Text:       text,
		CreatedAt:  s.now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("chat: marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	key := redisKey(topic)
	cutoff := strconv.FormatInt(msg.CreatedAt.Add(-s.retention).UnixNano(), 10)

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.CreatedAt.UnixNano()), Member: data})
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return msg, nil
}

// Recent returns up to limit of the newest unexpired messages for a topic,
// oldest first.
func (s *RedisStore) Recent(ctx context.Context, topic string, limit int) ([]*Message, error) {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}

	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	cutoff := strconv.FormatInt(s.now().Add(-s.retention).UnixNano(), 10)
	vals, err := s.client.ZRevRangeByScore(ctx, redisKey(topic), &redis.ZRangeBy{
		Min:   "(" + cutoff,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// vals is newest-first; decode and reverse into chronological order.
	msgs := make([]*Message, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		var m Message
		if err := json.Unmarshal([]byte(vals[i]), &m); err != nil {
			log.Printf("chat: skipping undecodable message in %s: %v", topic, err)
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
