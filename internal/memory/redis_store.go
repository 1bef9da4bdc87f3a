package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// RedisStore keeps each conversation's turns in a Redis list. RPUSH + LTRIM
// keeps appends ordered while enforcing the turn budget from the oldest end.
type RedisStore struct {
	client   *redisv9.Client
	maxTurns int
	ttl      time.Duration
}

func NewRedisStore(client *redisv9.Client, maxTurns int, ttl time.Duration) *RedisStore {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &RedisStore{
		client:   client,
		maxTurns: maxTurns,
		ttl:      ttl,
	}
}

func (s *RedisStore) Append(ctx context.Context, conversationID uint, role, content string) error {
	payload, err := json.Marshal(Turn{Role: role, Content: content})
	if err != nil {
		return fmt.Errorf("marshal memory turn failed: %w", err)
	}

	key := s.key(conversationID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append memory turn failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, conversationID uint) ([]Turn, error) {
	raw, err := s.client.LRange(ctx, s.key(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read memory failed: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("unmarshal memory turn failed: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *RedisStore) Delete(ctx context.Context, conversationID uint) error {
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis delete memory failed: %w", err)
	}
	return nil
}

func (s *RedisStore) key(conversationID uint) string {
	return fmt.Sprintf("chat:memory:%d", conversationID)
}
