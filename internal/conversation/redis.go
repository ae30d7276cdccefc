package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	conversationKeyPrefix = "conv:"
	summaryKeyPrefix      = "triage:"
	createdAtField        = "created_at"
)

// RedisStore keeps each conversation as a hash holding created_at plus a list of
// JSON encoded turns, both under the "conv:<key>:" prefix. Summaries are plain
// JSON values replaced on every write.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

type redisSummary struct {
	Summary     map[string]any `json:"triage_summary"`
	FinalizedAt time.Time      `json:"finalized_at"`
}

func NewRedisStore(ctx context.Context, redisURL string, timeout time.Duration) (*RedisStore, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, errors.New("redis url is required for redis backend")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	timeout = defaultTimeout(timeout)
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, wrapErr("ping redis", err, isRedisUnavailable)
	}
	return &RedisStore{client: client, now: storeNow}, nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, key, userMessage, assistantMessage string, metadata map[string]any) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	now := s.now()
	payload, err := json.Marshal(newTurn(userMessage, assistantMessage, metadata, now))
	if err != nil {
		return "", fmt.Errorf("marshal turn: %w", err)
	}

	// MULTI/EXEC: the created_at guard and the push apply together or not at all.
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, s.metaKey(key), createdAtField, now.Format(time.RFC3339Nano))
		pipe.RPush(ctx, s.turnsKey(key), payload)
		return nil
	})
	if err != nil {
		return "", wrapErr("append turn", err, isRedisUnavailable)
	}
	return key, nil
}

func (s *RedisStore) GetConversation(ctx context.Context, key string) (*Conversation, error) {
	key = strings.TrimSpace(key)
	var (
		createdCmd *redis.StringCmd
		turnsCmd   *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		createdCmd = pipe.HGet(ctx, s.metaKey(key), createdAtField)
		turnsCmd = pipe.LRange(ctx, s.turnsKey(key), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("get conversation", err, isRedisUnavailable)
	}

	created, err := createdCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get conversation", err, isRedisUnavailable)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}

	raw, err := turnsCmd.Result()
	if err != nil {
		return nil, wrapErr("get conversation", err, isRedisUnavailable)
	}
	conv := &Conversation{Key: key, CreatedAt: createdAt.UTC(), Turns: make([]Turn, 0, len(raw))}
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turn.Timestamp = turn.Timestamp.UTC()
		if turn.Metadata == nil {
			turn.Metadata = map[string]any{}
		}
		conv.Turns = append(conv.Turns, turn)
	}
	return conv, nil
}

func (s *RedisStore) SaveTriageSummary(ctx context.Context, key string, summary map[string]any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidKey
	}
	payload, err := json.Marshal(redisSummary{Summary: summary, FinalizedAt: s.now()})
	if err != nil {
		return fmt.Errorf("marshal triage summary: %w", err)
	}
	if err := s.client.Set(ctx, summaryKeyPrefix+key, payload, 0).Err(); err != nil {
		return wrapErr("save triage summary", err, isRedisUnavailable)
	}
	return nil
}

func (s *RedisStore) GetTriageSummary(ctx context.Context, key string) (*TriageSummary, error) {
	key = strings.TrimSpace(key)
	val, err := s.client.Get(ctx, summaryKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get triage summary", err, isRedisUnavailable)
	}
	var stored redisSummary
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return nil, fmt.Errorf("decode triage summary: %w", err)
	}
	return &TriageSummary{
		Key:         key,
		Summary:     stored.Summary,
		FinalizedAt: stored.FinalizedAt.UTC(),
	}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapErr("ping redis", err, isRedisUnavailable)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) metaKey(key string) string {
	return conversationKeyPrefix + key + ":meta"
}

func (s *RedisStore) turnsKey(key string) string {
	return conversationKeyPrefix + key + ":turns"
}

func isRedisUnavailable(err error) bool {
	return errors.Is(err, redis.ErrClosed)
}
