package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/facetag/internal/config"
)

// RedisStream implements Stream on Redis Streams.
type RedisStream struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStream(cfg config.RedisConfig) *RedisStream {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		// Lets context cancellation interrupt a blocked XREADGROUP.
		ContextTimeoutEnabled: true,
	})
	return &RedisStream{client: client, now: time.Now}
}

func (s *RedisStream) Append(ctx context.Context, streamKey, eventType string, payload any, maxLen int64) (string, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			FieldEvent:   eventType,
			FieldPayload: body,
			FieldTS:      timestamp(s.now()),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", streamKey, err)
	}
	return id, nil
}

// EnsureGroup creates the group from the start of the stream, creating the
// stream if needed. An existing group is not an error.
func (s *RedisStream) EnsureGroup(ctx context.Context, streamKey, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, streamKey, err)
	}
	return nil
}

func (s *RedisStream) Read(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", streamKey, err)
	}

	var out []Message
	for _, st := range streams {
		for _, m := range st.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				fields[k] = fmt.Sprint(v)
			}
			out = append(out, Message{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

func (s *RedisStream) Ack(ctx context.Context, streamKey, group, id string) error {
	if err := s.client.XAck(ctx, streamKey, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", streamKey, id, err)
	}
	return nil
}

func (s *RedisStream) Depth(ctx context.Context, streamKey string) (int64, error) {
	n, err := s.client.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", streamKey, err)
	}
	return n, nil
}

// Pending returns the number of delivered but unacknowledged messages.
func (s *RedisStream) Pending(ctx context.Context, streamKey, group string) (int64, error) {
	p, err := s.client.XPending(ctx, streamKey, group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", streamKey, err)
	}
	return p.Count, nil
}

func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}
