package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message field names shared with the upload API.
const (
	FieldEvent   = "event"
	FieldPayload = "payload"
	FieldTS      = "ts"
)

// Stream is an append-only log read through consumer groups. Each message is
// delivered to one consumer of a group and stays pending until acknowledged.
type Stream interface {
	Append(ctx context.Context, streamKey, eventType string, payload any, maxLen int64) (string, error)
	EnsureGroup(ctx context.Context, streamKey, group string) error
	// Read blocks up to block for new messages. An empty result is not an error.
	Read(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, streamKey, group, id string) error
	Depth(ctx context.Context, streamKey string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

type Message struct {
	ID     string
	Fields map[string]string
}

func (m Message) EventType() string { return m.Fields[FieldEvent] }

func (m Message) Payload() string { return m.Fields[FieldPayload] }

func encodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "{}", nil
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	case json.RawMessage:
		return string(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// timestamp renders t as fractional Unix seconds.
func timestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}
