package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// consumerAckWait is how long the server waits for an ack before it
// redelivers a message to the group.
const consumerAckWait = 10 * time.Minute

// JetStream implements Stream on NATS JetStream. Each stream key maps to a
// JetStream stream and each group to a durable pull consumer. Message ids are
// stream sequence numbers.
type JetStream struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	now func() time.Time
	// maxLen is the stream's MaxMsgs. It is fixed when the stream is created
	// so every client agrees on it; Append's maxLen argument is ignored.
	maxLen int64

	mu        sync.Mutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
	inflight  map[string]inflightMsg
}

type inflightMsg struct {
	msg       jetstream.Msg
	delivered time.Time
}

func NewJetStream(natsURL string, maxLen int64) (*JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &JetStream{
		nc:        nc,
		js:        js,
		now:       time.Now,
		maxLen:    maxLen,
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
		inflight:  make(map[string]inflightMsg),
	}, nil
}

var nameReplacer = strings.NewReplacer(":", "_", ".", "_", " ", "_", "*", "_", ">", "_", "/", "_", "\\", "_")

// StreamName maps a stream key such as "ai:processing:stream" to a valid
// JetStream stream name.
func StreamName(streamKey string) string {
	return nameReplacer.Replace(streamKey)
}

func subject(streamKey, eventType string) string {
	return StreamName(streamKey) + "." + nameReplacer.Replace(eventType)
}

func (s *JetStream) stream(ctx context.Context, streamKey string) (jetstream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[streamKey]; ok {
		return st, nil
	}

	name := StreamName(streamKey)
	cfg := jetstream.StreamConfig{
		Name:        name,
		Subjects:    []string{name + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
		Description: "Face tagging jobs",
	}
	if s.maxLen > 0 {
		cfg.MaxMsgs = s.maxLen
	}

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	st, err := s.js.CreateOrUpdateStream(opCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", name, err)
	}
	s.streams[streamKey] = st
	return st, nil
}

func (s *JetStream) Append(ctx context.Context, streamKey, eventType string, payload any, _ int64) (string, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	if _, err := s.stream(ctx, streamKey); err != nil {
		return "", err
	}

	msg := nats.NewMsg(subject(streamKey, eventType))
	msg.Data = []byte(body)
	msg.Header.Set(FieldEvent, eventType)
	msg.Header.Set(FieldTS, timestamp(s.now()))

	ack, err := s.js.PublishMsg(ctx, msg, jetstream.WithMsgID(uuid.NewString()))
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// EnsureGroup creates or updates a durable consumer named after the group
// that starts at the beginning of the stream.
func (s *JetStream) EnsureGroup(ctx context.Context, streamKey, group string) error {
	st, err := s.stream(ctx, streamKey)
	if err != nil {
		return err
	}

	durable := nameReplacer.Replace(group)
	cons, err := st.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          durable,
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: StreamName(streamKey) + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	s.mu.Lock()
	s.consumers[streamKey+"/"+group] = cons
	s.mu.Unlock()
	return nil
}

// Read fetches up to count messages. The consumer name is unused: members of
// a group share the durable consumer. Cancelling ctx abandons the pull; any
// message that still arrives for it is handed back with Nak.
func (s *JetStream) Read(ctx context.Context, streamKey, group, _ string, count int64, block time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	cons, ok := s.consumers[streamKey+"/"+group]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("group %s on %s not initialised", group, streamKey)
	}
	if count <= 0 {
		count = 1
	}
	s.evictExpired()

	batch, err := cons.Fetch(int(count), jetstream.FetchMaxWait(block))
	if err != nil {
		if isFetchTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", streamKey, err)
	}

	var out []Message
	msgs := batch.Messages()
	for {
		select {
		case <-ctx.Done():
			go nakRemaining(msgs)
			for _, m := range out {
				s.release(m.ID)
			}
			return nil, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				if err := batch.Error(); err != nil && !isFetchTimeout(err) && len(out) == 0 {
					return nil, fmt.Errorf("fetch %s: %w", streamKey, err)
				}
				return out, nil
			}
			if m, ok := s.track(msg); ok {
				out = append(out, m)
			}
		}
	}
}

func (s *JetStream) track(msg jetstream.Msg) (Message, bool) {
	meta, err := msg.Metadata()
	if err != nil {
		_ = msg.Nak()
		return Message{}, false
	}
	id := strconv.FormatUint(meta.Sequence.Stream, 10)

	s.mu.Lock()
	s.inflight[id] = inflightMsg{msg: msg, delivered: s.now()}
	s.mu.Unlock()
	return Message{ID: id, Fields: map[string]string{
		FieldEvent:   msg.Headers().Get(FieldEvent),
		FieldTS:      msg.Headers().Get(FieldTS),
		FieldPayload: string(msg.Data()),
	}}, true
}

// release hands an unprocessed message back to the group.
func (s *JetStream) release(id string) {
	s.mu.Lock()
	in, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if ok {
		_ = in.msg.Nak()
	}
}

func nakRemaining(msgs <-chan jetstream.Msg) {
	for msg := range msgs {
		_ = msg.Nak()
	}
}

// evictExpired forgets messages left unacknowledged past the ack wait. The
// server has redelivered them by then, so the old handles are useless.
func (s *JetStream) evictExpired() {
	cutoff := s.now().Add(-consumerAckWait)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, in := range s.inflight {
		if in.delivered.Before(cutoff) {
			delete(s.inflight, id)
		}
	}
}

// InFlight returns the number of delivered messages awaiting Ack.
func (s *JetStream) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func (s *JetStream) Ack(ctx context.Context, streamKey, _ string, id string) error {
	s.mu.Lock()
	in, ok := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ack %s %s: message not in flight", streamKey, id)
	}
	if err := in.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack %s %s: %w", streamKey, id, err)
	}
	return nil
}

// Depth returns the number of messages retained in the stream.
func (s *JetStream) Depth(ctx context.Context, streamKey string) (int64, error) {
	st, err := s.js.Stream(ctx, StreamName(streamKey))
	if err != nil {
		return 0, fmt.Errorf("get stream %s: %w", streamKey, err)
	}
	info, err := st.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", streamKey, err)
	}
	return int64(info.State.Msgs), nil
}

func (s *JetStream) Ping(_ context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (s *JetStream) Close() error {
	s.nc.Close()
	return nil
}
