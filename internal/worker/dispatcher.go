package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/observability"
	"github.com/your-org/facetag/internal/queue"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeInvalid   = "invalid"
	outcomeUnknown   = "unknown"

	ackTimeout = 5 * time.Second
)

type DispatcherConfig struct {
	StreamKey    string
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	// RetainFailedJobs leaves failed messages pending in the group instead
	// of acknowledging them.
	RetainFailedJobs bool
	ReadErrorBackoff time.Duration
	IdleLogInterval  time.Duration
}

// Dispatcher reads one message at a time from the consumer group, decodes it
// into a job and hands it to the matching handler.
type Dispatcher struct {
	stream    Stream
	cfg       DispatcherConfig
	photos    *PhotoHandler
	samples   *SampleHandler
	reprocess *ReprocessHandler
	now       clock

	idleSince   time.Time
	lastIdleLog time.Time
}

func NewDispatcher(stream Stream, cfg DispatcherConfig, photos *PhotoHandler, samples *SampleHandler, reprocess *ReprocessHandler) *Dispatcher {
	if cfg.ReadErrorBackoff <= 0 {
		cfg.ReadErrorBackoff = time.Second
	}
	if cfg.IdleLogInterval <= 0 {
		cfg.IdleLogInterval = 30 * time.Second
	}
	return &Dispatcher{
		stream:    stream,
		cfg:       cfg,
		photos:    photos,
		samples:   samples,
		reprocess: reprocess,
		now:       time.Now,
	}
}

// Run creates the consumer group and processes messages until ctx is
// cancelled. Cancellation interrupts a blocked read; a job already being
// handled runs to completion. Run returns nil on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.stream.EnsureGroup(ctx, d.cfg.StreamKey, d.cfg.Group); err != nil {
		return fmt.Errorf("ensure consumer group %s: %w", d.cfg.Group, err)
	}
	slog.Info("worker started",
		"stream", d.cfg.StreamKey,
		"group", d.cfg.Group,
		"consumer", d.cfg.Consumer,
		"block", d.cfg.BlockTimeout,
	)

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := d.stream.Read(ctx, d.cfg.StreamKey, d.cfg.Group, d.cfg.Consumer, 1, d.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			observability.StreamReadErrors.Inc()
			slog.Error("read from stream", "stream", d.cfg.StreamKey, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.ReadErrorBackoff):
			}
			continue
		}
		if len(msgs) == 0 {
			d.idle()
			continue
		}
		d.idleSince = time.Time{}
		for _, msg := range msgs {
			d.process(ctx, msg)
		}
	}
}

func (d *Dispatcher) idle() {
	now := d.now()
	if d.idleSince.IsZero() {
		d.idleSince = now
		d.lastIdleLog = now
		slog.Debug("waiting for jobs")
		return
	}
	if now.Sub(d.lastIdleLog) >= d.cfg.IdleLogInterval {
		d.lastIdleLog = now
		slog.Info("idle, waiting for jobs", "idle_for", now.Sub(d.idleSince).Round(time.Second))
	}
}

// process handles one message and acknowledges it unless the job failed and
// failed jobs are retained.
func (d *Dispatcher) process(ctx context.Context, msg queue.Message) {
	event := models.JobType(msg.EventType())
	log := slog.With("message_id", msg.ID, "event", event, "run_id", uuid.NewString())

	// Shutdown must not abandon a photo half way through.
	jobCtx := context.WithoutCancel(ctx)

	start := d.now()
	outcome, err := d.safeDispatch(jobCtx, log, event, msg.Payload())
	label := string(event)
	if outcome == outcomeUnknown {
		label = outcomeUnknown
	}
	observability.JobDuration.WithLabelValues(label).Observe(d.now().Sub(start).Seconds())
	observability.JobsProcessed.WithLabelValues(label, outcome).Inc()

	failed := err != nil
	if failed {
		log.Error("job failed", "outcome", outcome, "error", err)
		if d.cfg.RetainFailedJobs {
			log.Warn("leaving failed job pending")
			return
		}
	}

	ackCtx, cancel := context.WithTimeout(jobCtx, ackTimeout)
	defer cancel()
	if err := d.stream.Ack(ackCtx, d.cfg.StreamKey, d.cfg.Group, msg.ID); err != nil {
		log.Error("ack message", "error", err)
		return
	}
	if failed {
		observability.JobsFailedAcked.WithLabelValues(label).Inc()
	}
}

// safeDispatch turns a handler panic into a failed job so the loop, and the
// ack policy, carry on.
func (d *Dispatcher) safeDispatch(ctx context.Context, log *slog.Logger, event models.JobType, raw string) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			outcome, err = outcomeFailed, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.dispatch(ctx, log, event, raw)
}

func (d *Dispatcher) dispatch(ctx context.Context, log *slog.Logger, event models.JobType, raw string) (string, error) {
	payload, ok := models.NormalizePayload(raw)
	if !ok && strings.TrimSpace(raw) != "" {
		observability.MalformedPayloads.Inc()
		log.Warn("malformed payload, using empty object", "payload_len", len(raw))
	}

	job, err := models.DecodeJob(event, payload)
	if errors.Is(err, models.ErrUnknownJobType) {
		log.Warn("unknown event type, acknowledging without handling")
		return outcomeUnknown, nil
	}
	if err != nil {
		return outcomeInvalid, err
	}
	if err := job.Validate(); err != nil {
		return outcomeInvalid, err
	}

	switch j := job.(type) {
	case models.PhotoProcessJob:
		res, err := d.photos.Handle(ctx, j)
		if err != nil {
			return outcomeFailed, err
		}
		log.Info("photo processed",
			"photo_id", j.PhotoID,
			"faces", res.Faces,
			"matches", res.Matches,
			"pruned", res.Pruned,
			"duration_ms", res.Duration.Milliseconds(),
		)
	case models.FaceSampleJob:
		res, err := d.samples.Handle(ctx, j)
		if err != nil {
			return outcomeFailed, err
		}
		log.Info("face sample processed",
			"encoding_id", res.EncodingID,
			"records", res.Records,
			"tags", res.Tags,
			"requeued", res.Requeued,
		)
	case models.ReprocessWeddingJob:
		n, err := d.reprocess.Handle(ctx, j)
		if err != nil {
			return outcomeFailed, err
		}
		log.Info("wedding requeued", "wedding_id", j.WeddingID, "photos", n)
	default:
		return outcomeUnknown, nil
	}
	return outcomeCompleted, nil
}
