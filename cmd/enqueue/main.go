// Command enqueue appends job events to the worker's stream and inspects a
// wedding's indexing state.
//
//	enqueue -wedding <id>                      reprocess every photo of a wedding
//	enqueue -photo <id>                        process one photo
//	enqueue -event face_sample -payload '{...}'
//	enqueue -inspect -wedding <id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/your-org/facetag/internal/config"
	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/observability"
	"github.com/your-org/facetag/internal/queue"
	"github.com/your-org/facetag/internal/recordstore"
)

const timeout = 30 * time.Second

type options struct {
	event   string
	payload string
	wedding string
	photo   string
	inspect bool
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	var opts options
	flag.StringVar(&opts.event, "event", "", "event type: photo_process, face_sample or reprocess_wedding")
	flag.StringVar(&opts.payload, "payload", "", "JSON payload for -event")
	flag.StringVar(&opts.wedding, "wedding", "", "wedding id (reprocess_wedding shorthand, or the wedding to inspect)")
	flag.StringVar(&opts.photo, "photo", "", "photo id (photo_process shorthand)")
	flag.BoolVar(&opts.inspect, "inspect", false, "print the wedding's photo count and guests with face samples")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observability.SetupLogger(cfg.Logging.Level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if opts.inspect {
		err = inspect(ctx, cfg, opts.wedding, os.Stdout)
	} else {
		err = enqueue(ctx, cfg, opts, os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
}

// buildJob resolves the flags into an event type and a validated payload.
func buildJob(opts options) (models.JobType, json.RawMessage, error) {
	event := models.JobType(opts.event)
	payload := opts.payload

	switch {
	case event != "":
	case opts.photo != "":
		event = models.JobPhotoProcess
	case opts.wedding != "":
		event = models.JobReprocessWedding
	default:
		return "", nil, errors.New("one of -event, -photo or -wedding is required")
	}

	if payload == "" {
		var job models.Job
		switch event {
		case models.JobPhotoProcess:
			job = models.PhotoProcessJob{PhotoID: models.ID(opts.photo)}
		case models.JobReprocessWedding:
			job = models.ReprocessWeddingJob{WeddingID: models.ID(opts.wedding)}
		default:
			return "", nil, fmt.Errorf("-payload is required for %s", event)
		}
		b, err := json.Marshal(job)
		if err != nil {
			return "", nil, err
		}
		payload = string(b)
	}

	raw, ok := models.NormalizePayload(payload)
	if !ok {
		return "", nil, fmt.Errorf("payload is not a JSON object: %s", payload)
	}
	job, err := models.DecodeJob(event, raw)
	if err != nil {
		return "", nil, err
	}
	if err := job.Validate(); err != nil {
		return "", nil, err
	}
	return event, raw, nil
}

func enqueue(ctx context.Context, cfg *config.Config, opts options, out io.Writer) error {
	event, payload, err := buildJob(opts)
	if err != nil {
		return err
	}

	stream, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer stream.Close()

	id, err := stream.Append(ctx, cfg.Stream.Key, string(event), payload, cfg.Stream.MaxLen)
	if err != nil {
		return fmt.Errorf("append %s: %w", event, err)
	}
	fmt.Fprintf(out, "appended %s to %s: %s\n", event, cfg.Stream.Key, id)
	return nil
}

func inspect(ctx context.Context, cfg *config.Config, weddingID string, out io.Writer) error {
	if weddingID == "" {
		return errors.New("-inspect needs -wedding")
	}
	records := recordstore.New(cfg.RecordStore)

	photoIDs, err := records.GetWeddingPhotoIDs(ctx, weddingID)
	if err != nil {
		return err
	}
	guests, err := records.GetGuestEncodings(ctx, weddingID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "wedding %s\n", weddingID)
	fmt.Fprintf(out, "  photos: %d\n", len(photoIDs))
	fmt.Fprintf(out, "  guests with face samples: %d\n", len(guests))
	for _, g := range guests {
		name := ""
		if g.User != nil {
			name = g.User.FirstName + " " + g.User.LastName
		}
		fmt.Fprintf(out, "    %s user=%s encoding=%s %s\n", g.ID, g.UserID, g.FaceEncodingID, name)
	}

	stream, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer stream.Close()
	if depth, err := stream.Depth(ctx, cfg.Stream.Key); err == nil {
		fmt.Fprintf(out, "stream %s: %d entries\n", cfg.Stream.Key, depth)
	}
	if rs, ok := stream.(*queue.RedisStream); ok {
		if pending, err := rs.Pending(ctx, cfg.Stream.Key, cfg.Stream.Group); err == nil {
			fmt.Fprintf(out, "group %s: %d pending\n", cfg.Stream.Group, pending)
		}
	}
	return nil
}
