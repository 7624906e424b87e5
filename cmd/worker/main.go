package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/your-org/facetag/internal/api"
	"github.com/your-org/facetag/internal/api/handlers"
	"github.com/your-org/facetag/internal/config"
	"github.com/your-org/facetag/internal/index"
	"github.com/your-org/facetag/internal/matcher"
	"github.com/your-org/facetag/internal/observability"
	"github.com/your-org/facetag/internal/queue"
	"github.com/your-org/facetag/internal/recordstore"
	"github.com/your-org/facetag/internal/storage"
	"github.com/your-org/facetag/internal/vision"
	"github.com/your-org/facetag/internal/worker"
)

const depthInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting facetag worker",
		"stream_backend", cfg.Stream.Backend,
		"index_backend", cfg.Index.Backend,
		"consumer", cfg.Stream.Consumer,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	stream, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer stream.Close()

	idx, err := index.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer idx.Close()

	records := recordstore.New(cfg.RecordStore)
	fetcher := storage.NewFetcher(cfg.S3)
	extractor := vision.NewClient(cfg.Vision)
	correlator := matcher.NewCorrelator(idx, cfg.Worker.SimilarityThreshold)

	opts := worker.Options{
		StreamKey:     cfg.Stream.Key,
		MaxLen:        cfg.Stream.MaxLen,
		MinConfidence: cfg.Vision.MinConfidence,
	}
	reprocess := worker.NewReprocessHandler(records, stream, opts)
	photos := worker.NewPhotoHandler(records, fetcher, extractor, idx, correlator, opts)
	samples := worker.NewSampleHandler(records, fetcher, extractor, idx, correlator, reprocess, opts)

	dispatcher := worker.NewDispatcher(stream, worker.DispatcherConfig{
		StreamKey:        cfg.Stream.Key,
		Group:            cfg.Stream.Group,
		Consumer:         cfg.Stream.Consumer,
		BlockTimeout:     cfg.Stream.BlockTimeout,
		RetainFailedJobs: cfg.Worker.RetainFailedJobs,
		ReadErrorBackoff: cfg.Worker.ReadErrorBackoff,
		IdleLogInterval:  cfg.Worker.IdleLogInterval,
	}, photos, samples, reprocess)

	var depth atomic.Int64
	go reportDepth(ctx, stream, cfg.Stream.Key, &depth)

	router := api.NewRouter(api.RouterConfig{
		Checks: []handlers.Check{
			{Name: "stream", Ping: stream.Ping},
			{Name: "index", Ping: idx.Ping},
			{Name: "record_store", Ping: records.Ping},
			{Name: "storage", Ping: fetcher.Ping},
			{Name: "vision", Ping: extractor.Ping},
		},
		Status: func() any {
			return map[string]any{
				"stream":       cfg.Stream.Key,
				"group":        cfg.Stream.Group,
				"consumer":     cfg.Stream.Consumer,
				"stream_depth": depth.Load(),
			}
		},
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", "error", err)
		}
	}()

	runErr := dispatcher.Run(ctx)

	slog.Info("shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown error", "error", err)
	}
	return runErr
}

// reportDepth publishes the stream length until ctx is done.
func reportDepth(ctx context.Context, stream queue.Stream, key string, depth *atomic.Int64) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := stream.Depth(ctx, key)
			if err != nil {
				slog.Debug("stream depth", "error", err)
				continue
			}
			depth.Store(n)
			observability.StreamDepth.Set(float64(n))
		}
	}
}
