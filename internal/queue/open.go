package queue

import (
	"fmt"

	"github.com/your-org/facetag/internal/config"
)

// Open connects to the stream backend selected in cfg.
func Open(cfg *config.Config) (Stream, error) {
	switch cfg.Stream.Backend {
	case config.BackendNATS:
		s, err := NewJetStream(cfg.NATS.URL, cfg.Stream.MaxLen)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		return s, nil
	case config.BackendRedis, "":
		return NewRedisStream(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unknown stream backend %q", cfg.Stream.Backend)
	}
}
