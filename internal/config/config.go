package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Stream      StreamConfig      `yaml:"stream"`
	Redis       RedisConfig       `yaml:"redis"`
	NATS        NATSConfig        `yaml:"nats"`
	Worker      WorkerConfig      `yaml:"worker"`
	Index       IndexConfig       `yaml:"index"`
	Database    DatabaseConfig    `yaml:"database"`
	S3          S3Config          `yaml:"s3"`
	Vision      VisionConfig      `yaml:"vision"`
	RecordStore RecordStoreConfig `yaml:"record_store"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

const (
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type StreamConfig struct {
	Backend      string        `yaml:"backend"`
	Key          string        `yaml:"key"`
	Group        string        `yaml:"group"`
	Consumer     string        `yaml:"consumer"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	MaxLen       int64         `yaml:"max_len"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type WorkerConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// RetainFailedJobs leaves failed messages pending in the consumer group
	// instead of acknowledging them.
	RetainFailedJobs bool          `yaml:"retain_failed_jobs"`
	ReadErrorBackoff time.Duration `yaml:"read_error_backoff"`
	IdleLogInterval  time.Duration `yaml:"idle_log_interval"`
}

type IndexConfig struct {
	Backend   string `yaml:"backend"`
	Name      string `yaml:"name"`
	Dimension int    `yaml:"dimension"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// Endpoint overrides the regional AWS endpoint, e.g. for MinIO.
	Endpoint        string        `yaml:"endpoint"`
	Insecure        bool          `yaml:"insecure"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

func (s S3Config) HasCredentials() bool {
	return s.AccessKey != "" || s.SecretKey != ""
}

type VisionConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

type RecordStoreConfig struct {
	BaseURL         string        `yaml:"base_url"`
	InternalSecret  string        `yaml:"internal_secret"`
	Timeout         time.Duration `yaml:"timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const defaultMinConfidence = 0.5

// Load reads config from an optional YAML file, applies environment variable
// overrides (including a .env file when present) and fills defaults.
func Load(path string) (*Config, error) {
	// Settings where zero is meaningful are seeded before parsing, so only an
	// absent key falls back to the default.
	cfg := &Config{
		Vision: VisionConfig{MinConfidence: defaultMinConfidence},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	_ = godotenv.Load()

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8082
	}
	if cfg.Stream.Backend == "" {
		cfg.Stream.Backend = BackendRedis
	}
	if cfg.Stream.Key == "" {
		cfg.Stream.Key = "ai:processing:stream"
	}
	if cfg.Stream.Group == "" {
		cfg.Stream.Group = "ai-workers"
	}
	if cfg.Stream.Consumer == "" {
		cfg.Stream.Consumer = defaultConsumerName()
	}
	if cfg.Stream.BlockTimeout == 0 {
		cfg.Stream.BlockTimeout = 5 * time.Second
	}
	if cfg.Stream.MaxLen == 0 {
		cfg.Stream.MaxLen = 10000
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Worker.SimilarityThreshold == 0 {
		cfg.Worker.SimilarityThreshold = 0.6
	}
	if cfg.Worker.ReadErrorBackoff == 0 {
		cfg.Worker.ReadErrorBackoff = time.Second
	}
	if cfg.Worker.IdleLogInterval == 0 {
		cfg.Worker.IdleLogInterval = 30 * time.Second
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = BackendPostgres
	}
	if cfg.Index.Name == "" {
		cfg.Index.Name = "wedding_faces"
	}
	if cfg.Index.Dimension == 0 {
		cfg.Index.Dimension = 512
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	if cfg.S3.DownloadTimeout == 0 {
		cfg.S3.DownloadTimeout = 60 * time.Second
	}
	if cfg.Vision.URL == "" {
		cfg.Vision.URL = "http://localhost:8000"
	}
	if cfg.Vision.Timeout == 0 {
		cfg.Vision.Timeout = 60 * time.Second
	}
	if cfg.RecordStore.BaseURL == "" {
		cfg.RecordStore.BaseURL = "http://localhost:9090"
	}
	if cfg.RecordStore.Timeout == 0 {
		cfg.RecordStore.Timeout = 15 * time.Second
	}
	if cfg.RecordStore.ReadTimeout == 0 {
		cfg.RecordStore.ReadTimeout = 30 * time.Second
	}
	if cfg.RecordStore.BreakerFailures == 0 {
		cfg.RecordStore.BreakerFailures = 5
	}
	if cfg.RecordStore.BreakerCooldown == 0 {
		cfg.RecordStore.BreakerCooldown = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Stream.Backend {
	case BackendRedis, BackendNATS:
	default:
		return fmt.Errorf("stream.backend must be %q or %q, got %q", BackendRedis, BackendNATS, c.Stream.Backend)
	}
	switch c.Index.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("index.backend must be %q or %q, got %q", BackendPostgres, BackendMemory, c.Index.Backend)
	}
	if c.Worker.SimilarityThreshold <= 0 || c.Worker.SimilarityThreshold > 1 {
		return fmt.Errorf("worker.similarity_threshold must be in (0, 1], got %v", c.Worker.SimilarityThreshold)
	}
	if c.Vision.MinConfidence < 0 || c.Vision.MinConfidence > 1 {
		return fmt.Errorf("vision.min_confidence must be in [0, 1], got %v", c.Vision.MinConfidence)
	}
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("index.dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Stream.MaxLen < 0 {
		return fmt.Errorf("stream.max_len must not be negative, got %d", c.Stream.MaxLen)
	}
	return nil
}

// applyEnvOverrides reads FACETAG_* variables. The legacy names used by the
// upload API deployment are honoured as fallbacks.
func applyEnvOverrides(cfg *Config) error {
	envString(&cfg.Stream.Backend, "FACETAG_STREAM_BACKEND")
	envString(&cfg.Stream.Key, "FACETAG_STREAM_KEY", "REDIS_AI_QUEUE_STREAM")
	envString(&cfg.Stream.Group, "FACETAG_STREAM_GROUP", "REDIS_AI_CONSUMER_GROUP")
	envString(&cfg.Stream.Consumer, "FACETAG_STREAM_CONSUMER", "REDIS_AI_CONSUMER_NAME")
	envString(&cfg.Redis.Host, "FACETAG_REDIS_HOST", "REDIS_HOST")
	envString(&cfg.Redis.Password, "FACETAG_REDIS_PASSWORD", "REDIS_PASSWORD")
	envString(&cfg.NATS.URL, "FACETAG_NATS_URL")
	envString(&cfg.Index.Backend, "FACETAG_INDEX_BACKEND")
	envString(&cfg.Index.Name, "FACETAG_INDEX_NAME", "PINECONE_INDEX_NAME")
	envString(&cfg.Database.Host, "FACETAG_DB_HOST")
	envString(&cfg.Database.Name, "FACETAG_DB_NAME")
	envString(&cfg.Database.User, "FACETAG_DB_USER")
	envString(&cfg.Database.Password, "FACETAG_DB_PASSWORD")
	envString(&cfg.S3.Region, "FACETAG_S3_REGION", "AWS_REGION")
	envString(&cfg.S3.Bucket, "FACETAG_S3_BUCKET", "S3_BUCKET_NAME")
	envString(&cfg.S3.AccessKey, "FACETAG_S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	envString(&cfg.S3.SecretKey, "FACETAG_S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	envString(&cfg.S3.Endpoint, "FACETAG_S3_ENDPOINT")
	envString(&cfg.Vision.URL, "FACETAG_VISION_URL")
	envString(&cfg.RecordStore.BaseURL, "FACETAG_RECORD_STORE_URL", "API_BASE_URL")
	envString(&cfg.RecordStore.InternalSecret, "FACETAG_INTERNAL_SECRET", "INTERNAL_SECRET")
	envString(&cfg.Logging.Level, "FACETAG_LOG_LEVEL")
	envString(&cfg.Logging.Format, "FACETAG_LOG_FORMAT")

	return errors.Join(
		envInt(&cfg.Server.Port, "FACETAG_SERVER_PORT"),
		envInt(&cfg.Redis.Port, "FACETAG_REDIS_PORT", "REDIS_PORT"),
		envInt(&cfg.Redis.DB, "FACETAG_REDIS_DB"),
		envInt(&cfg.Database.Port, "FACETAG_DB_PORT"),
		envFloat(&cfg.Worker.SimilarityThreshold, "FACETAG_SIMILARITY_THRESHOLD", "FACE_SIMILARITY_THRESHOLD"),
		envFloat(&cfg.Vision.MinConfidence, "FACETAG_MIN_CONFIDENCE"),
		envBool(&cfg.Worker.RetainFailedJobs, "FACETAG_RETAIN_FAILED_JOBS"),
		envDuration(&cfg.Stream.BlockTimeout, "FACETAG_STREAM_BLOCK_TIMEOUT"),
	)
}

func lookup(keys ...string) (string, string, bool) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return k, v, true
		}
	}
	return "", "", false
}

func envString(dst *string, keys ...string) {
	if _, v, ok := lookup(keys...); ok {
		*dst = v
	}
}

func envInt(dst *int, keys ...string) error {
	k, v, ok := lookup(keys...)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", k, v)
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, keys ...string) error {
	k, v, ok := lookup(keys...)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", k, v)
	}
	*dst = f
	return nil
}

func envBool(dst *bool, keys ...string) error {
	k, v, ok := lookup(keys...)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", k, v)
	}
	*dst = b
	return nil
}

func envDuration(dst *time.Duration, keys ...string) error {
	k, v, ok := lookup(keys...)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", k, v)
	}
	*dst = d
	return nil
}

func defaultConsumerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return "worker-" + host
	}
	return "worker-" + uuid.NewString()[:8]
}
