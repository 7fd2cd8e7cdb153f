// Package config holds per-subsystem configuration loaded from environment
// variables. Each subsystem gets an explicit struct with enumerated fields
// and documented defaults; there are no open maps.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates every subsystem's configuration.
type Config struct {
	Server      ServerConfig
	Stream      StreamConfig
	Consumer    ConsumerConfig
	Blob        BlobConfig
	Pipeline    PipelineConfig
	Recovery    RecoveryConfig
	WS          WSConfig
	Correlation CorrelationConfig
	Summary     SummaryConfig
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port string
	// APIKey is the shared bearer token required on all /api/* paths
	// except /api/health, and the WebSocket token query parameter.
	APIKey string
	// MaxIngestBatch caps the number of events per ingest request.
	MaxIngestBatch int
	// MaxIngestBody caps the ingest request body size in bytes.
	MaxIngestBody int64
	// MaxUploadBody caps transcript upload size in bytes.
	MaxUploadBody int64
}

// StreamConfig configures the Redis Streams transport.
type StreamConfig struct {
	// URL is a redis:// connection string.
	URL string
	// Stream is the stream key events are published to.
	Stream string
	// Group is the consumer group name.
	Group string
}

// ConsumerConfig tunes the ingest consumer loop.
type ConsumerConfig struct {
	// BatchSize is the XREADGROUP count per poll.
	BatchSize int64
	// BlockInterval is how long a read blocks waiting for entries.
	BlockInterval time.Duration
	// MinIdle is the pending-entry age after which another consumer may
	// claim an entry.
	MinIdle time.Duration
	// ReclaimInterval is how often the loop attempts XAUTOCLAIM.
	ReclaimInterval time.Duration
}

// BlobConfig configures the S3-compatible transcript blob store.
type BlobConfig struct {
	// Endpoint overrides the S3 endpoint (MinIO and friends). Empty means
	// the AWS default resolution.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// PathStyle forces path-style addressing, required by MinIO.
	PathStyle bool
}

// PipelineConfig tunes the transcript processing pipeline.
type PipelineConfig struct {
	// RunTimeout bounds a single pipeline run, download through summarize.
	RunTimeout time.Duration
	// InsertBatchSize is how many messages/blocks go per INSERT statement.
	InsertBatchSize int
}

// RecoveryConfig tunes the stuck-session sweeper.
type RecoveryConfig struct {
	// Interval between periodic sweeps.
	Interval time.Duration
	// StuckThreshold is how long a session may sit below a terminal state
	// with an unfinished parse before the sweeper intervenes.
	StuckThreshold time.Duration
}

// WSConfig tunes the WebSocket broadcaster.
type WSConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// CorrelationConfig tunes git-to-session correlation.
type CorrelationConfig struct {
	// MaxAge is the lookback ceiling on started_at when attaching a git
	// event to an active session. Prevents a push from attaching to a
	// stale session that never saw its session.end.
	MaxAge time.Duration
}

// SummaryConfig configures the optional Anthropic-backed summarizer.
// Summarization is disabled when APIKey is empty.
type SummaryConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// MaxTranscriptBytes truncates the transcript text handed to the
	// summary prompt.
	MaxTranscriptBytes int
}

// Enabled reports whether a summary provider is configured.
func (c SummaryConfig) Enabled() bool { return c.APIKey != "" }

// Load reads every subsystem's configuration from the environment.
func Load() (*Config, error) {
	apiKey := os.Getenv("CCPULSE_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("CCPULSE_API_KEY is required")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvOrDefault("HTTP_PORT", "8080"),
			APIKey:         apiKey,
			MaxIngestBatch: getEnvInt("INGEST_MAX_BATCH", 100),
			MaxIngestBody:  int64(getEnvInt("INGEST_MAX_BODY_BYTES", 1<<20)),
			MaxUploadBody:  int64(getEnvInt("UPLOAD_MAX_BODY_BYTES", 200<<20)),
		},
		Stream: StreamConfig{
			URL:    getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
			Stream: getEnvOrDefault("STREAM_KEY", "ccpulse:events"),
			Group:  getEnvOrDefault("STREAM_GROUP", "ccpulse-ingest"),
		},
		Consumer: ConsumerConfig{
			BatchSize:       int64(getEnvInt("CONSUMER_BATCH_SIZE", 10)),
			BlockInterval:   getEnvDuration("CONSUMER_BLOCK_INTERVAL", 5*time.Second),
			MinIdle:         getEnvDuration("CONSUMER_MIN_IDLE", time.Minute),
			ReclaimInterval: getEnvDuration("CONSUMER_RECLAIM_INTERVAL", 30*time.Second),
		},
		Blob: BlobConfig{
			Endpoint:  os.Getenv("BLOB_ENDPOINT"),
			Region:    getEnvOrDefault("BLOB_REGION", "us-east-1"),
			Bucket:    getEnvOrDefault("BLOB_BUCKET", "ccpulse-transcripts"),
			AccessKey: os.Getenv("BLOB_ACCESS_KEY"),
			SecretKey: os.Getenv("BLOB_SECRET_KEY"),
			PathStyle: getEnvBool("BLOB_PATH_STYLE", true),
		},
		Pipeline: PipelineConfig{
			RunTimeout:      getEnvDuration("PIPELINE_RUN_TIMEOUT", 5*time.Minute),
			InsertBatchSize: getEnvInt("PIPELINE_INSERT_BATCH", 200),
		},
		Recovery: RecoveryConfig{
			Interval:       getEnvDuration("RECOVERY_INTERVAL", 5*time.Minute),
			StuckThreshold: getEnvDuration("RECOVERY_STUCK_THRESHOLD", time.Hour),
		},
		WS: WSConfig{
			PingInterval: getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
			PongTimeout:  getEnvDuration("WS_PONG_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		},
		Correlation: CorrelationConfig{
			MaxAge: getEnvDuration("CORRELATION_MAX_AGE", 24*time.Hour),
		},
		Summary: SummaryConfig{
			APIKey:             os.Getenv("ANTHROPIC_API_KEY"),
			Model:              getEnvOrDefault("SUMMARY_MODEL", "claude-haiku-4-5"),
			MaxTokens:          int64(getEnvInt("SUMMARY_MAX_TOKENS", 512)),
			MaxTranscriptBytes: getEnvInt("SUMMARY_MAX_TRANSCRIPT_BYTES", 64<<10),
		},
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
