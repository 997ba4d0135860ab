// Package config centralises the single component-config record
// SPEC_FULL.md's "Config dataclasses" note asks for (§9): one struct
// enumerating storage backend choice, workspace path, queue concurrency
// caps, summariser/embedder endpoints, code_summary_mode, and timeouts,
// env-driven with documented defaults. Grounded on the teacher's
// cmd/api/main.go Config/loadConfig/envOr pattern.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/LinQiang391/OpenViking/engine/parser"
)

// Backend selects which AGFS/VectorDB implementation wires up.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendObject Backend = "object"
	BackendRemote Backend = "remote"
	BackendGraph  Backend = "graph"
)

// Config is the process-wide settings record threaded into Engine's
// constructor (§9 "Process-wide state").
type Config struct {
	WorkspaceRoot string

	AGFSBackend   Backend
	S3Bucket      string
	S3Prefix      string
	RemoteFSURL   string
	Neo4jURL      string
	Neo4jUser     string
	Neo4jPass     string

	VectorBackend  Backend
	QdrantURL      string
	QdrantCollection string

	SummariserURL string
	EmbedderURL   string
	EmbedderModel string

	NatsURL string // empty disables the semantic-queue doorbell notifier

	CodeSummaryMode parser.CodeSummaryMode

	MaxConcurrentSemanticJobs int
	MaxConcurrentLLM          int
	MaxImagesPerCall          int
	MaxSectionsPerCall        int
	EmbeddingBatchSize        int
	SemanticLeaseTimeout      time.Duration

	// EmbedderRateLimit/EmbedderRateBurst bound pkg/embedder's HTTP calls
	// via a pkg/resilience.Limiter token bucket (§5 "a separate cap for
	// embeddings").
	EmbedderRateLimit float64
	EmbedderRateBurst int

	SummariserTimeout time.Duration
	EmbedderTimeout   time.Duration
	AGFSTimeout       time.Duration
	VectorTimeout     time.Duration

	ScratchGracePeriod time.Duration
	TraceEventCap      int
}

// Load builds a Config from the environment, falling back to the
// documented defaults named throughout SPEC_FULL.md §4-§5 for any unset
// field.
func Load() Config {
	return Config{
		WorkspaceRoot: envOr("OPENVIKING_WORKSPACE", "/tmp/openviking"),

		AGFSBackend: Backend(envOr("OPENVIKING_AGFS_BACKEND", string(BackendLocal))),
		S3Bucket:    envOr("OPENVIKING_S3_BUCKET", ""),
		S3Prefix:    envOr("OPENVIKING_S3_PREFIX", "openviking/"),
		RemoteFSURL: envOr("OPENVIKING_REMOTEFS_URL", "http://localhost:8090"),
		Neo4jURL:    envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:   envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:   envOr("NEO4J_PASS", "password"),

		VectorBackend:    Backend(envOr("OPENVIKING_VECTOR_BACKEND", string(BackendLocal))),
		QdrantURL:        envOr("QDRANT_URL", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "openviking"),

		SummariserURL: envOr("OPENVIKING_SUMMARISER_URL", "http://localhost:11434"),
		EmbedderURL:   envOr("OPENVIKING_EMBEDDER_URL", "http://localhost:11434"),
		EmbedderModel: envOr("OPENVIKING_EMBEDDER_MODEL", "nomic-embed-text"),

		NatsURL: envOr("NATS_URL", ""),

		CodeSummaryMode: parser.CodeSummaryMode(envOr("OPENVIKING_CODE_SUMMARY_MODE", string(parser.CodeSummaryAST))),

		MaxConcurrentSemanticJobs: envOrInt("OPENVIKING_MAX_CONCURRENT_SEMANTIC_JOBS", 10),
		MaxConcurrentLLM:          envOrInt("OPENVIKING_MAX_CONCURRENT_LLM", 10),
		MaxImagesPerCall:          envOrInt("OPENVIKING_MAX_IMAGES_PER_CALL", 10),
		MaxSectionsPerCall:        envOrInt("OPENVIKING_MAX_SECTIONS_PER_CALL", 20),
		EmbeddingBatchSize:        envOrInt("OPENVIKING_EMBEDDING_BATCH_SIZE", 32),
		SemanticLeaseTimeout:      envOrDuration("OPENVIKING_SEMANTIC_LEASE_TIMEOUT", 10*time.Minute),

		EmbedderRateLimit: envOrFloat("OPENVIKING_EMBEDDER_RATE_LIMIT", 20),
		EmbedderRateBurst: envOrInt("OPENVIKING_EMBEDDER_RATE_BURST", 32),

		SummariserTimeout: envOrDuration("OPENVIKING_SUMMARISER_TIMEOUT", 180*time.Second),
		EmbedderTimeout:   envOrDuration("OPENVIKING_EMBEDDER_TIMEOUT", 60*time.Second),
		AGFSTimeout:       envOrDuration("OPENVIKING_AGFS_TIMEOUT", 30*time.Second),
		VectorTimeout:     envOrDuration("OPENVIKING_VECTOR_TIMEOUT", 10*time.Second),

		ScratchGracePeriod: envOrDuration("OPENVIKING_SCRATCH_GRACE_PERIOD", time.Hour),
		TraceEventCap:      envOrInt("OPENVIKING_TRACE_EVENT_CAP", 1000),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
