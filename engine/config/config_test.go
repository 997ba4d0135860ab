package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/LinQiang391/OpenViking/engine/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"OPENVIKING_WORKSPACE", "OPENVIKING_MAX_CONCURRENT_SEMANTIC_JOBS",
		"OPENVIKING_EMBEDDING_BATCH_SIZE", "OPENVIKING_SUMMARISER_TIMEOUT",
	} {
		os.Unsetenv(k)
	}

	cfg := config.Load()
	if cfg.WorkspaceRoot != "/tmp/openviking" {
		t.Errorf("WorkspaceRoot default = %q", cfg.WorkspaceRoot)
	}
	if cfg.MaxConcurrentSemanticJobs != 10 {
		t.Errorf("MaxConcurrentSemanticJobs default = %d, want 10", cfg.MaxConcurrentSemanticJobs)
	}
	if cfg.EmbeddingBatchSize != 32 {
		t.Errorf("EmbeddingBatchSize default = %d, want 32", cfg.EmbeddingBatchSize)
	}
	if cfg.SummariserTimeout != 180*time.Second {
		t.Errorf("SummariserTimeout default = %v, want 180s", cfg.SummariserTimeout)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("OPENVIKING_WORKSPACE", "/data/openviking")
	t.Setenv("OPENVIKING_EMBEDDING_BATCH_SIZE", "64")
	t.Setenv("OPENVIKING_SEMANTIC_LEASE_TIMEOUT", "1m")

	cfg := config.Load()
	if cfg.WorkspaceRoot != "/data/openviking" {
		t.Errorf("WorkspaceRoot = %q, want override", cfg.WorkspaceRoot)
	}
	if cfg.EmbeddingBatchSize != 64 {
		t.Errorf("EmbeddingBatchSize = %d, want 64", cfg.EmbeddingBatchSize)
	}
	if cfg.SemanticLeaseTimeout != time.Minute {
		t.Errorf("SemanticLeaseTimeout = %v, want 1m", cfg.SemanticLeaseTimeout)
	}
}

func TestLoadIgnoresUnparseableOverrides(t *testing.T) {
	t.Setenv("OPENVIKING_EMBEDDING_BATCH_SIZE", "not-a-number")
	cfg := config.Load()
	if cfg.EmbeddingBatchSize != 32 {
		t.Errorf("expected fallback to default 32 on unparseable override, got %d", cfg.EmbeddingBatchSize)
	}
}
