// Package vectorstore implements the VectorDB adapter (SPEC_FULL.md §4.2):
// upsert/search/delete over dense embeddings keyed by URI and artefact
// source, idempotent on (uri, source).
package vectorstore

import (
	"context"
	"time"

	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

// Source identifies which artefact of a URI a vector represents.
type Source string

const (
	SourceAbstract Source = "abstract"
	SourceOverview Source = "overview"
	SourceRaw      Source = "raw"
)

// Modality is the embedding space a vector was produced in.
type Modality string

const (
	ModalityText        Modality = "text"
	ModalityMultimodal  Modality = "multimodal"
)

// Record is one vector to upsert.
type Record struct {
	URI      vkuri.URI
	Source   Source
	Modality Modality
	Vector   []float32
	Payload  map[string]any
}

// id derives a stable point identity from (uri, source): re-upserting the
// same pair replaces the prior vector/payload atomically, satisfying the
// §4.2 idempotency requirement without a caller-supplied id.
func (r Record) id() string { return string(r.URI) + "#" + string(r.Source) }

// ID returns the deterministic point identity for r.
func (r Record) ID() string { return r.id() }

// SearchOpts controls Store.Search.
type SearchOpts struct {
	TargetURIPrefix vkuri.URI
	Limit           int
	ScoreThreshold  float32
}

// Result is one ranked search hit.
type Result struct {
	URI     vkuri.URI
	Source  Source
	Score   float32
	Payload map[string]any
}

// Store is the VectorDB adapter's operation set.
type Store interface {
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, query []float32, opts SearchOpts) ([]Result, error)
	Delete(ctx context.Context, uriPrefix vkuri.URI) (int, error)
	Count(ctx context.Context, uriPrefix vkuri.URI) (int, error)
}

// UpsertRetry mirrors the §4.2 failure semantics: upsert retries with
// exponential backoff (base 500ms, cap 30s, at most 5 attempts); search
// never retries.
var UpsertRetry = struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, MaxAttempts: 5}

// clampScore keeps a similarity score within [0, 1] as §4.2 requires.
func clampScore(s float32) float32 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
