// Package trace implements the per-request trace collector
// (SPEC_FULL.md §4.9): timed events, cumulative counters, final gauge
// snapshots, assembled into the stable {schema_version, summary, events}
// shape. Grounded on pkg/metrics.Registry's counter/gauge model (adapted
// here to a single request's lifetime rather than process-lifetime) plus
// pkg/fn.TracedStage's OTel span pattern for the timed-event shape. When
// bound to a process-wide pkg/metrics.Registry via WithRegistry, every
// counter bump and gauge snapshot also lands in that registry so the
// same numbers are visible cumulatively across requests, not just in
// this request's Output().
package trace

import (
	"sync"
	"time"

	"github.com/LinQiang391/OpenViking/pkg/metrics"
)

// SchemaVersion is the §6 "Trace schema" stable identifier.
const SchemaVersion = "v1"

// DefaultEventCap bounds memory per request (§4.9 "dropping events beyond
// a configurable cap").
const DefaultEventCap = 1000

// Event is one timed occurrence within a request.
type Event struct {
	Stage  string         `json:"stage"`
	Name   string         `json:"name"`
	TSMs   int64          `json:"ts_ms"`
	Status string         `json:"status"`
	Attrs  map[string]any `json:"attrs,omitempty"`
}

// Counters are the §4.9 cumulative counters; a nil/zero field serialises
// as present-with-value, never dropped silently — only explicit schema
// removals become null per §6.
type Counters struct {
	VectorSearchCalls            int64 `json:"vector.search_calls"`
	VectorCandidatesScored       int64 `json:"vector.candidates_scored"`
	VectorCandidatesAfterThresh  int64 `json:"vector.candidates_after_threshold"`
	VectorReturned               int64 `json:"vector.returned"`
	VectorVectorsScanned         int64 `json:"vector.vectors_scanned"`
	TokenUsageInputTokens        int64 `json:"token_usage.input_tokens"`
	TokenUsageOutputTokens       int64 `json:"token_usage.output_tokens"`
	TokenUsageTotalTokens        int64 `json:"token_usage.total_tokens"`
}

// Gauges are the §4.9 final-snapshot values.
type Gauges struct {
	SemanticNodesTotal      *int64 `json:"semantic_nodes.total"`
	SemanticNodesDone       *int64 `json:"semantic_nodes.done"`
	SemanticNodesPending    *int64 `json:"semantic_nodes.pending"`
	SemanticNodesInProgress *int64 `json:"semantic_nodes.in_progress"`
	MemoryMemoriesExtracted *int64 `json:"memory.memories_extracted"`
}

// Summary bundles the counters/gauges into the stable output shape.
type Summary struct {
	Counters
	Gauges
	EventsTruncated bool `json:"events_truncated"`
	DroppedEvents   int  `json:"dropped_events"`
}

// Output is the final §4.9/§6 stable shape.
type Output struct {
	SchemaVersion string  `json:"schema_version"`
	Summary       Summary `json:"summary"`
	Events        []Event `json:"events"`
}

// registryMetrics holds the process-wide pkg/metrics handles a Collector
// mirrors its per-request counters/gauges into.
type registryMetrics struct {
	vectorSearchCalls           *metrics.Counter
	vectorCandidatesScored      *metrics.Counter
	vectorCandidatesAfterThresh *metrics.Counter
	vectorReturned              *metrics.Counter
	vectorVectorsScanned        *metrics.Counter
	tokenUsageInput             *metrics.Counter
	tokenUsageOutput            *metrics.Counter
	tokenUsageTotal             *metrics.Counter

	semanticNodesTotal      *metrics.Gauge
	semanticNodesDone       *metrics.Gauge
	semanticNodesPending    *metrics.Gauge
	semanticNodesInProgress *metrics.Gauge
	memoriesExtracted       *metrics.Gauge
}

// Collector is bound to one request's control flow. Safe for concurrent
// use by the goroutines participating in that single request.
type Collector struct {
	mu       sync.Mutex
	start    time.Time
	cap      int
	events   []Event
	dropped  int
	counters Counters
	gauges   Gauges
	registry *registryMetrics
}

// New creates a Collector with the given event cap (0 selects
// DefaultEventCap).
func New(cap int) *Collector {
	if cap <= 0 {
		cap = DefaultEventCap
	}
	return &Collector{start: time.Now(), cap: cap}
}

// WithRegistry binds this Collector to a process-wide pkg/metrics.Registry
// (§9 "Process-wide state" — the registry lives on the Engine handle and
// is threaded in here, not reached for as a singleton). Every counter
// bump and gauge snapshot this Collector records from now on is mirrored
// into r under stable metric names, so an operator scraping r sees the
// same numbers the per-request trace exposes, accumulated across
// requests. Returns the Collector for chaining, matching Engine.WithLogger.
func (c *Collector) WithRegistry(r *metrics.Registry) *Collector {
	if r == nil {
		return c
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = &registryMetrics{
		vectorSearchCalls:           r.Counter("openviking_trace_vector_search_calls_total", "cumulative vector.search_calls across requests"),
		vectorCandidatesScored:      r.Counter("openviking_trace_vector_candidates_scored_total", "cumulative vector.candidates_scored across requests"),
		vectorCandidatesAfterThresh: r.Counter("openviking_trace_vector_candidates_after_threshold_total", "cumulative vector.candidates_after_threshold across requests"),
		vectorReturned:              r.Counter("openviking_trace_vector_returned_total", "cumulative vector.returned across requests"),
		vectorVectorsScanned:        r.Counter("openviking_trace_vector_vectors_scanned_total", "cumulative vector.vectors_scanned across requests"),
		tokenUsageInput:             r.Counter("openviking_trace_token_usage_input_tokens_total", "cumulative token_usage.input_tokens across requests"),
		tokenUsageOutput:            r.Counter("openviking_trace_token_usage_output_tokens_total", "cumulative token_usage.output_tokens across requests"),
		tokenUsageTotal:             r.Counter("openviking_trace_token_usage_total_tokens_total", "cumulative token_usage.total_tokens across requests"),
		semanticNodesTotal:          r.Gauge("openviking_trace_semantic_nodes_total", "last-seen semantic_nodes.total gauge"),
		semanticNodesDone:           r.Gauge("openviking_trace_semantic_nodes_done", "last-seen semantic_nodes.done gauge"),
		semanticNodesPending:        r.Gauge("openviking_trace_semantic_nodes_pending", "last-seen semantic_nodes.pending gauge"),
		semanticNodesInProgress:     r.Gauge("openviking_trace_semantic_nodes_in_progress", "last-seen semantic_nodes.in_progress gauge"),
		memoriesExtracted:           r.Gauge("openviking_trace_memory_memories_extracted", "last-seen memory.memories_extracted gauge"),
	}
	return c
}

// Event records a timed event, dropping it (and counting the drop) once
// the cap is reached (§4.9 "bounds memory by dropping events beyond a
// configurable cap").
func (c *Collector) Event(stage, name, status string, attrs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) >= c.cap {
		c.dropped++
		return
	}
	c.events = append(c.events, Event{
		Stage: stage, Name: name, Status: status, Attrs: attrs,
		TSMs: time.Since(c.start).Milliseconds(),
	})
}

// AddVectorSearchCalls and friends bump one cumulative counter, mirroring
// into the bound pkg/metrics.Registry (if any) under the same bump.
func (c *Collector) AddVectorSearchCalls(n int64) {
	c.add(&c.counters.VectorSearchCalls, n, func(r *registryMetrics) *metrics.Counter { return r.vectorSearchCalls })
}
func (c *Collector) AddVectorCandidatesScored(n int64) {
	c.add(&c.counters.VectorCandidatesScored, n, func(r *registryMetrics) *metrics.Counter { return r.vectorCandidatesScored })
}
func (c *Collector) AddVectorCandidatesAfterThreshold(n int64) {
	c.add(&c.counters.VectorCandidatesAfterThresh, n, func(r *registryMetrics) *metrics.Counter { return r.vectorCandidatesAfterThresh })
}
func (c *Collector) AddVectorReturned(n int64) {
	c.add(&c.counters.VectorReturned, n, func(r *registryMetrics) *metrics.Counter { return r.vectorReturned })
}
func (c *Collector) AddVectorVectorsScanned(n int64) {
	c.add(&c.counters.VectorVectorsScanned, n, func(r *registryMetrics) *metrics.Counter { return r.vectorVectorsScanned })
}
func (c *Collector) AddTokenUsage(input, output int64) {
	c.mu.Lock()
	c.counters.TokenUsageInputTokens += input
	c.counters.TokenUsageOutputTokens += output
	c.counters.TokenUsageTotalTokens += input + output
	if c.registry != nil {
		c.registry.tokenUsageInput.Add(input)
		c.registry.tokenUsageOutput.Add(output)
		c.registry.tokenUsageTotal.Add(input + output)
	}
	c.mu.Unlock()
}

func (c *Collector) add(field *int64, n int64, pick func(*registryMetrics) *metrics.Counter) {
	c.mu.Lock()
	*field += n
	if c.registry != nil {
		pick(c.registry).Add(n)
	}
	c.mu.Unlock()
}

// SetSemanticNodeGauges records the final semantic-queue snapshot.
func (c *Collector) SetSemanticNodeGauges(total, done, pending, inProgress int64) {
	c.mu.Lock()
	c.gauges.SemanticNodesTotal = &total
	c.gauges.SemanticNodesDone = &done
	c.gauges.SemanticNodesPending = &pending
	c.gauges.SemanticNodesInProgress = &inProgress
	if c.registry != nil {
		c.registry.semanticNodesTotal.Set(total)
		c.registry.semanticNodesDone.Set(done)
		c.registry.semanticNodesPending.Set(pending)
		c.registry.semanticNodesInProgress.Set(inProgress)
	}
	c.mu.Unlock()
}

// SetMemoriesExtracted records the final memory-extraction gauge.
func (c *Collector) SetMemoriesExtracted(n int64) {
	c.mu.Lock()
	c.gauges.MemoryMemoriesExtracted = &n
	if c.registry != nil {
		c.registry.memoriesExtracted.Set(n)
	}
	c.mu.Unlock()
}

// Output renders the stable {schema_version, summary, events} shape.
// Non-applicable gauge fields are left nil, which json marshals as null
// per §6.
func (c *Collector) Output() Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]Event, len(c.events))
	copy(events, c.events)
	return Output{
		SchemaVersion: SchemaVersion,
		Summary: Summary{
			Counters:        c.counters,
			Gauges:          c.gauges,
			EventsTruncated: c.dropped > 0,
			DroppedEvents:   c.dropped,
		},
		Events: events,
	}
}
