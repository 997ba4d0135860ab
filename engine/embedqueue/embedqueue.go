// Package embedqueue implements the EmbeddingQueue and its worker
// (SPEC_FULL.md §4.6): operations identical in shape to SemanticQueue but
// with no bottom-up dependency, batching same-modality jobs into one
// embed() call. Grounded on the teacher's engine/ingest/ingest.go NewEmbed
// batching stage composed with pkg/embedder.
package embedqueue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/apperr"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	"github.com/LinQiang391/OpenViking/pkg/embedder"
	"github.com/LinQiang391/OpenViking/pkg/fn"
)

// Status mirrors §3 EmbeddingJob.status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// QueueRoot is the reserved AGFS prefix embedding jobs are persisted
// under (§6 "Persisted state layout").
var QueueRoot = vkuri.MustParse("viking://.system/queues/embedding")

// DefaultBatchSize is §4.6's embedding_batch_size default.
const DefaultBatchSize = 32

// MaxAttempts bounds retries before a job is marked failed.
const MaxAttempts = 5

// Job is one persisted EmbeddingJob (§3).
type Job struct {
	ID         string                `json:"id"`
	URI        vkuri.URI             `json:"uri"`
	Modality   vectorstore.Modality  `json:"modality"`
	Source     vectorstore.Source    `json:"source"`
	Status     Status                `json:"status"`
	Attempts   int                   `json:"attempts"`
	LastError  *string               `json:"last_error"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Config carries the §4.6 tunables.
type Config struct {
	BatchSize int
}

func (c Config) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultBatchSize
}

// Queue persists EmbeddingJobs under QueueRoot, with no ordering
// constraint — any job may run whenever a slot is free.
type Queue struct {
	fs    *agfs.FS
	embed embedder.Embedder
	store vectorstore.Store
	cfg   Config
}

// New builds a Queue that reads raw/abstract/overview content via fs,
// embeds it with embed, and upserts into store.
func New(fs *agfs.FS, embed embedder.Embedder, store vectorstore.Store, cfg Config) *Queue {
	return &Queue{fs: fs, embed: embed, store: store, cfg: cfg}
}

// Enqueue adds a pending job for (uri, source) at the given modality.
// Satisfies semanticqueue.EmbeddingEnqueuer.
func (q *Queue) Enqueue(ctx context.Context, u vkuri.URI, modality, source string) error {
	now := time.Now()
	j := Job{
		ID:         uuid.NewString(),
		URI:        u,
		Modality:   vectorstore.Modality(modality),
		Source:     vectorstore.Source(source),
		Status:     StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	return q.save(ctx, j)
}

func (q *Queue) save(ctx context.Context, j Job) error {
	p, err := QueueRoot.Join(j.ID + ".json")
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return q.fs.Write(ctx, p, data, agfs.WriteOpts{})
}

// List returns every persisted embedding job.
func (q *Queue) List(ctx context.Context) ([]Job, error) {
	entries, err := q.fs.Ls(ctx, QueueRoot, agfs.LsOpts{IncludeHidden: true})
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []Job
	for _, e := range entries {
		if e.IsDir || !strings.HasSuffix(string(e.URI), ".json") {
			continue
		}
		data, rerr := q.fs.Read(ctx, e.URI)
		if rerr != nil {
			continue
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].EnqueuedAt.Before(jobs[k].EnqueuedAt) })
	return jobs, nil
}

// content resolves the text to embed for one job's (uri, source).
func (q *Queue) content(ctx context.Context, j Job) (string, error) {
	switch j.Source {
	case vectorstore.SourceAbstract:
		return q.fs.Abstract(ctx, j.URI)
	case vectorstore.SourceOverview:
		return q.fs.Overview(ctx, j.URI)
	default: // raw
		b, err := q.fs.Read(ctx, j.URI)
		return string(b), err
	}
}

// Drain coalesces up to BatchSize same-modality pending jobs per round
// into one embed() call, upserts the results, and repeats until no
// pending/in_progress jobs remain or ctx is cancelled.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		jobs, err := q.List(ctx)
		if err != nil {
			return err
		}
		pending := make([]Job, 0, len(jobs))
		for _, j := range jobs {
			if j.Status == StatusPending {
				pending = append(pending, j)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		byModality := make(map[vectorstore.Modality][]Job)
		for _, j := range pending {
			byModality[j.Modality] = append(byModality[j.Modality], j)
		}

		for modality, group := range byModality {
			for len(group) > 0 {
				n := q.cfg.batchSize()
				if n > len(group) {
					n = len(group)
				}
				batch := group[:n]
				group = group[n:]
				select {
				case <-ctx.Done():
					return apperr.Wrap(apperr.Cancelled, "embedding queue drain", ctx.Err())
				default:
				}
				if err := q.runBatch(ctx, modality, batch); err != nil {
					return err
				}
			}
		}
	}
}

func (q *Queue) runBatch(ctx context.Context, modality vectorstore.Modality, batch []Job) error {
	texts := make([]string, len(batch))
	for i, j := range batch {
		text, err := q.content(ctx, j)
		if err != nil {
			q.fail(ctx, j, err)
			texts[i] = ""
			continue
		}
		texts[i] = text
	}

	result := fn.Retry(ctx, fn.DefaultRetry, func(ctx context.Context) fn.Result[[][]float32] {
		vecs, err := q.embed.Embed(ctx, texts, modality)
		return fn.FromPair(vecs, err)
	})
	vecs, err := result.Unwrap()
	if err != nil {
		for _, j := range batch {
			q.fail(ctx, j, err)
		}
		return nil
	}

	var records []vectorstore.Record
	for i, j := range batch {
		if len(vecs[i]) == 0 {
			q.fail(ctx, j, apperr.New(apperr.DependencyError, "embedder returned zero-length vector"))
			continue
		}
		records = append(records, vectorstore.Record{
			URI: j.URI, Source: j.Source, Modality: modality, Vector: vecs[i],
			Payload: map[string]any{"source": string(j.Source)},
		})
	}
	if len(records) > 0 {
		if err := q.store.Upsert(ctx, records); err != nil {
			for _, j := range batch {
				q.fail(ctx, j, err)
			}
			return nil
		}
	}
	for i, j := range batch {
		if len(vecs[i]) == 0 {
			continue
		}
		j.Status = StatusDone
		j.UpdatedAt = time.Now()
		_ = q.save(ctx, j)
	}
	return nil
}

func (q *Queue) fail(ctx context.Context, j Job, cause error) {
	j.Attempts++
	msg := cause.Error()
	j.LastError = &msg
	j.UpdatedAt = time.Now()
	if j.Attempts >= MaxAttempts {
		j.Status = StatusFailed
	} else {
		j.Status = StatusPending
	}
	_ = q.save(ctx, j)
}
