// Package semanticqueue implements the SemanticQueue and its worker
// (SPEC_FULL.md §4.5): a persistent DAG of pending directory jobs, walked
// bottom-up, producing .abstract.md/.overview.md. Grounded on the
// teacher's engine/ingest/ingest.go StartConsumer (retry-count header,
// DLQ-after-MaxRetries, JSON job envelopes), generalized from "NATS
// subject" persistence to "AGFS JSON job file" persistence — AGFS is the
// durable source of truth, pkg/natsutil is wired in only as an optional
// doorbell publish on enqueue (see Notifier); Drain itself polls AGFS and
// nothing in this module subscribes to the doorbell.
package semanticqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/apperr"
	"github.com/LinQiang391/OpenViking/engine/parser"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/fn"
	"github.com/LinQiang391/OpenViking/pkg/summariser"
)

// Kind mirrors §3 SemanticJob.kind.
type Kind string

const (
	KindResource Kind = "resource"
	KindMemory   Kind = "memory"
	KindSkill    Kind = "skill"
)

// Status is the SemanticJob state machine (§3, §5): pending -> in_progress
// -> done | failed; failed -> pending on manual re-enqueue; a crashed
// worker's job reverts pending -> in_progress -> pending after LeaseTimeout.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// DefaultLeaseTimeout is the §5 "crashed worker" reclaim window.
const DefaultLeaseTimeout = 10 * time.Minute

// QueueRoot is the reserved AGFS prefix jobs are persisted under (§6
// "Persisted state layout").
var QueueRoot = vkuri.MustParse("viking://.system/queues/semantic")

// Job is one persisted SemanticJob (§3).
type Job struct {
	ID         string     `json:"id"`
	URI        vkuri.URI  `json:"uri"`
	Kind       Kind       `json:"kind"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  *string    `json:"last_error"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ParentURI  *vkuri.URI `json:"parent_uri"`
}

func (j Job) path() (vkuri.URI, error) { return QueueRoot.Join(j.ID + ".json") }

// MaxAttempts bounds retries before a job transitions to failed (§4.5
// "Retry policy ... up to 5 attempts", mirroring §4.2's backoff schedule).
const MaxAttempts = 5

// Config carries the §4.5/§4.3 tunables the worker needs.
type Config struct {
	MaxConcurrentJobs int // default 10
	MaxConcurrentLLM  int // default 10
	MaxImagesPerCall  int // default 10
	MaxSectionsPerCall int // default 20
	LeaseTimeout      time.Duration
	ParserConfig      parser.Config
}

func (c Config) maxConcurrentJobs() int {
	if c.MaxConcurrentJobs > 0 {
		return c.MaxConcurrentJobs
	}
	return 10
}

func (c Config) maxConcurrentLLM() int {
	if c.MaxConcurrentLLM > 0 {
		return c.MaxConcurrentLLM
	}
	return 10
}

func (c Config) leaseTimeout() time.Duration {
	if c.LeaseTimeout > 0 {
		return c.LeaseTimeout
	}
	return DefaultLeaseTimeout
}

// EmbeddingEnqueuer decouples SemanticQueue from engine/embedqueue (§4.5
// step 7): implemented by embedqueue.Queue, wired together in engine.go.
type EmbeddingEnqueuer interface {
	Enqueue(ctx context.Context, u vkuri.URI, modality, source string) error
}

// Notifier is the optional doorbell (pkg/natsutil), called on every
// Enqueue; Drain does not listen for it and keeps polling AGFS, which
// remains authoritative, so a missed/duplicate notify never breaks
// correctness.
type Notifier interface {
	Notify(ctx context.Context, u vkuri.URI)
}

// Queue persists SemanticJobs under QueueRoot and schedules them
// bottom-up.
type Queue struct {
	fs         *agfs.FS
	summariser summariser.Summariser
	embed      EmbeddingEnqueuer
	notifier   Notifier
	cfg        Config

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// New builds a Queue over fs, calling s to summarise and routing
// completed artefacts to embed.
func New(fs *agfs.FS, s summariser.Summariser, embed EmbeddingEnqueuer, notifier Notifier, cfg Config) *Queue {
	return &Queue{fs: fs, summariser: s, embed: embed, notifier: notifier, cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

func (q *Queue) lockFor(id string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[id]
	if !ok {
		l = &sync.Mutex{}
		q.locks[id] = l
	}
	return l
}

// Enqueue creates a new pending job for u (§4.4 step 5, §4.8 step 5's
// entry point into the queue).
func (q *Queue) Enqueue(ctx context.Context, u vkuri.URI, kind Kind, parentURI *vkuri.URI) (Job, error) {
	now := time.Now()
	job := Job{ID: uuid.NewString(), URI: u, Kind: kind, Status: StatusPending, EnqueuedAt: now, UpdatedAt: now, ParentURI: parentURI}
	if err := q.save(ctx, job); err != nil {
		return Job{}, err
	}
	if q.notifier != nil {
		q.notifier.Notify(ctx, u)
	}
	return job, nil
}

func (q *Queue) save(ctx context.Context, j Job) error {
	p, err := j.path()
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return q.fs.Write(ctx, p, data, agfs.WriteOpts{})
}

// Get loads a single job by id.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	p, err := QueueRoot.Join(id + ".json")
	if err != nil {
		return Job{}, err
	}
	data, err := q.fs.Read(ctx, p)
	if err != nil {
		return Job{}, apperr.Wrap(apperr.NotFound, "semantic job "+id, err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, apperr.Wrap(apperr.DependencyError, "decode semantic job "+id, err)
	}
	return j, nil
}

// List returns every persisted job, oldest-first by EnqueuedAt (§4.5
// "Eligible jobs are picked oldest-first").
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
		id := strings.TrimSuffix(e.URI.Name(), ".json")
		j, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt) })
	return jobs, nil
}

// jobFor returns the most recent job persisted for uri, if any.
func (q *Queue) jobFor(ctx context.Context, uri vkuri.URI) (Job, bool, error) {
	jobs, err := q.List(ctx)
	if err != nil {
		return Job{}, false, err
	}
	var found Job
	ok := false
	for _, j := range jobs {
		if j.URI == uri {
			if !ok || j.EnqueuedAt.After(found.EnqueuedAt) {
				found, ok = j, true
			}
		}
	}
	return found, ok, nil
}

// ReclaimExpiredLeases reverts in_progress jobs whose lease has expired
// back to pending (§5 "a crashed worker's job reverts to pending after a
// lease timeout").
func (q *Queue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	jobs, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	cutoff := time.Now().Add(-q.cfg.leaseTimeout())
	for _, j := range jobs {
		if j.Status == StatusInProgress && j.UpdatedAt.Before(cutoff) {
			j.Status = StatusPending
			j.UpdatedAt = time.Now()
			if err := q.save(ctx, j); err == nil {
				n++
			}
		}
	}
	return n, nil
}

// Requeue transitions a failed job back to pending for a manual retry
// (§3 "failed -> pending (manual re-enqueue)").
func (q *Queue) Requeue(ctx context.Context, id string) error {
	j, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != StatusFailed {
		return apperr.New(apperr.InvalidArgument, "only failed jobs can be requeued")
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.LastError = nil
	j.UpdatedAt = time.Now()
	return q.save(ctx, j)
}

// eligible implements §4.5's strict scheduling policy (§9 Open Question 1:
// speculative re-enqueue of not-yet-eligible jobs is explicitly NOT done
// here): a job may dequeue only when every child directory of its URI is
// either absent from the queue (an unprocessed leaf, handled inline) or
// already done.
func (q *Queue) eligible(ctx context.Context, j Job) (bool, error) {
	entries, err := q.fs.Ls(ctx, j.URI, agfs.LsOpts{})
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		childJob, ok, err := q.jobFor(ctx, e.URI)
		if err != nil {
			return false, err
		}
		if ok && childJob.Status != StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// Drain runs the scheduling loop until every pending/in_progress job has
// resolved or ctx is cancelled, honouring MaxConcurrentJobs (§4.5, §5
// "Cancellation ... returns jobs to pending").
func (q *Queue) Drain(ctx context.Context) error {
	sem := make(chan struct{}, q.cfg.maxConcurrentJobs())
	for {
		if _, err := q.ReclaimExpiredLeases(ctx); err != nil {
			return err
		}
		jobs, err := q.List(ctx)
		if err != nil {
			return err
		}
		var runnable []Job
		done := 0
		for _, j := range jobs {
			switch j.Status {
			case StatusDone:
				done++
			case StatusPending:
				if ok, err := q.eligible(ctx, j); err == nil && ok {
					runnable = append(runnable, j)
				}
			}
		}
		if len(runnable) == 0 {
			allResolved := true
			for _, j := range jobs {
				if j.Status == StatusPending || j.Status == StatusInProgress {
					allResolved = false
					break
				}
			}
			if allResolved {
				return nil
			}
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.Cancelled, "semantic queue drain", ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		var wg sync.WaitGroup
		for _, j := range runnable {
			select {
			case <-ctx.Done():
				wg.Wait()
				return apperr.Wrap(apperr.Cancelled, "semantic queue drain", ctx.Err())
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(job Job) {
				defer wg.Done()
				defer func() { <-sem }()
				_ = q.processOne(ctx, job)
			}(j)
		}
		wg.Wait()
	}
}

func (q *Queue) processOne(ctx context.Context, j Job) error {
	lock := q.lockFor(j.ID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := q.Get(ctx, j.ID)
	if err != nil || cur.Status != StatusPending {
		return nil // already claimed or resolved
	}
	cur.Status = StatusInProgress
	cur.UpdatedAt = time.Now()
	if err := q.save(ctx, cur); err != nil {
		return err
	}

	err = q.process(ctx, cur)
	if err != nil {
		cur.Attempts++
		msg := err.Error()
		cur.LastError = &msg
		cur.UpdatedAt = time.Now()
		if apperr.Is(err, apperr.InvariantViolation) || cur.Attempts >= MaxAttempts {
			cur.Status = StatusFailed
		} else {
			cur.Status = StatusPending
		}
		return q.save(ctx, cur)
	}

	cur.Status = StatusDone
	cur.UpdatedAt = time.Now()
	if err := q.save(ctx, cur); err != nil {
		return err
	}
	if cur.ParentURI != nil {
		if parentJob, ok, perr := q.jobFor(ctx, *cur.ParentURI); perr == nil && ok && parentJob.Status == StatusPending {
			if q.notifier != nil {
				q.notifier.Notify(ctx, *cur.ParentURI)
			}
		}
	}
	return nil
}

// process implements §4.5 steps 1-7 for one directory.
func (q *Queue) process(ctx context.Context, j Job) error {
	entries, err := q.fs.Ls(ctx, j.URI, agfs.LsOpts{})
	if err != nil {
		return apperr.Wrap(apperr.DependencyError, "list "+string(j.URI), err)
	}

	children := make([]childInfo, 0, len(entries))

	llmSem := make(chan struct{}, q.cfg.maxConcurrentLLM())
	var mu sync.Mutex
	var wg sync.WaitGroup
	var firstErr error

	for _, e := range entries {
		e := e
		if e.IsDir {
			abs, aerr := q.fs.Abstract(ctx, e.URI)
			if aerr != nil {
				return apperr.New(apperr.InvariantViolation, "missing abstract for processed child "+string(e.URI))
			}
			mu.Lock()
			children = append(children, childInfo{name: e.URI.Name(), isDir: true, abstract: abs})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		llmSem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-llmSem }()
			abs, ferr := q.fileAbstract(ctx, e.URI)
			mu.Lock()
			defer mu.Unlock()
			if ferr != nil {
				if firstErr == nil {
					firstErr = ferr
				}
				return
			}
			children = append(children, childInfo{name: e.URI.Name(), isDir: false, abstract: abs})
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	sort.Slice(children, func(i, k int) bool { return children[i].name < children[k].name })

	overview := q.buildOverview(j.URI, children)
	abstract := DeriveAbstract(overview)
	if err := q.fs.WriteSemanticArtefacts(ctx, j.URI, overview, abstract); err != nil {
		return apperr.Wrap(apperr.DependencyError, "write semantic artefacts", err)
	}

	if q.embed != nil {
		if err := q.embed.Enqueue(ctx, j.URI, "text", "abstract"); err != nil {
			return err
		}
		if err := q.embed.Enqueue(ctx, j.URI, "text", "overview"); err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir {
				if err := q.embed.Enqueue(ctx, e.URI, "text", "raw"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// fileAbstract resolves a leaf file's abstract, preferring a parser's
// cached sidecar (§4.5 step 2's "without a cached summary" branch,
// satisfying E4's "no LLM call recorded for an AST-skeletoned file").
func (q *Queue) fileAbstract(ctx context.Context, u vkuri.URI) (string, error) {
	parentURI := u.Parent()
	sidecar, err := parentURI.Join(parser.FileAbstractSidecar(u.Name()))
	if err == nil {
		if data, rerr := q.fs.Read(ctx, sidecar); rerr == nil {
			return string(data), nil
		}
	}

	data, err := q.fs.Read(ctx, u)
	if err != nil {
		return "", apperr.Wrap(apperr.DependencyError, "read "+string(u), err)
	}
	if q.summariser == nil {
		return "", apperr.New(apperr.DependencyError, "no summariser configured")
	}
	res, err := fn.Retry(ctx, fn.DefaultRetry, func(ctx context.Context) fn.Result[summariser.Result] {
		r, err := q.summariser.Summarise(ctx, fmt.Sprintf("Summarise %s:\n\n%s", u.Name(), string(data)), nil, summariser.DefaultOptions())
		return fn.FromPair(r, err)
	}).Unwrap()
	if err != nil {
		return "", apperr.Wrap(apperr.DependencyError, "summarise "+string(u), err)
	}
	return res.Text, nil
}

// childInfo is one directory child assembled during §4.5 step 4's context
// gathering, before the overview/abstract are derived.
type childInfo struct {
	name     string
	isDir    bool
	abstract string
}

// buildOverview assembles §4.5 step 5's L1 structured breakdown: every
// child listed with a one-line role derived from its abstract's first
// sentence.
func (q *Queue) buildOverview(dir vkuri.URI, children []childInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Overview of %s\n\n", dir.Name())
	for _, c := range children {
		role := oneLineRole(c.abstract)
		kind := "file"
		if c.isDir {
			kind = "dir"
		}
		fmt.Fprintf(&b, "- **%s** (%s): %s\n", c.name, kind, role)
	}
	return b.String()
}

func oneLineRole(abstract string) string {
	s := strings.TrimSpace(abstract)
	if i := strings.IndexAny(s, ".\n"); i > 0 {
		s = s[:i+1]
	}
	return strings.TrimSpace(s)
}

// DeriveAbstract computes §4.5 step 5's L0 summary deterministically from
// an already-generated L1 overview: the first paragraph, truncated to
// <= 200 words, beginning with a purpose statement.
func DeriveAbstract(overview string) string {
	lines := strings.Split(overview, "\n")
	var para []string
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln)
		if trimmed == "" {
			if len(para) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		para = append(para, trimmed)
	}
	text := strings.Join(para, " ")
	words := strings.Fields(text)
	if len(words) == 0 {
		return "This directory groups related content; no further detail was produced."
	}
	if len(words) > 200 {
		words = words[:200]
	}
	out := strings.Join(words, " ")
	if !strings.HasSuffix(out, ".") {
		out += "."
	}
	return "Purpose: " + out
}
