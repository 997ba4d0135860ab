// Package engine wires the AGFS/VectorDB adapters, the parser registry,
// TreeBuilder, both queues, the retriever, and the session store into one
// process-wide handle (SPEC_FULL.md §9 "Process-wide state"): the only
// legitimate global, threaded explicitly through every call rather than
// hidden behind singletons. Grounded on the teacher's cmd/api/main.go
// run(cfg, logger) wiring function, generalized from an HTTP server
// bootstrap into a constructor returning a reusable *Engine.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	neo4j "github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nats-io/nats.go"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/graphfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/localfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/objectfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/remotefs"
	"github.com/LinQiang391/OpenViking/engine/apperr"
	"github.com/LinQiang391/OpenViking/engine/config"
	"github.com/LinQiang391/OpenViking/engine/embedqueue"
	"github.com/LinQiang391/OpenViking/engine/parser"
	"github.com/LinQiang391/OpenViking/engine/parser/codeparser"
	"github.com/LinQiang391/OpenViking/engine/parser/markdownparser"
	"github.com/LinQiang391/OpenViking/engine/parser/plaintextparser"
	"github.com/LinQiang391/OpenViking/engine/parser/transcriptparser"
	"github.com/LinQiang391/OpenViking/engine/notify"
	"github.com/LinQiang391/OpenViking/engine/parser/urlparser"
	"github.com/LinQiang391/OpenViking/engine/retriever"
	"github.com/LinQiang391/OpenViking/engine/semanticqueue"
	"github.com/LinQiang391/OpenViking/engine/session"
	"github.com/LinQiang391/OpenViking/engine/trace"
	"github.com/LinQiang391/OpenViking/engine/treebuilder"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	"github.com/LinQiang391/OpenViking/engine/vectorstore/localvec"
	"github.com/LinQiang391/OpenViking/engine/vectorstore/qdrantstore"
	"github.com/LinQiang391/OpenViking/pkg/embedder"
	"github.com/LinQiang391/OpenViking/pkg/metrics"
	"github.com/LinQiang391/OpenViking/pkg/resilience"
	"github.com/LinQiang391/OpenViking/pkg/summariser"
)

// Engine is the process-wide handle: every public operation hangs off it.
type Engine struct {
	Config config.Config
	Log    *slog.Logger

	FS         *agfs.FS
	Vector     vectorstore.Store
	Summariser summariser.Summariser
	Embedder   embedder.Embedder
	Parsers    *parser.Registry

	TreeBuilder   *treebuilder.TreeBuilder
	SemanticQueue *semanticqueue.Queue
	EmbedQueue    *embedqueue.Queue
	Retriever     *retriever.Retriever
	Sessions      *session.Store

	// Metrics is the process-wide pkg/metrics.Registry every request's
	// trace.Collector mirrors its counters/gauges into (see NewTrace).
	Metrics *metrics.Registry
}

// New builds an Engine from cfg, dialing every configured backend. It
// never starts a server — callers drive ingestion/search/session calls
// directly, and run the queue workers themselves (see Wait, or call
// SemanticQueue.Drain/EmbedQueue.Drain from a long-lived goroutine).
func New(ctx context.Context, cfg config.Config) (*Engine, error) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	backend, err := buildAGFSBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: build agfs backend: %w", err)
	}
	fs := agfs.New(backend)

	sum := summariser.New(cfg.SummariserURL)
	emb := embedder.NewWithLimiter(cfg.EmbedderURL, cfg.EmbedderModel, resilience.LimiterOpts{
		Rate:  cfg.EmbedderRateLimit,
		Burst: cfg.EmbedderRateBurst,
	})

	vec, err := buildVectorStore(fs, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: build vector store: %w", err)
	}

	registry := buildParserRegistry(sum, cfg)

	var notifier semanticqueue.Notifier
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return nil, fmt.Errorf("engine: connect nats doorbell: %w", err)
		}
		notifier = notify.New(nc)
	}

	embedQueue := embedqueue.New(fs, emb, vec, embedqueue.Config{BatchSize: cfg.EmbeddingBatchSize})
	semQueue := semanticqueue.New(fs, sum, embedQueue, notifier, semanticqueue.Config{
		MaxConcurrentJobs:  cfg.MaxConcurrentSemanticJobs,
		MaxConcurrentLLM:   cfg.MaxConcurrentLLM,
		MaxImagesPerCall:   cfg.MaxImagesPerCall,
		MaxSectionsPerCall: cfg.MaxSectionsPerCall,
		LeaseTimeout:       cfg.SemanticLeaseTimeout,
		ParserConfig:       parser.Config{CodeSummaryMode: cfg.CodeSummaryMode},
	})
	builder := treebuilder.New(fs, semQueue)
	retr := retriever.New(fs, vec, emb)
	sessions := session.New(fs, sum, builder)

	return &Engine{
		Config: cfg, Log: logger,
		FS: fs, Vector: vec, Summariser: sum, Embedder: emb, Parsers: registry,
		TreeBuilder: builder, SemanticQueue: semQueue, EmbedQueue: embedQueue,
		Retriever: retr, Sessions: sessions, Metrics: metrics.New(),
	}, nil
}

// NewTrace creates a per-request trace.Collector bound to this Engine's
// process-wide metrics registry (§4.9), so counters/gauges recorded on
// the returned Collector accumulate there across requests in addition to
// appearing in that request's own Output().
func (e *Engine) NewTrace(eventCap int) *trace.Collector {
	return trace.New(eventCap).WithRegistry(e.Metrics)
}

// WithLogger overrides the default discard logger — cmd/openviking wires
// an info-level slog.NewJSONHandler(os.Stdout, ...) here, matching the teacher's
// cmd/api/main.go logging setup exactly (§9 ambient stack).
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.Log = l
	return e
}

func buildAGFSBackend(ctx context.Context, cfg config.Config) (agfs.Backend, error) {
	switch cfg.AGFSBackend {
	case config.BackendObject:
		return objectfs.New(ctx, objectfs.Config{Bucket: cfg.S3Bucket, KeyPrefix: cfg.S3Prefix})
	case config.BackendRemote:
		return remotefs.New(cfg.RemoteFSURL), nil
	case config.BackendGraph:
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return nil, err
		}
		return graphfs.New(driver), nil
	default:
		return localfs.New(cfg.WorkspaceRoot + "/agfs")
	}
}

func buildVectorStore(fs *agfs.FS, cfg config.Config) (vectorstore.Store, error) {
	switch cfg.VectorBackend {
	case config.BackendRemote:
		return qdrantstore.New(cfg.QdrantURL, cfg.QdrantCollection)
	default:
		snapshot, _ := vkuri.SystemRoot.Join("vectors.json")
		return localvec.New(fs, snapshot), nil
	}
}

func buildParserRegistry(sum summariser.Summariser, cfg config.Config) *parser.Registry {
	r := parser.NewRegistry(
		codeparser.New(sum),
		markdownparser.New(),
		plaintextparser.New(),
	)
	r.Register(urlparser.New(r, 1, 5))
	return r
}

// --- Filesystem (§6) ---

func (e *Engine) Ls(ctx context.Context, uri string, opts agfs.LsOpts) ([]agfs.NodeInfo, error) {
	u, err := vkuri.Parse(uri)
	if err != nil {
		return nil, err
	}
	return e.FS.Ls(ctx, u, opts)
}

func (e *Engine) Tree(ctx context.Context, uri string, depth, nodeLimit int) (agfs.NodeInfo, error) {
	u, err := vkuri.Parse(uri)
	if err != nil {
		return agfs.NodeInfo{}, err
	}
	return e.FS.Tree(ctx, u, depth, nodeLimit)
}

func (e *Engine) Stat(ctx context.Context, uri string) (agfs.Stat, error) {
	u, err := vkuri.Parse(uri)
	if err != nil {
		return agfs.Stat{}, err
	}
	return e.FS.Stat(ctx, u)
}

func (e *Engine) Read(ctx context.Context, uri string, offset, limit int) ([]byte, error) {
	u, err := vkuri.Parse(uri)
	if err != nil {
		return nil, err
	}
	data, err := e.FS.Read(ctx, u)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > len(data) {
		offset = 0
	}
	data = data[offset:]
	if limit > 0 && limit < len(data) {
		data = data[:limit]
	}
	return data, nil
}

func (e *Engine) Write(ctx context.Context, uri string, data []byte) error {
	u, err := vkuri.Parse(uri)
	if err != nil {
		return err
	}
	return e.FS.Write(ctx, u, data, agfs.WriteOpts{})
}

func (e *Engine) Delete(ctx context.Context, uri string, recursive bool) error {
	u, err := vkuri.Parse(uri)
	if err != nil {
		return err
	}
	if err := e.FS.Delete(ctx, u, agfs.DeleteOpts{Recursive: recursive}); err != nil {
		return err
	}
	if e.Vector != nil {
		_, _ = e.Vector.Delete(ctx, u)
	}
	return nil
}

func (e *Engine) Abstract(ctx context.Context, uri string) (string, error) {
	u, err := vkuri.Parse(uri)
	if err != nil {
		return "", err
	}
	return e.FS.Abstract(ctx, u)
}

func (e *Engine) Overview(ctx context.Context, uri string) (string, error) {
	u, err := vkuri.Parse(uri)
	if err != nil {
		return "", err
	}
	return e.FS.Overview(ctx, u)
}

// --- Ingest (§6) ---

// AddResourceOpts controls add_resource's optional wait-for-drain
// behaviour (§6).
type AddResourceOpts struct {
	Reason string
	Wait   bool
	Trace  *trace.Collector
}

// AddResource ingests name/data through the parser registry and promotes
// the result into viking://resources (§4.3, §4.4).
func (e *Engine) AddResource(ctx context.Context, name string, data []byte, opts AddResourceOpts) (vkuri.URI, error) {
	result, err := e.Parsers.Parse(ctx, parser.Input{
		Name: name, Data: data, FS: e.FS,
		Config: parser.Config{CodeSummaryMode: e.Config.CodeSummaryMode},
	}).Unwrap()
	if err != nil {
		return "", err
	}
	target, err := e.TreeBuilder.Promote(ctx, result.TempDirURI, treebuilder.ScopeResources)
	if err != nil {
		return "", err
	}
	if opts.Wait {
		if err := e.drainAll(ctx); err != nil {
			return target, err
		}
	}
	return target, nil
}

// AddSkill ingests a named skill document into viking://agent/skills.
func (e *Engine) AddSkill(ctx context.Context, name, content string) (vkuri.URI, error) {
	result, err := e.Parsers.Parse(ctx, parser.Input{
		Name: name + ".md", Data: []byte(content), FS: e.FS,
		Config: parser.Config{CodeSummaryMode: e.Config.CodeSummaryMode},
	}).Unwrap()
	if err != nil {
		return "", err
	}
	return e.TreeBuilder.Promote(ctx, result.TempDirURI, treebuilder.ScopeAgent)
}

// AddTranscript ingests a transcribed conversation via transcriptparser.
func (e *Engine) AddTranscript(ctx context.Context, t transcriptparser.Transcript, scope treebuilder.Scope) (vkuri.URI, error) {
	in := parser.Input{Name: t.Title, FS: e.FS, Config: parser.Config{CodeSummaryMode: e.Config.CodeSummaryMode}}
	result, err := transcriptparser.New().ParseTranscript(ctx, in, t).Unwrap()
	if err != nil {
		return "", err
	}
	return e.TreeBuilder.Promote(ctx, result.TempDirURI, scope)
}

// Remove deletes a subtree and its vectors (§6 "remove").
func (e *Engine) Remove(ctx context.Context, uri string, recursive bool) error {
	return e.Delete(ctx, uri, recursive)
}

func (e *Engine) drainAll(ctx context.Context) error {
	if err := e.SemanticQueue.Drain(ctx); err != nil {
		return err
	}
	return e.EmbedQueue.Drain(ctx)
}

// --- Search (§6) ---

// FindOpts controls find().
type FindOpts struct {
	TargetURI      string
	Limit          int
	ScoreThreshold *float32
	Trace          *trace.Collector
}

// Find answers a natural-language query via the HierarchicalRetriever
// (§4.7). Synchronous failures propagate immediately as DEPENDENCY_ERROR
// (§7 "a stale index would mislead").
func (e *Engine) Find(ctx context.Context, query string, opts FindOpts) ([]retriever.Hit, error) {
	var target vkuri.URI
	if opts.TargetURI != "" {
		u, err := vkuri.Parse(opts.TargetURI)
		if err != nil {
			return nil, err
		}
		target = u
	}
	hits, err := e.Retriever.Find(ctx, query, retriever.Options{TargetURI: target, Limit: opts.Limit, ScoreThreshold: opts.ScoreThreshold})
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyError, "find", err)
	}
	if opts.Trace != nil {
		opts.Trace.AddVectorSearchCalls(1)
		opts.Trace.AddVectorReturned(int64(len(hits)))
	}
	return hits, nil
}

// Grep streams a substring/regex match over leaf contents under target
// (§6 "not indexed, streamed").
func (e *Engine) Grep(ctx context.Context, pattern, target string) ([]vkuri.URI, error) {
	u, err := vkuri.Parse(target)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgument, "compile grep pattern", err)
	}
	entries, err := e.FS.Ls(ctx, u, agfs.LsOpts{Recursive: true})
	if err != nil {
		return nil, err
	}
	var matches []vkuri.URI
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		data, err := e.FS.Read(ctx, entry.URI)
		if err != nil {
			continue
		}
		if re.Match(data) {
			matches = append(matches, entry.URI)
		}
	}
	return matches, nil
}

// Glob enumerates descendants of target whose name matches a shell-style
// pattern (§6 "path-pattern enumeration; target_uri required").
func (e *Engine) Glob(ctx context.Context, pattern, target string) ([]vkuri.URI, error) {
	if target == "" {
		return nil, apperr.New(apperr.InvalidArgument, "glob requires target_uri")
	}
	u, err := vkuri.Parse(target)
	if err != nil {
		return nil, err
	}
	entries, err := e.FS.Ls(ctx, u, agfs.LsOpts{Recursive: true, IncludeHidden: true})
	if err != nil {
		return nil, err
	}
	var matches []vkuri.URI
	for _, entry := range entries {
		rel := strings.TrimPrefix(string(entry.URI), string(u)+"/")
		ok, err := matchGlob(pattern, rel)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidArgument, "compile glob pattern", err)
		}
		if ok {
			matches = append(matches, entry.URI)
		}
	}
	return matches, nil
}

func matchGlob(pattern, name string) (bool, error) {
	if ok, err := path.Match(pattern, name); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	base := name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		base = name[i+1:]
	}
	return path.Match(pattern, base)
}

// --- System (§6) ---

// Health reports process liveness unconditionally.
func (e *Engine) Health() string { return "ok" }

// Ready verifies AGFS, VectorDB, and summariser reachability.
func (e *Engine) Ready(ctx context.Context) map[string]string {
	checks := make(map[string]string, 3)
	if _, err := e.FS.Stat(ctx, vkuri.SystemRoot); err != nil && !apperr.Is(err, apperr.NotFound) {
		checks["agfs"] = "error: " + err.Error()
	} else {
		checks["agfs"] = "ok"
	}
	if _, err := e.Vector.Count(ctx, ""); err != nil {
		checks["vectordb"] = "error: " + err.Error()
	} else {
		checks["vectordb"] = "ok"
	}
	if _, err := e.Summariser.Summarise(ctx, "ping", nil, summariser.Options{Timeout: 5 * time.Second}); err != nil {
		checks["summariser"] = "error: " + err.Error()
	} else {
		checks["summariser"] = "ok"
	}
	return checks
}

// WaitResult is returned by Wait.
type WaitResult struct {
	Pending    int
	InProgress int
	Processed  int
	Errors     int
}

// Wait blocks until both queues drain or timeout elapses (§6).
func (e *Engine) Wait(ctx context.Context, timeout time.Duration) (WaitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := e.drainAll(ctx)

	jobs, _ := e.SemanticQueue.List(context.Background())
	var res WaitResult
	for _, j := range jobs {
		switch j.Status {
		case semanticqueue.StatusPending:
			res.Pending++
		case semanticqueue.StatusInProgress:
			res.InProgress++
		case semanticqueue.StatusDone:
			res.Processed++
		case semanticqueue.StatusFailed:
			res.Errors++
		}
	}
	if err != nil {
		return res, apperr.Wrap(apperr.Timeout, "wait", err)
	}
	return res, nil
}
