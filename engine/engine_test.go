package engine_test

import (
	"context"
	"testing"

	"github.com/LinQiang391/OpenViking/engine"
	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/localfs"
	"github.com/LinQiang391/OpenViking/engine/config"
	"github.com/LinQiang391/OpenViking/engine/embedqueue"
	"github.com/LinQiang391/OpenViking/engine/parser"
	"github.com/LinQiang391/OpenViking/engine/parser/codeparser"
	"github.com/LinQiang391/OpenViking/engine/parser/markdownparser"
	"github.com/LinQiang391/OpenViking/engine/parser/plaintextparser"
	"github.com/LinQiang391/OpenViking/engine/retriever"
	"github.com/LinQiang391/OpenViking/engine/semanticqueue"
	"github.com/LinQiang391/OpenViking/engine/session"
	"github.com/LinQiang391/OpenViking/engine/treebuilder"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	"github.com/LinQiang391/OpenViking/engine/vectorstore/localvec"
	"github.com/LinQiang391/OpenViking/pkg/summariser"
)

type fakeSummariser struct{}

func (fakeSummariser) Summarise(ctx context.Context, prompt string, images []summariser.Image, opts summariser.Options) (summariser.Result, error) {
	return summariser.Result{Text: "a concise generated summary."}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string, modality vectorstore.Modality) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	b, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	fs := agfs.New(b)
	sum := fakeSummariser{}
	emb := fakeEmbedder{}
	vec := localvec.New(fs, vkuri.MustParse("viking://.system/vectors.json"))

	registry := parser.NewRegistry(codeparser.New(sum), markdownparser.New(), plaintextparser.New())

	embedQueue := embedqueue.New(fs, emb, vec, embedqueue.Config{})
	semQueue := semanticqueue.New(fs, sum, embedQueue, nil, semanticqueue.Config{})
	builder := treebuilder.New(fs, semQueue)
	retr := retriever.New(fs, vec, emb)
	sessions := session.New(fs, sum, builder)

	return &engine.Engine{
		Config: config.Config{}, FS: fs, Vector: vec, Summariser: sum, Embedder: emb, Parsers: registry,
		TreeBuilder: builder, SemanticQueue: semQueue, EmbedQueue: embedQueue, Retriever: retr, Sessions: sessions,
	}
}

func TestAddResourceWaitThenFindRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	target, err := e.AddResource(ctx, "notes.md", []byte("# Notes\n\nImportant project notes."), engine.AddResourceOpts{Wait: true})
	if err != nil {
		t.Fatalf("AddResource: %v", err)
	}
	if target == "" {
		t.Fatal("expected a non-empty promoted URI")
	}

	if _, err := e.Abstract(ctx, string(target)); err != nil {
		t.Errorf("expected Abstract to be available after Wait, got %v", err)
	}

	hits, err := e.Find(ctx, "project notes", engine.FindOpts{Limit: 5})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(hits) == 0 {
		t.Error("expected at least one hit for the ingested resource")
	}
}

func TestGrepMatchesLeafContent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if err := e.Write(ctx, "viking://resources/doc/A.txt", []byte("hello TODO world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	matches, err := e.Grep(ctx, "TODO", "viking://resources/doc")
	if err != nil {
		t.Fatalf("Grep: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("expected 1 match, got %d: %v", len(matches), matches)
	}
}

func TestGlobRequiresTargetURI(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	if _, err := e.Glob(ctx, "*.md", ""); err == nil {
		t.Error("expected Glob to reject an empty target_uri")
	}
}

func TestDeleteCascadesToVectorStore(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	target, err := e.AddResource(ctx, "notes.md", []byte("# Notes\n\nSome content here."), engine.AddResourceOpts{Wait: true})
	if err != nil {
		t.Fatalf("AddResource: %v", err)
	}

	before, _ := e.Vector.Count(ctx, target)
	if before == 0 {
		t.Fatal("expected vectors to exist before delete")
	}
	if err := e.Delete(ctx, string(target), true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	after, _ := e.Vector.Count(ctx, target)
	if after != 0 {
		t.Errorf("expected vectors removed after delete, got %d", after)
	}
}
