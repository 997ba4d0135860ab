package retriever_test

import (
	"context"
	"testing"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/localfs"
	"github.com/LinQiang391/OpenViking/engine/retriever"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	"github.com/LinQiang391/OpenViking/engine/vectorstore/localvec"
)

type fakeEmbedder struct{ vec []float32 }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string, modality vectorstore.Modality) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func newFS(t *testing.T) *agfs.FS {
	t.Helper()
	b, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return agfs.New(b)
}

func TestFindFiltersByThresholdAndRanks(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	store := localvec.New(nil, "")
	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	r := retriever.New(fs, store, emb)

	high := vkuri.MustParse("viking://resources/docA")
	low := vkuri.MustParse("viking://resources/docB")
	if err := fs.WriteSemanticArtefacts(ctx, high, "overview A", "abstract A"); err != nil {
		t.Fatalf("artefacts A: %v", err)
	}
	if err := fs.WriteSemanticArtefacts(ctx, low, "overview B", "abstract B"); err != nil {
		t.Fatalf("artefacts B: %v", err)
	}
	if err := store.Upsert(ctx, []vectorstore.Record{
		{URI: high, Source: vectorstore.SourceAbstract, Modality: vectorstore.ModalityText, Vector: []float32{1, 0, 0}},
		{URI: low, Source: vectorstore.SourceAbstract, Modality: vectorstore.ModalityText, Vector: []float32{0, 1, 0}},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	threshold := float32(0.5)
	hits, err := r.Find(ctx, "query", retriever.Options{Limit: 10, ScoreThreshold: &threshold})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(hits) != 1 || hits[0].URI != high {
		t.Fatalf("expected only docA above threshold, got %+v", hits)
	}
}

func TestFindTruncatesToLimit(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	store := localvec.New(nil, "")
	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	r := retriever.New(fs, store, emb)

	for i := 0; i < 5; i++ {
		u := vkuri.MustParse("viking://resources/doc" + string(rune('A'+i)))
		if err := fs.WriteSemanticArtefacts(ctx, u, "overview", "abstract"); err != nil {
			t.Fatalf("artefacts: %v", err)
		}
		if err := store.Upsert(ctx, []vectorstore.Record{
			{URI: u, Source: vectorstore.SourceAbstract, Modality: vectorstore.ModalityText, Vector: []float32{1, 0, 0}},
		}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	zero := float32(0)
	hits, err := r.Find(ctx, "query", retriever.Options{Limit: 2, ScoreThreshold: &zero})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected truncation to 2 hits, got %d", len(hits))
	}
}

func TestFindDedupesIdenticalMemoryAbstractsExceptEventsAndCases(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	store := localvec.New(nil, "")
	emb := &fakeEmbedder{vec: []float32{1, 0, 0}}
	r := retriever.New(fs, store, emb)

	factA := vkuri.MustParse("viking://user/memories/doc/facts/one")
	factB := vkuri.MustParse("viking://user/memories/doc/facts/two")
	eventA := vkuri.MustParse("viking://user/memories/doc/events/one")
	eventB := vkuri.MustParse("viking://user/memories/doc/events/two")

	for _, u := range []vkuri.URI{factA, factB, eventA, eventB} {
		if err := fs.WriteSemanticArtefacts(ctx, u, "overview", "  Same Fact.  "); err != nil {
			t.Fatalf("artefacts %s: %v", u, err)
		}
	}
	if err := store.Upsert(ctx, []vectorstore.Record{
		{URI: factA, Source: vectorstore.SourceAbstract, Modality: vectorstore.ModalityText, Vector: []float32{1, 0, 0}},
		{URI: factB, Source: vectorstore.SourceAbstract, Modality: vectorstore.ModalityText, Vector: []float32{1, 0, 0}},
		{URI: eventA, Source: vectorstore.SourceAbstract, Modality: vectorstore.ModalityText, Vector: []float32{1, 0, 0}},
		{URI: eventB, Source: vectorstore.SourceAbstract, Modality: vectorstore.ModalityText, Vector: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	zero := float32(0)
	hits, err := r.Find(ctx, "query", retriever.Options{Limit: 10, ScoreThreshold: &zero})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	facts, events := 0, 0
	for _, h := range hits {
		switch h.Category {
		case "facts":
			facts++
		case "events":
			events++
		}
	}
	if facts != 1 {
		t.Errorf("expected facts to dedupe to 1 hit, got %d", facts)
	}
	if events != 2 {
		t.Errorf("expected events to NOT dedupe, got %d", events)
	}
}
