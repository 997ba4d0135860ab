package embedqueue_test

import (
	"context"
	"testing"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/localfs"
	"github.com/LinQiang391/OpenViking/engine/embedqueue"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/engine/vectorstore"
)

type fakeEmbedder struct {
	calls   int
	batches []int
	zeroFor int // index within the first batch to return a zero-length vector for
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string, modality vectorstore.Modality) ([][]float32, error) {
	f.calls++
	f.batches = append(f.batches, len(texts))
	out := make([][]float32, len(texts))
	for i := range texts {
		if f.calls == 1 && i == f.zeroFor {
			out[i] = nil
			continue
		}
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

type fakeStore struct{ upserted []vectorstore.Record }

func (f *fakeStore) Upsert(ctx context.Context, records []vectorstore.Record) error {
	f.upserted = append(f.upserted, records...)
	return nil
}
func (f *fakeStore) Search(ctx context.Context, query []float32, opts vectorstore.SearchOpts) ([]vectorstore.Result, error) {
	return nil, nil
}
func (f *fakeStore) Delete(ctx context.Context, prefix vkuri.URI) (int, error) { return 0, nil }
func (f *fakeStore) Count(ctx context.Context, prefix vkuri.URI) (int, error)  { return 0, nil }

func newFS(t *testing.T) *agfs.FS {
	t.Helper()
	b, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return agfs.New(b)
}

func TestDrainBatchesSameModalityAndUpserts(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	emb := &fakeEmbedder{zeroFor: -1}
	store := &fakeStore{}
	q := embedqueue.New(fs, emb, store, embedqueue.Config{BatchSize: 2})

	for i := 0; i < 3; i++ {
		u := vkuri.MustParse("viking://resources/doc")
		fileURI, _ := u.Join("A.md")
		if i == 0 {
			if err := fs.Write(ctx, fileURI, []byte("content"), agfs.WriteOpts{}); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		if err := q.Enqueue(ctx, fileURI, string(vectorstore.ModalityText), string(vectorstore.SourceRaw)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if emb.calls != 2 {
		t.Errorf("expected 2 embed() calls for 3 jobs at batch size 2, got %d", emb.calls)
	}
	if len(store.upserted) != 3 {
		t.Errorf("expected 3 upserted records, got %d", len(store.upserted))
	}

	jobs, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, j := range jobs {
		if j.Status != embedqueue.StatusDone {
			t.Errorf("job %s not done: %+v", j.ID, j)
		}
	}
}

func TestRunBatchRejectsZeroLengthVector(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	emb := &fakeEmbedder{zeroFor: 0}
	store := &fakeStore{}
	q := embedqueue.New(fs, emb, store, embedqueue.Config{BatchSize: 10})

	u := vkuri.MustParse("viking://resources/doc")
	fileURI, _ := u.Join("A.md")
	if err := fs.Write(ctx, fileURI, []byte("content"), agfs.WriteOpts{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := q.Enqueue(ctx, fileURI, string(vectorstore.ModalityText), string(vectorstore.SourceRaw)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The embedder rejects the vector on its first call (simulating a
	// zero-length response); Drain's next round re-submits the job and it
	// succeeds, leaving one retry attempt recorded.
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	jobs, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != embedqueue.StatusDone || jobs[0].Attempts != 1 {
		t.Errorf("expected job to recover on retry with Attempts=1, got %+v", jobs)
	}
	if len(store.upserted) != 1 {
		t.Errorf("expected 1 upserted record after recovery, got %d", len(store.upserted))
	}
}
