package semanticqueue_test

import (
	"context"
	"testing"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/localfs"
	"github.com/LinQiang391/OpenViking/engine/semanticqueue"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/summariser"
)

type fakeSummariser struct{ calls int }

func (f *fakeSummariser) Summarise(ctx context.Context, prompt string, images []summariser.Image, opts summariser.Options) (summariser.Result, error) {
	f.calls++
	return summariser.Result{Text: "a generated summary."}, nil
}

type fakeEnqueuer struct{ calls []string }

func (f *fakeEnqueuer) Enqueue(ctx context.Context, u vkuri.URI, modality, source string) error {
	f.calls = append(f.calls, string(u)+"#"+source)
	return nil
}

func newFS(t *testing.T) *agfs.FS {
	t.Helper()
	b, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return agfs.New(b)
}

func TestDrainWritesArtefactsAndEnqueuesEmbeddings(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	dir := vkuri.MustParse("viking://resources/doc")
	fileURI, _ := dir.Join("A.md")
	if err := fs.Write(ctx, fileURI, []byte("hello world"), agfs.WriteOpts{}); err != nil {
		t.Fatalf("write: %v", err)
	}

	sum := &fakeSummariser{}
	enq := &fakeEnqueuer{}
	q := semanticqueue.New(fs, sum, enq, nil, semanticqueue.Config{})
	if _, err := q.Enqueue(ctx, dir, semanticqueue.KindResource, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	jobs, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != semanticqueue.StatusDone {
		t.Fatalf("expected one done job, got %+v", jobs)
	}
	if sum.calls != 1 {
		t.Errorf("expected 1 summariser call for the single file child, got %d", sum.calls)
	}

	if _, err := fs.Abstract(ctx, dir); err != nil {
		t.Errorf("Abstract: %v", err)
	}
	if _, err := fs.Overview(ctx, dir); err != nil {
		t.Errorf("Overview: %v", err)
	}

	wantEnqueued := map[string]bool{
		string(dir) + "#abstract":       true,
		string(dir) + "#overview":       true,
		string(fileURI) + "#raw":        true,
	}
	if len(enq.calls) != len(wantEnqueued) {
		t.Errorf("embedding enqueue calls = %v, want keys %v", enq.calls, wantEnqueued)
	}
	for _, c := range enq.calls {
		if !wantEnqueued[c] {
			t.Errorf("unexpected embedding enqueue call %q", c)
		}
	}
}

func TestDrainRespectsBottomUpOrdering(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	parent := vkuri.MustParse("viking://resources/doc")
	child, _ := parent.Join("section")
	leaf, _ := child.Join("A.md")
	if err := fs.Write(ctx, leaf, []byte("leaf content"), agfs.WriteOpts{}); err != nil {
		t.Fatalf("write: %v", err)
	}

	sum := &fakeSummariser{}
	q := semanticqueue.New(fs, sum, &fakeEnqueuer{}, nil, semanticqueue.Config{})
	// Enqueue parent first to ensure the worker does not process it before
	// its child directory job exists and completes.
	if _, err := q.Enqueue(ctx, parent, semanticqueue.KindResource, nil); err != nil {
		t.Fatalf("Enqueue parent: %v", err)
	}
	if _, err := q.Enqueue(ctx, child, semanticqueue.KindResource, &parent); err != nil {
		t.Fatalf("Enqueue child: %v", err)
	}

	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	jobs, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, j := range jobs {
		if j.Status != semanticqueue.StatusDone {
			t.Errorf("job for %s did not complete: %+v", j.URI, j)
		}
	}
	if _, err := fs.Abstract(ctx, child); err != nil {
		t.Errorf("child Abstract: %v", err)
	}
	if _, err := fs.Abstract(ctx, parent); err != nil {
		t.Errorf("parent Abstract: %v", err)
	}
}

func TestRequeueOnlyAcceptsFailedJobs(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	dir := vkuri.MustParse("viking://resources/doc")
	q := semanticqueue.New(fs, &fakeSummariser{}, &fakeEnqueuer{}, nil, semanticqueue.Config{})
	job, err := q.Enqueue(ctx, dir, semanticqueue.KindResource, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Requeue(ctx, job.ID); err == nil {
		t.Error("expected Requeue to reject a pending (non-failed) job")
	}
}

func TestDeriveAbstractPrefixesPurposeAndTruncates(t *testing.T) {
	overview := "# Overview of doc\n\n- **A.md** (file): does one thing.\n"
	abstract := semanticqueue.DeriveAbstract(overview)
	if abstract == "" {
		t.Fatal("expected non-empty abstract")
	}
	if abstract[:len("Purpose: ")] != "Purpose: " {
		t.Errorf("abstract = %q, want Purpose: prefix", abstract)
	}
}
