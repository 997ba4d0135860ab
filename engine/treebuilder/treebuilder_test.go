package treebuilder_test

import (
	"context"
	"testing"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/localfs"
	"github.com/LinQiang391/OpenViking/engine/semanticqueue"
	"github.com/LinQiang391/OpenViking/engine/treebuilder"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/google/uuid"
)

func newFS(t *testing.T) *agfs.FS {
	t.Helper()
	b, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return agfs.New(b)
}

func writeScratchDoc(t *testing.T, ctx context.Context, fs *agfs.FS, docName string) vkuri.URI {
	t.Helper()
	tempRoot := vkuri.NewTempRoot(uuid.NewString())
	docRoot, err := tempRoot.Join(docName)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := fs.Mkdir(ctx, tempRoot); err != nil {
		t.Fatalf("mkdir temp root: %v", err)
	}
	if err := fs.Mkdir(ctx, docRoot); err != nil {
		t.Fatalf("mkdir doc root: %v", err)
	}
	fileURI, err := docRoot.Join("A.md")
	if err != nil {
		t.Fatalf("join file: %v", err)
	}
	if err := fs.Write(ctx, fileURI, []byte("hello"), agfs.WriteOpts{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	return tempRoot
}

func TestPromoteMovesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	queue := semanticqueue.New(fs, nil, nil, nil, semanticqueue.Config{})
	tb := treebuilder.New(fs, queue)

	tempRoot := writeScratchDoc(t, ctx, fs, "manual")

	target, err := tb.Promote(ctx, tempRoot, treebuilder.ScopeResources)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	wantTarget, _ := vkuri.ResourcesRoot.Join("manual")
	if target != wantTarget {
		t.Errorf("target = %s, want %s", target, wantTarget)
	}

	if st, err := fs.Stat(ctx, tempRoot); err != nil || st.Exists {
		t.Errorf("scratch root should be deleted, stat err=%v exists=%v", err, st.Exists)
	}

	jobs, err := queue.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].URI != target || jobs[0].Kind != semanticqueue.KindResource {
		t.Errorf("expected one resource job for %s, got %+v", target, jobs)
	}
}

func TestPromoteUniqueSuffixOnCollision(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	queue := semanticqueue.New(fs, nil, nil, nil, semanticqueue.Config{})
	tb := treebuilder.New(fs, queue)

	first, err := tb.Promote(ctx, writeScratchDoc(t, ctx, fs, "manual"), treebuilder.ScopeResources)
	if err != nil {
		t.Fatalf("Promote 1: %v", err)
	}
	second, err := tb.Promote(ctx, writeScratchDoc(t, ctx, fs, "manual"), treebuilder.ScopeResources)
	if err != nil {
		t.Fatalf("Promote 2: %v", err)
	}
	if first == second {
		t.Errorf("expected distinct target URIs, got %s twice", first)
	}
}

func TestPromoteRejectsMultipleTopLevelDirs(t *testing.T) {
	ctx := context.Background()
	fs := newFS(t)
	queue := semanticqueue.New(fs, nil, nil, nil, semanticqueue.Config{})
	tb := treebuilder.New(fs, queue)

	tempRoot := vkuri.NewTempRoot(uuid.NewString())
	if err := fs.Mkdir(ctx, tempRoot); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		docRoot, _ := tempRoot.Join(name)
		if err := fs.Mkdir(ctx, docRoot); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}

	if _, err := tb.Promote(ctx, tempRoot, treebuilder.ScopeResources); err == nil {
		t.Error("expected INVARIANT_VIOLATION for multiple top-level dirs")
	}
}
