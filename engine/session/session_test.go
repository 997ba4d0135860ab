package session_test

import (
	"context"
	"testing"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/localfs"
	"github.com/LinQiang391/OpenViking/engine/semanticqueue"
	"github.com/LinQiang391/OpenViking/engine/session"
	"github.com/LinQiang391/OpenViking/engine/treebuilder"
	"github.com/LinQiang391/OpenViking/pkg/summariser"
)

type fakeSummariser struct {
	text  string
	calls int
}

func (f *fakeSummariser) Summarise(ctx context.Context, prompt string, images []summariser.Image, opts summariser.Options) (summariser.Result, error) {
	f.calls++
	return summariser.Result{Text: f.text}, nil
}

func newStore(t *testing.T, sum summariser.Summariser) (*agfs.FS, *session.Store) {
	t.Helper()
	b, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	fs := agfs.New(b)
	queue := semanticqueue.New(fs, nil, nil, nil, semanticqueue.Config{})
	builder := treebuilder.New(fs, queue)
	return fs, session.New(fs, sum, builder)
}

func TestAppendRejectsNonOpenSession(t *testing.T) {
	ctx := context.Background()
	_, store := newStore(t, &fakeSummariser{text: "[]"})

	id, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Append(ctx, id, session.RoleUser, "hello"); err == nil {
		t.Error("expected Append on a deleted session to fail")
	}
}

func TestCommitDistilsCandidatesIntoMemoryTree(t *testing.T) {
	ctx := context.Background()
	sum := &fakeSummariser{text: `[{"category":"facts","text":"likes dark roast coffee"}]`}
	_, store := newStore(t, sum)

	id, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Append(ctx, id, session.RoleUser, "I like dark roast coffee."); err != nil {
		t.Fatalf("Append: %v", err)
	}

	result, err := store.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Extracted != 1 {
		t.Fatalf("expected 1 extracted candidate, got %d", result.Extracted)
	}
	if result.TargetURI == "" {
		t.Error("expected a non-empty target URI for the promoted memory tree")
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sum := &fakeSummariser{text: `[{"category":"facts","text":"likes dark roast coffee"}]`}
	_, store := newStore(t, sum)

	id, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Append(ctx, id, session.RoleUser, "I like dark roast coffee."); err != nil {
		t.Fatalf("Append: %v", err)
	}

	first, err := store.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit 1: %v", err)
	}
	second, err := store.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit 2: %v", err)
	}
	if first != second {
		t.Errorf("expected idempotent commit result, got %+v then %+v", first, second)
	}
	if sum.calls != 1 {
		t.Errorf("expected only 1 distillation call across both commits, got %d", sum.calls)
	}
}

func TestCommitWithNoDurableContentExtractsZero(t *testing.T) {
	ctx := context.Background()
	sum := &fakeSummariser{text: "not json"}
	_, store := newStore(t, sum)

	id, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Append(ctx, id, session.RoleUser, "just chatting"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	result, err := store.Commit(ctx, id)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if result.Extracted != 0 {
		t.Errorf("expected 0 extracted for unparseable distillation output, got %d", result.Extracted)
	}
}
