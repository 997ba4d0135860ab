package localfs

import (
	"context"
	"testing"

	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

func TestWriteReadStat(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u := vkuri.MustParse("viking://resources/doc/A.md")

	if err := b.Write(ctx, u, []byte("hello"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := b.Read(ctx, u)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q, want hello", got)
	}

	st, err := b.Stat(ctx, u)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !st.Exists || st.IsDir {
		t.Errorf("Stat = %+v, want file exists", st)
	}
}

func TestWriteCreateOnlyRejectsExisting(t *testing.T) {
	ctx := context.Background()
	b, _ := New(t.TempDir())
	u := vkuri.MustParse("viking://resources/doc/A.md")
	if err := b.Write(ctx, u, []byte("1"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Write(ctx, u, []byte("2"), true); err == nil {
		t.Error("expected error on create-only of existing file")
	}
}

func TestMoveAcrossDirectories(t *testing.T) {
	ctx := context.Background()
	b, _ := New(t.TempDir())
	src := vkuri.MustParse("viking://temp/abc/doc")
	dst := vkuri.MustParse("viking://resources/doc")

	f := vkuri.MustParse("viking://temp/abc/doc/A.md")
	if err := b.Write(ctx, f, []byte("x"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Move(ctx, src, dst); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if st, _ := b.Stat(ctx, src); st.Exists {
		t.Error("source still exists after move")
	}
	moved := vkuri.MustParse("viking://resources/doc/A.md")
	got, err := b.Read(ctx, moved)
	if err != nil || string(got) != "x" {
		t.Errorf("Read moved file: %q, %v", got, err)
	}
}

func TestRemoveAll(t *testing.T) {
	ctx := context.Background()
	b, _ := New(t.TempDir())
	u := vkuri.MustParse("viking://resources/doc/A.md")
	_ = b.Write(ctx, u, []byte("x"), false)
	dir := vkuri.MustParse("viking://resources/doc")
	if err := b.RemoveAll(ctx, dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if st, _ := b.Stat(ctx, dir); st.Exists {
		t.Error("directory still exists after RemoveAll")
	}
}
