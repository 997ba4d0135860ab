package parser

import (
	"context"
	"strings"
	"testing"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/agfs/localfs"
	"github.com/LinQiang391/OpenViking/engine/apperr"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/fn"
)

func newFS(t *testing.T) *agfs.FS {
	t.Helper()
	backend, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New: %v", err)
	}
	return agfs.New(backend)
}

type neverParser struct{}

func (neverParser) Name() string                                  { return "never" }
func (neverParser) CanHandle(name, mime string, sniff []byte) bool { return false }
func (neverParser) Parse(ctx context.Context, in Input) fn.Result[ParseResult] {
	return fn.Errf[ParseResult]("should not be called")
}

func TestRegistryUnsupportedFormat(t *testing.T) {
	r := NewRegistry(neverParser{})
	result := r.Parse(context.Background(), Input{Name: "x.bin"})
	_, err := result.Unwrap()
	if !apperr.Is(err, apperr.UnsupportedFormat) {
		t.Fatalf("expected UNSUPPORTED_FORMAT, got %v", err)
	}
}

func TestApproxTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{strings.Repeat("a", 4096), 1024},
	}
	for _, c := range cases {
		if got := ApproxTokens(c.in); got != c.want {
			t.Errorf("ApproxTokens(%q) = %d, want %d", truncated(c.in), got, c.want)
		}
	}
}

func truncated(s string) string {
	if len(s) > 20 {
		return s[:20] + "..."
	}
	return s
}

func TestBuildNodeUnderBudgetIsSingleFile(t *testing.T) {
	n := BuildNode("short text", "doc", 0, DefaultConfig())
	if n.IsDir {
		t.Fatalf("expected a leaf file for under-budget text")
	}
}

func TestBuildNodeSplitsAtHeaders(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString("# Section\n")
		b.WriteString(strings.Repeat("word ", 2000))
		b.WriteString("\n")
	}
	n := BuildNode(b.String(), "doc", 0, DefaultConfig())
	if !n.IsDir {
		t.Fatalf("expected a directory for over-budget multi-header text")
	}
	if len(n.Children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(n.Children))
	}
}

func TestBuildNodeMergesSmallSections(t *testing.T) {
	text := "# A\nshort one\n# B\nshort two\n# C\n" + strings.Repeat("word ", 2000)
	n := BuildNode(text, "doc", 0, DefaultConfig())
	if !n.IsDir {
		t.Fatalf("expected directory")
	}
	if len(n.Children) >= 3 {
		t.Errorf("expected small sections A and B to merge, got %d children", len(n.Children))
	}
}

func TestWriteDocumentProducesSingleTopLevelDirectory(t *testing.T) {
	fs := newFS(t)
	ctx := context.Background()
	tempRoot := vkuri.NewTempRoot("test-uuid")
	if err := fs.Mkdir(ctx, tempRoot); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	docRoot, err := WriteDocument(ctx, fs, tempRoot, "doc", "doc", "hello world", DefaultConfig())
	if err != nil {
		t.Fatalf("WriteDocument: %v", err)
	}
	entries, err := fs.Ls(ctx, tempRoot, agfs.LsOpts{})
	if err != nil {
		t.Fatalf("Ls: %v", err)
	}
	if len(entries) != 1 || !entries[0].IsDir {
		t.Fatalf("expected exactly one top-level directory, got %+v", entries)
	}
	if vkuri.URI(entries[0].URI) != docRoot {
		t.Errorf("document root mismatch: %s vs %s", entries[0].URI, docRoot)
	}
}

func TestDocSlug(t *testing.T) {
	cases := map[string]string{
		"My Document.md":              "my-document",
		"https://a.com/path/Foo.html": "foo",
		"":                            "document",
	}
	for in, want := range cases {
		if got := DocSlug(in); got != want {
			t.Errorf("DocSlug(%q) = %q, want %q", in, got, want)
		}
	}
}
