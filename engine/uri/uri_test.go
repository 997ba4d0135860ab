package uri

import (
	"testing"

	"github.com/LinQiang391/OpenViking/engine/apperr"
)

func TestParse_Valid(t *testing.T) {
	cases := []struct {
		raw  string
		want URI
	}{
		{"viking://resources/doc/A.md", "viking://resources/doc/A.md"},
		{"viking://resources/./doc//A.md", "viking://resources/doc/A.md"},
		{"viking://user/memories/pref-1/facts/a.md", "viking://user/memories/pref-1/facts/a.md"},
		{"viking://temp/abc-123", "viking://temp/abc-123"},
		{"viking://.system/queues/semantic", "viking://.system/queues/semantic"},
	}
	for _, c := range cases {
		got, err := Parse(c.raw)
		if err != nil {
			t.Fatalf("Parse(%q) unexpected error: %v", c.raw, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"http://resources/doc",
		"viking://",
		"viking://bogus/doc",
		"viking://temp",
		"viking://resources/../escape",
	}
	for _, raw := range cases {
		if _, err := Parse(raw); !apperr.Is(err, apperr.InvalidArgument) {
			t.Errorf("Parse(%q): expected INVALID_ARGUMENT, got %v", raw, err)
		}
	}
}

func TestParent(t *testing.T) {
	u := MustParse("viking://resources/doc/A.md")
	if got := u.Parent(); got != "viking://resources/doc" {
		t.Errorf("Parent() = %q, want viking://resources/doc", got)
	}
	root := MustParse("viking://resources")
	if got := root.Parent(); got != "" {
		t.Errorf("Parent() of scope root = %q, want empty", got)
	}
}

func TestIsHidden(t *testing.T) {
	if !MustParse("viking://resources/doc/.abstract.md").IsHidden() {
		t.Error("expected .abstract.md to be hidden")
	}
	if MustParse("viking://resources/doc/A.md").IsHidden() {
		t.Error("expected A.md to not be hidden")
	}
}

func TestJoin(t *testing.T) {
	got, err := ResourcesRoot.Join("doc", "A.md")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got != "viking://resources/doc/A.md" {
		t.Errorf("Join = %q", got)
	}
}
