// Package uri implements the viking:// namespace: parsing, normalisation,
// and scope mapping.
package uri

import (
	"fmt"
	"strings"

	"github.com/LinQiang391/OpenViking/engine/apperr"
)

// URI is a normalised viking:// address. Construct one with Parse; never
// build one by string concatenation, so validation cannot be skipped.
type URI string

const scheme = "viking://"

// Maximum byte lengths enforced by the grammar in SPEC_FULL.md §6.
const (
	MaxSegmentBytes = 255
	MaxURIBytes     = 2048
)

// Reserved scope roots.
const (
	ScopeResources = "resources"
	ScopeUser      = "user"
	ScopeAgent     = "agent"
	ScopeTemp      = "temp"
	ScopeSystem    = ".system"
)

var reservedScopes = map[string]bool{
	ScopeResources: true,
	ScopeUser:      true,
	ScopeAgent:     true,
	ScopeTemp:      true,
	ScopeSystem:    true,
}

// Parse validates and normalises raw into a URI, or fails with
// INVALID_ARGUMENT. Normalisation removes "./" segments and collapses
// "//" runs so two textually-different URIs compare equal iff their
// normalised forms are byte-identical (§3).
func Parse(raw string) (URI, error) {
	if len(raw) > MaxURIBytes {
		return "", apperr.New(apperr.InvalidArgument, fmt.Sprintf("uri exceeds %d bytes", MaxURIBytes))
	}
	if !strings.HasPrefix(raw, scheme) {
		return "", apperr.New(apperr.InvalidArgument, "uri must start with viking://")
	}
	rest := strings.TrimPrefix(raw, scheme)

	raw0 := rest
	isRoot := false
	rawSegs := strings.Split(rest, "/")

	normSegs := make([]string, 0, len(rawSegs))
	for _, seg := range rawSegs {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", apperr.New(apperr.InvalidArgument, "uri may not contain ..")
		default:
			if len(seg) > MaxSegmentBytes {
				return "", apperr.New(apperr.InvalidArgument, fmt.Sprintf("segment %q exceeds %d bytes", seg, MaxSegmentBytes))
			}
			if strings.ContainsRune(seg, 0) {
				return "", apperr.New(apperr.InvalidArgument, "segment contains NUL byte")
			}
			normSegs = append(normSegs, seg)
		}
	}

	if len(normSegs) == 0 {
		return "", apperr.New(apperr.InvalidArgument, "uri has no scope")
	}

	scope := normSegs[0]
	if !reservedScopes[scope] {
		return "", apperr.New(apperr.InvalidArgument, fmt.Sprintf("unknown scope %q", scope))
	}
	if scope == ScopeTemp && len(normSegs) < 2 {
		return "", apperr.New(apperr.InvalidArgument, "temp scope requires a uuid segment")
	}

	// No further rule applies to bare roots: any reserved scope except
	// temp may stand alone as a single-segment URI, and a trailing "/" was
	// already dropped with the other empty segments above.
	_ = raw0
	_ = isRoot

	return URI(scheme + strings.Join(normSegs, "/")), nil
}

// MustParse panics on an invalid URI; reserved for compile-time-known
// literals (tests, well-known system paths).
func MustParse(raw string) URI {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the raw viking:// string.
func (u URI) String() string { return string(u) }

// segments returns the path segments after the scheme, scope included.
func (u URI) segments() []string {
	rest := strings.TrimPrefix(string(u), scheme)
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// Scope returns the top-level scope root ("resources", "user", "agent",
// "temp", ".system").
func (u URI) Scope() string {
	segs := u.segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[0]
}

// IsScopeRoot reports whether u has no path beyond its scope
// ("viking://resources", "viking://user", "viking://.system").
func (u URI) IsScopeRoot() bool {
	return len(u.segments()) == 1
}

// Parent strips the trailing segment. Parent of a scope root is "".
func (u URI) Parent() URI {
	segs := u.segments()
	if len(segs) <= 1 {
		return ""
	}
	return URI(scheme + strings.Join(segs[:len(segs)-1], "/"))
}

// Name returns the final path segment.
func (u URI) Name() string {
	segs := u.segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Join appends segments beneath u, validating each as it goes.
func (u URI) Join(segs ...string) (URI, error) {
	raw := string(u)
	for _, s := range segs {
		raw += "/" + s
	}
	return Parse(raw)
}

// IsHidden reports whether the final segment starts with ".", meaning the
// node is hidden from default listings and never counted as a semantic
// child (§3).
func (u URI) IsHidden() bool {
	name := u.Name()
	return strings.HasPrefix(name, ".")
}

// Equal compares normalised forms.
func Equal(a, b URI) bool { return a == b }

// ResourcesRoot, UserMemoriesRoot, AgentSkillsRoot, SystemRoot are the
// well-known scope roots used throughout TreeBuilder and the queues.
var (
	ResourcesRoot    = URI(scheme + ScopeResources)
	UserMemoriesRoot = URI(scheme + ScopeUser + "/memories")
	AgentSkillsRoot  = URI(scheme + ScopeAgent + "/skills")
	SystemRoot       = URI(scheme + ScopeSystem)
)

// NewTempRoot builds a fresh scratch-tree root viking://temp/<uuid>.
func NewTempRoot(uuid string) URI {
	return URI(scheme + ScopeTemp + "/" + uuid)
}
