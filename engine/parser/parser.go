// Package parser holds the format-dispatch registry: convert any supported
// input into a canonical scratch tree under viking://temp/<uuid>/. Parsers
// are a duck-typed capability set (CanHandle/Parse), scanned in
// registration order, exactly as the §9 "Duck-typed parsers" note asks.
package parser

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/apperr"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/fn"
)

// CodeSummaryMode selects how code files are turned into abstracts.
type CodeSummaryMode string

const (
	CodeSummaryAST    CodeSummaryMode = "ast"
	CodeSummaryLLM    CodeSummaryMode = "llm"
	CodeSummaryASTLLM CodeSummaryMode = "ast_llm"
)

// Config carries the splitting-policy knobs a parser needs; zero value is
// the documented default (1024/512 tokens, ast mode).
type Config struct {
	MaxTokensPerFile int
	MergeThreshold   int
	CodeSummaryMode  CodeSummaryMode
}

// DefaultConfig returns the spec-documented default thresholds.
func DefaultConfig() Config {
	return Config{MaxTokensPerFile: DefaultMaxTokens, MergeThreshold: DefaultMergeThreshold, CodeSummaryMode: CodeSummaryAST}
}

func (c Config) maxTokens() int {
	if c.MaxTokensPerFile > 0 {
		return c.MaxTokensPerFile
	}
	return DefaultMaxTokens
}

func (c Config) mergeThreshold() int {
	if c.MergeThreshold > 0 {
		return c.MergeThreshold
	}
	return DefaultMergeThreshold
}

// Input is one item offered to the registry for parsing.
type Input struct {
	Name     string
	MimeType string
	Sniff    []byte
	Data     []byte
	FS       *agfs.FS
	Config   Config
}

// ParseResult is the uniform shape every parser returns.
type ParseResult struct {
	TempDirURI      vkuri.URI
	SourceFormat    string
	ParserName      string
	ParseDurationMs int64
	Meta            map[string]any
}

// Parser converts one Input into a scratch tree rooted at a fresh
// viking://temp/<uuid>/ directory.
type Parser interface {
	Name() string
	CanHandle(name, mime string, sniff []byte) bool
	Parse(ctx context.Context, in Input) fn.Result[ParseResult]
}

// Registry dispatches an Input to the first matching Parser.
type Registry struct {
	parsers []Parser
}

// NewRegistry builds a registry scanning parsers in the given order.
func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

// Register appends a parser, to be tried after all previously registered ones.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Parse dispatches in to the first Parser whose CanHandle matches, and
// stamps the wall-clock parse duration onto the result. UNSUPPORTED_FORMAT
// is returned when nothing matches.
func (r *Registry) Parse(ctx context.Context, in Input) fn.Result[ParseResult] {
	for _, p := range r.parsers {
		if !p.CanHandle(in.Name, in.MimeType, in.Sniff) {
			continue
		}
		start := time.Now()
		result := p.Parse(ctx, in)
		val, err := result.Unwrap()
		if err != nil {
			return fn.Err[ParseResult](err)
		}
		val.ParseDurationMs = time.Since(start).Milliseconds()
		return fn.Ok(val)
	}
	return fn.Err[ParseResult](apperr.New(apperr.UnsupportedFormat, "no parser matched "+in.Name))
}

// FileAbstractSidecar names the hidden per-file cached-abstract sidecar a
// parser may leave next to a source file (e.g. codeparser's AST skeleton),
// so SemanticQueue can skip re-summarising that one file (§4.5 step 2)
// without mistaking it for the containing directory's own .abstract.md.
func FileAbstractSidecar(fileName string) string {
	return "." + fileName + ".abstract.md"
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// DocSlug derives a directory-safe slug from a file name, URL, or title,
// stripping its extension and any path components.
func DocSlug(name string) string {
	base := name
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "?"); i >= 0 {
		base = base[:i]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	s := slugInvalid.ReplaceAllString(strings.ToLower(base), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "document"
	}
	return s
}
