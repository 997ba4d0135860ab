// Package markdownparser implements the §4.3 splitting policy for
// markdown input: header-level splitting, small-section merging, and the
// char/4 token counter, adapted from engine/ingest/transform.go's
// chunkSentences (same greedy-grouping shape, header boundaries instead
// of a fixed token window).
package markdownparser

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/LinQiang391/OpenViking/engine/parser"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/fn"
)

type Parser struct{}

func New() *Parser { return &Parser{} }

func (p *Parser) Name() string { return "markdown" }

func (p *Parser) CanHandle(name, mime string, sniff []byte) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".markdown") {
		return true
	}
	return mime == "text/markdown"
}

func (p *Parser) Parse(ctx context.Context, in parser.Input) fn.Result[parser.ParseResult] {
	text := string(in.Data)
	tempRoot := vkuri.NewTempRoot(uuid.NewString())
	if err := in.FS.Mkdir(ctx, tempRoot); err != nil {
		return fn.Err[parser.ParseResult](err)
	}

	slug := parser.DocSlug(in.Name)
	docRoot, err := parser.WriteDocument(ctx, in.FS, tempRoot, slug, slug, text, in.Config)
	if err != nil {
		return fn.Err[parser.ParseResult](err)
	}

	return fn.Ok(parser.ParseResult{
		TempDirURI:   tempRoot,
		SourceFormat: "markdown",
		ParserName:   p.Name(),
		Meta:         map[string]any{"document_root": string(docRoot)},
	})
}

var _ parser.Parser = (*Parser)(nil)
