// Package plaintextparser handles unstructured text with no headers to
// split on — the §8 "no-header document forces chunk-merging" boundary
// case: BuildNode finds no header level to split at and falls back to a
// single (possibly oversized) leaf.
package plaintextparser

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

func (p *Parser) Name() string { return "plaintext" }

func (p *Parser) CanHandle(name, mime string, sniff []byte) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".txt") {
		return true
	}
	return mime == "text/plain"
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
		SourceFormat: "plaintext",
		ParserName:   p.Name(),
		Meta:         map[string]any{"document_root": string(docRoot)},
	})
}

var _ parser.Parser = (*Parser)(nil)
