// Package codeparser implements the §4.3 code "skeleton" mode: for files
// at least 100 lines in a supported language, walk the AST via
// github.com/smacker/go-tree-sitter and emit a structural skeleton
// (leading doc comment, imports, class/struct names with method
// signatures, top-level function signatures) that stands in as the
// abstract, skipping LLM summarisation entirely. Grounded on
// kraklabs-cie/pkg/ingestion/parser_go.go's walk-the-AST shape,
// generalized from Go-only to the full §4.3 language table, and on
// parser_interface.go's ParserMode tri-state (here ast/llm/ast_llm).
package codeparser

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/parser"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/fn"
	"github.com/LinQiang391/OpenViking/pkg/summariser"
)

// MinSkeletonLines is the §4.3 cutoff below which ast mode falls back to llm.
const MinSkeletonLines = 100

type langSpec struct {
	lang        *sitter.Language
	importKinds map[string]bool
	classKinds  map[string]bool
	funcKinds   map[string]bool
	methodKinds map[string]bool
}

func kindSet(kinds ...string) map[string]bool {
	m := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

var languages = map[string]langSpec{
	".go": {
		lang:        golang.GetLanguage(),
		importKinds: kindSet("import_declaration", "import_spec"),
		classKinds:  kindSet("type_declaration"),
		funcKinds:   kindSet("function_declaration"),
		methodKinds: kindSet("method_declaration"),
	},
	".py": {
		lang:        python.GetLanguage(),
		importKinds: kindSet("import_statement", "import_from_statement"),
		classKinds:  kindSet("class_definition"),
		funcKinds:   kindSet("function_definition"),
	},
	".js": {
		lang:        javascript.GetLanguage(),
		importKinds: kindSet("import_statement"),
		classKinds:  kindSet("class_declaration"),
		funcKinds:   kindSet("function_declaration"),
		methodKinds: kindSet("method_definition"),
	},
	".jsx": {
		lang:        javascript.GetLanguage(),
		importKinds: kindSet("import_statement"),
		classKinds:  kindSet("class_declaration"),
		funcKinds:   kindSet("function_declaration"),
		methodKinds: kindSet("method_definition"),
	},
	".ts": {
		lang:        typescript.GetLanguage(),
		importKinds: kindSet("import_statement"),
		classKinds:  kindSet("class_declaration", "interface_declaration"),
		funcKinds:   kindSet("function_declaration"),
		methodKinds: kindSet("method_definition"),
	},
	".rs": {
		lang:        rust.GetLanguage(),
		importKinds: kindSet("use_declaration"),
		classKinds:  kindSet("struct_item", "impl_item", "trait_item"),
		funcKinds:   kindSet("function_item"),
	},
	".java": {
		lang:        java.GetLanguage(),
		importKinds: kindSet("import_declaration"),
		classKinds:  kindSet("class_declaration", "interface_declaration"),
		methodKinds: kindSet("method_declaration"),
	},
	".c": {
		lang:        c.GetLanguage(),
		importKinds: kindSet("preproc_include"),
		classKinds:  kindSet("struct_specifier"),
		funcKinds:   kindSet("function_definition"),
	},
	".h": {
		lang:        c.GetLanguage(),
		importKinds: kindSet("preproc_include"),
		classKinds:  kindSet("struct_specifier"),
		funcKinds:   kindSet("function_definition"),
	},
	".cpp": {
		lang:        cpp.GetLanguage(),
		importKinds: kindSet("preproc_include"),
		classKinds:  kindSet("struct_specifier", "class_specifier"),
		funcKinds:   kindSet("function_definition"),
	},
	".cc": {
		lang:        cpp.GetLanguage(),
		importKinds: kindSet("preproc_include"),
		classKinds:  kindSet("struct_specifier", "class_specifier"),
		funcKinds:   kindSet("function_definition"),
	},
	".hpp": {
		lang:        cpp.GetLanguage(),
		importKinds: kindSet("preproc_include"),
		classKinds:  kindSet("struct_specifier", "class_specifier"),
		funcKinds:   kindSet("function_definition"),
	},
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.ToLower(name[i:])
	}
	return ""
}

// Parser implements code_summary_mode's ast/llm/ast_llm tri-state.
type Parser struct {
	Summariser summariser.Summariser
}

func New(s summariser.Summariser) *Parser {
	return &Parser{Summariser: s}
}

func (p *Parser) Name() string { return "code" }

func (p *Parser) CanHandle(name, mime string, sniff []byte) bool {
	_, ok := languages[extOf(name)]
	return ok
}

func (p *Parser) Parse(ctx context.Context, in parser.Input) fn.Result[parser.ParseResult] {
	ext := extOf(in.Name)
	spec, ok := languages[ext]
	if !ok {
		return fn.Errf[parser.ParseResult]("codeparser: unsupported extension %q", ext)
	}

	text := string(in.Data)
	lines := strings.Count(text, "\n") + 1
	mode := in.Config.CodeSummaryMode
	if mode == "" {
		mode = parser.CodeSummaryAST
	}

	var abstract string
	skeletonUsed := false
	if mode == parser.CodeSummaryAST || mode == parser.CodeSummaryASTLLM {
		if lines >= MinSkeletonLines {
			skel, err := buildSkeleton(ctx, spec, in.Data)
			if err == nil && strings.TrimSpace(skel) != "" {
				abstract = skel
				skeletonUsed = mode == parser.CodeSummaryAST
				if mode == parser.CodeSummaryASTLLM && p.Summariser != nil {
					res, err := p.Summariser.Summarise(ctx, skeletonPrompt(in.Name, skel), nil, summariser.DefaultOptions())
					if err == nil {
						abstract = res.Text
					}
				}
			}
		}
	}

	// Fallback to llm on parse failure, empty skeleton, unsupported
	// language (already handled above), or < 100 lines.
	if abstract == "" && p.Summariser != nil {
		res, err := p.Summariser.Summarise(ctx, fmt.Sprintf("Summarise this %s source file:\n\n%s", ext, text), nil, summariser.DefaultOptions())
		if err != nil {
			return fn.Err[parser.ParseResult](err)
		}
		abstract = res.Text
	}

	tempRoot := vkuri.NewTempRoot(uuid.NewString())
	if err := in.FS.Mkdir(ctx, tempRoot); err != nil {
		return fn.Err[parser.ParseResult](err)
	}
	slug := parser.DocSlug(in.Name)
	docRoot, err := tempRoot.Join(slug)
	if err != nil {
		return fn.Err[parser.ParseResult](err)
	}
	if err := in.FS.Mkdir(ctx, docRoot); err != nil {
		return fn.Err[parser.ParseResult](err)
	}
	srcURI, err := docRoot.Join(slug + ext)
	if err != nil {
		return fn.Err[parser.ParseResult](err)
	}
	if err := in.FS.Write(ctx, srcURI, in.Data, agfs.WriteOpts{}); err != nil {
		return fn.Err[parser.ParseResult](err)
	}
	if abstract != "" {
		// A per-file sidecar, not the directory's own .abstract.md: this
		// lets SemanticQueue's "file child without a cached summary" check
		// (§4.5 step 2) skip the LLM call for this file without colliding
		// with docRoot's own abstract/overview, which the queue worker
		// still derives fresh once this directory is processed.
		absURI, err := docRoot.Join(parser.FileAbstractSidecar(slug + ext))
		if err != nil {
			return fn.Err[parser.ParseResult](err)
		}
		if err := in.FS.Write(ctx, absURI, []byte(abstract), agfs.WriteOpts{}); err != nil {
			return fn.Err[parser.ParseResult](err)
		}
	}

	return fn.Ok(parser.ParseResult{
		TempDirURI:   tempRoot,
		SourceFormat: "code",
		ParserName:   p.Name(),
		Meta: map[string]any{
			"document_root":  string(docRoot),
			"language":       ext,
			"lines":          lines,
			"skeleton_used":  skeletonUsed,
			"code_summary_mode": string(mode),
		},
	})
}

func skeletonPrompt(name, skeleton string) string {
	return fmt.Sprintf("Given this structural skeleton of %s, write a concise abstract:\n\n%s", name, skeleton)
}

// buildSkeleton extracts the module doc first line, imports, class/struct
// names with method signatures, and top-level function signatures.
func buildSkeleton(ctx context.Context, spec langSpec, content []byte) (string, error) {
	p := sitter.NewParser()
	p.SetLanguage(spec.lang)
	tree, err := p.ParseCtx(ctx, nil, content)
	if err != nil {
		return "", fmt.Errorf("codeparser: parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	var b strings.Builder

	if doc := leadingDocComment(root, content); doc != "" {
		b.WriteString(firstLine(doc))
		b.WriteString("\n\n")
	}

	var imports, funcs []string
	var classes []classSkeleton

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		kind := n.Type()
		switch {
		case spec.importKinds[kind]:
			imports = append(imports, oneLine(nodeText(n, content)))
		case spec.classKinds[kind]:
			classes = append(classes, extractClass(n, content, spec))
			return // don't descend further; methods captured by extractClass
		case spec.funcKinds[kind]:
			funcs = append(funcs, signatureOf(n, content))
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)

	if len(imports) > 0 {
		b.WriteString("imports:\n")
		for _, imp := range imports {
			b.WriteString("  " + imp + "\n")
		}
		b.WriteString("\n")
	}
	for _, c := range classes {
		b.WriteString(c.Name)
		if c.Bases != "" {
			b.WriteString(" : " + c.Bases)
		}
		b.WriteString("\n")
		for _, m := range c.Methods {
			b.WriteString("  " + m + "\n")
		}
	}
	if len(funcs) > 0 {
		b.WriteString("functions:\n")
		for _, f := range funcs {
			b.WriteString("  " + f + "\n")
		}
	}
	return b.String(), nil
}

type classSkeleton struct {
	Name    string
	Bases   string
	Methods []string
}

func extractClass(n *sitter.Node, content []byte, spec langSpec) classSkeleton {
	cs := classSkeleton{}
	if name := n.ChildByFieldName("name"); name != nil {
		cs.Name = nodeText(name, content)
	} else {
		cs.Name = oneLine(nodeText(n, content))
	}
	if bases := n.ChildByFieldName("superclass"); bases != nil {
		cs.Bases = nodeText(bases, content)
	}
	if iface := n.ChildByFieldName("interfaces"); iface != nil {
		if cs.Bases != "" {
			cs.Bases += " "
		}
		cs.Bases += nodeText(iface, content)
	}
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if spec.methodKinds[n.Type()] {
			cs.Methods = append(cs.Methods, signatureOf(n, content))
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i))
	}
	return cs
}

// signatureOf renders a function/method node's signature plus the first
// line of any leading doc comment, stripping the body.
func signatureOf(n *sitter.Node, content []byte) string {
	sig := nodeText(n, content)
	if body := n.ChildByFieldName("body"); body != nil && body.StartByte() > n.StartByte() && int(body.StartByte()) <= len(content) {
		sig = string(content[n.StartByte():body.StartByte()])
	}
	sig = oneLine(sig)
	if doc := leadingDocComment(n, content); doc != "" {
		return sig + "  // " + firstLine(doc)
	}
	return sig
}

func nodeText(n *sitter.Node, content []byte) string {
	if int(n.EndByte()) > len(content) {
		return string(content[n.StartByte():])
	}
	return string(content[n.StartByte():n.EndByte()])
}

// leadingDocComment returns the text of a comment node immediately
// preceding n, if any — the generic tree-sitter analogue of a docstring.
func leadingDocComment(n *sitter.Node, content []byte) string {
	parent := n.Parent()
	if parent == nil {
		return ""
	}
	for i := 0; i < int(parent.ChildCount()); i++ {
		if parent.Child(i) == n && i > 0 {
			prev := parent.Child(i - 1)
			if strings.Contains(prev.Type(), "comment") || strings.Contains(prev.Type(), "string") {
				return nodeText(prev, content)
			}
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "/#\"'* \t")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}

var _ parser.Parser = (*Parser)(nil)
