package parser

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

// DefaultMaxTokens and DefaultMergeThreshold are the §4.3 splitting-policy
// defaults: one file up to 1024 tokens, siblings under 512 tokens merge.
const (
	DefaultMaxTokens      = 1024
	DefaultMergeThreshold = 512
)

// ApproxTokens is the mandated stable approximate tokeniser: 1 token per 4
// characters, deterministic, no model-specific vocabulary.
func ApproxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	if t := n / 4; t > 0 {
		return t
	}
	return 1
}

var headerRe = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

func headerLevel(line string) (int, string, bool) {
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	return len(m[1]), strings.TrimSpace(m[2]), true
}

type rawSection struct {
	Title string
	Lines []string
}

func countHeadersAtLevel(lines []string, level int) int {
	n := 0
	for _, ln := range lines {
		if lvl, _, ok := headerLevel(ln); ok && lvl == level {
			n++
		}
	}
	return n
}

// bestSplitLevel finds the highest header level (fewest '#') that yields
// multiple sections, per §4.3's splitting policy.
func bestSplitLevel(lines []string) (int, bool) {
	for level := 1; level <= 6; level++ {
		if countHeadersAtLevel(lines, level) >= 2 {
			return level, true
		}
	}
	return 0, false
}

func splitAtLevel(lines []string, level int) []rawSection {
	var secs []rawSection
	var cur *rawSection
	for _, ln := range lines {
		if lvl, title, ok := headerLevel(ln); ok && lvl == level {
			if cur != nil {
				secs = append(secs, *cur)
			}
			cur = &rawSection{Title: title, Lines: []string{ln}}
			continue
		}
		if cur == nil {
			cur = &rawSection{}
		}
		cur.Lines = append(cur.Lines, ln)
	}
	if cur != nil {
		secs = append(secs, *cur)
	}
	return secs
}

// mergeSmall greedily merges consecutive sections whose combined token
// count is under threshold into their next sibling, left to right.
func mergeSmall(secs []rawSection, threshold int) []rawSection {
	var out []rawSection
	i := 0
	for i < len(secs) {
		acc := secs[i]
		tokens := ApproxTokens(strings.Join(acc.Lines, "\n"))
		j := i + 1
		for tokens < threshold && j < len(secs) {
			acc.Lines = append(acc.Lines, secs[j].Lines...)
			tokens += ApproxTokens(strings.Join(secs[j].Lines, "\n"))
			j++
		}
		out = append(out, acc)
		i = j
	}
	return out
}

// Node is one file or directory of a canonical scratch tree built from
// split text, before it is written out to AGFS.
type Node struct {
	Name     string
	IsDir    bool
	Content  string
	Children []Node
}

// BuildNode recursively applies the splitting policy to text, producing
// either a single leaf file (tokens <= maxTokens, or no header to split on)
// or a directory of child sections, each recursed the same way.
func BuildNode(text, title string, idx int, cfg Config) Node {
	name := slugifyTitle(title, idx)
	tokens := ApproxTokens(text)
	if tokens <= cfg.maxTokens() {
		return Node{Name: name, Content: text}
	}
	lines := strings.Split(text, "\n")
	level, ok := bestSplitLevel(lines)
	if !ok {
		// No header to split on further: emit as a (possibly oversized)
		// leaf rather than looping forever — the plaintext boundary case.
		return Node{Name: name, Content: text}
	}
	secs := mergeSmall(splitAtLevel(lines, level), cfg.mergeThreshold())
	children := make([]Node, 0, len(secs))
	for i, s := range secs {
		body := strings.Join(s.Lines, "\n")
		children = append(children, BuildNode(body, s.Title, i, cfg))
	}
	return Node{Name: name, IsDir: true, Children: children}
}

var titleInvalid = regexp.MustCompile(`[^a-z0-9]+`)

func slugifyTitle(title string, idx int) string {
	s := titleInvalid.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return sectionName(idx)
	}
	return s
}

func sectionName(idx int) string {
	const letters = "0123456789"
	n := idx
	if n < 10 {
		return "section-0" + string(letters[n])
	}
	return "section-" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// WriteNode materialises a Node tree under dir via fs, creating directories
// and writing leaf files as "<name>.md".
func WriteNode(ctx context.Context, fs *agfs.FS, dir vkuri.URI, n Node) error {
	if !n.IsDir {
		u, err := dir.Join(n.Name + ".md")
		if err != nil {
			return err
		}
		return fs.Write(ctx, u, []byte(n.Content), agfs.WriteOpts{})
	}
	sub, err := dir.Join(n.Name)
	if err != nil {
		return err
	}
	if err := fs.Mkdir(ctx, sub); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := WriteNode(ctx, fs, sub, c); err != nil {
			return err
		}
	}
	return nil
}

// WriteDocument builds docRoot/<content...> under tempRoot from text,
// always leaving tempRoot containing exactly one top-level directory
// (docRoot) as TreeBuilder's "document root" requires, even when the
// whole document collapses to a single leaf file.
func WriteDocument(ctx context.Context, fs *agfs.FS, tempRoot vkuri.URI, docSlug, title, text string, cfg Config) (vkuri.URI, error) {
	docRoot, err := tempRoot.Join(docSlug)
	if err != nil {
		return "", err
	}
	if err := fs.Mkdir(ctx, docRoot); err != nil {
		return "", err
	}
	root := BuildNode(text, title, 0, cfg)
	if root.IsDir {
		for _, c := range root.Children {
			if err := WriteNode(ctx, fs, docRoot, c); err != nil {
				return "", err
			}
		}
		return docRoot, nil
	}
	return docRoot, WriteNode(ctx, fs, docRoot, root)
}
