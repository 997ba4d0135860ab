// Package retriever implements the HierarchicalRetriever (SPEC_FULL.md
// §4.7): embed -> global shortlist -> route -> filter -> rank -> dedup ->
// truncate. Adapted from the teacher's engine/rag/rag.go Service.Query
// (embed -> search -> assemble -> rank), dropping the chat/LLM-answer
// step (retrieval only, out of scope) and the automotive
// graph-enrichment step, replacing both with the spec's route/dedup
// pipeline over engine/vectorstore.
package retriever

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/apperr"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	"github.com/LinQiang391/OpenViking/pkg/embedder"
)

// DefaultScoreThreshold is find's caller-overridable default (§4.7 step 5).
const DefaultScoreThreshold = 0.3

// shortlistMultiplier and minShortlist implement "limit = max(limit x 4, 40)".
const (
	shortlistMultiplier = 4
	minShortlist        = 40
)

// Options configures one find() call.
type Options struct {
	TargetURI      vkuri.URI
	Limit          int
	ScoreThreshold *float32 // nil selects DefaultScoreThreshold
}

// Hit is one ranked result (§4.7, §6 "ranked list").
type Hit struct {
	URI      vkuri.URI
	Score    float32
	Abstract string
	Category string
}

// Retriever answers find() over a VectorDB + AGFS pair.
type Retriever struct {
	fs    *agfs.FS
	store vectorstore.Store
	embed embedder.Embedder
}

// New builds a Retriever.
func New(fs *agfs.FS, store vectorstore.Store, embed embedder.Embedder) *Retriever {
	return &Retriever{fs: fs, store: store, embed: embed}
}

func shortlistLimit(limit int) int {
	n := limit * shortlistMultiplier
	if n < minShortlist {
		return minShortlist
	}
	return n
}

// Find runs the §4.7 algorithm end to end.
func (r *Retriever) Find(ctx context.Context, query string, opts Options) ([]Hit, error) {
	vecs, err := r.embed.Embed(ctx, []string{query}, vectorstore.ModalityText)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyError, "embed query", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, apperr.New(apperr.DependencyError, "query embedding returned zero-length vector")
	}
	q := vecs[0]

	scopePrefix := opts.TargetURI
	if scopePrefix == "" {
		scopePrefix = "viking://"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	threshold := float32(DefaultScoreThreshold)
	if opts.ScoreThreshold != nil {
		threshold = *opts.ScoreThreshold
	}

	// Step 3: global shortlist at score_threshold=0, so routing (step 4)
	// sees every candidate regardless of the caller's eventual filter.
	shortlist, err := r.store.Search(ctx, q, vectorstore.SearchOpts{
		TargetURIPrefix: scopePrefix, Limit: shortlistLimit(limit), ScoreThreshold: 0,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyError, "vector search", err)
	}

	merged := dedupeByURI(shortlist)

	// Step 4: route into any top-level scope root present in the
	// shortlist whose own abstract surfaced, recursing one level further
	// restricted to that root.
	roots := topLevelRoots(merged, scopePrefix)
	for _, root := range roots {
		hasAbstract := false
		for _, m := range merged {
			if m.URI == root && m.Source == vectorstore.SourceAbstract {
				hasAbstract = true
				break
			}
		}
		childCount := 0
		if entries, err := r.fs.Ls(ctx, root, agfs.LsOpts{}); err == nil {
			childCount = len(entries)
		}
		if hasAbstract && childCount > 1 {
			sub, err := r.store.Search(ctx, q, vectorstore.SearchOpts{
				TargetURIPrefix: root, Limit: shortlistLimit(limit), ScoreThreshold: 0,
			})
			if err == nil {
				merged = append(merged, sub...)
			}
		}
	}
	merged = dedupeByURI(merged)

	// Step 5: filter by the caller's (or default) threshold.
	filtered := make([]vectorstore.Result, 0, len(merged))
	for _, m := range merged {
		if m.Score >= threshold {
			filtered = append(filtered, m)
		}
	}

	// Step 6: rank.
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Score != filtered[j].Score {
			return filtered[i].Score > filtered[j].Score
		}
		return filtered[i].URI < filtered[j].URI
	})

	hits := make([]Hit, 0, len(filtered))
	seenURI := make(map[vkuri.URI]bool, len(filtered))
	for _, m := range filtered {
		// filtered is score-ordered, so the first entry per URI is its best.
		if seenURI[m.URI] {
			continue
		}
		seenURI[m.URI] = true
		abstract, _ := r.fs.Abstract(ctx, dirOf(m.URI, m.Source))
		hits = append(hits, Hit{URI: m.URI, Score: m.Score, Abstract: abstract, Category: categoryOf(m.URI)})
	}

	// Step 7: dedup by normalised abstract for non-events/cases memory
	// categories; events/cases and everything else dedupe by URI only
	// (already unique: the loop above keeps one hit per URI).
	hits = dedupeByNormalisedAbstract(hits)

	// Step 8: truncate.
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func dirOf(u vkuri.URI, source vectorstore.Source) vkuri.URI {
	// Raw leaf-file vectors are keyed on the file itself; abstract/
	// overview vectors are already keyed on the directory.
	if source == vectorstore.SourceRaw {
		return u.Parent()
	}
	return u
}

func dedupeByURI(results []vectorstore.Result) []vectorstore.Result {
	seen := make(map[string]bool, len(results))
	out := make([]vectorstore.Result, 0, len(results))
	for _, r := range results {
		key := string(r.URI) + "#" + string(r.Source)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func topLevelRoots(results []vectorstore.Result, scopePrefix vkuri.URI) []vkuri.URI {
	seen := make(map[vkuri.URI]bool)
	var roots []vkuri.URI
	for _, r := range results {
		root := r.URI
		for root.Parent() != "" && root.Parent() != scopePrefix {
			root = root.Parent()
		}
		if root == "" || root == scopePrefix {
			continue
		}
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots
}

// categoryOf extracts a memory category ("preferences"/"facts"/"events"/
// "cases") from a URI under viking://user/memories/<doc>/<category>/...,
// or "" when not a memory URI.
func categoryOf(u vkuri.URI) string {
	s := string(u)
	const prefix = "viking://user/memories/"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(s, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func normaliseAbstract(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func isEventOrCase(category string) bool {
	return category == "events" || category == "cases"
}

// dedupeByNormalisedAbstract implements §4.7 step 7 and §9 Open Question
// 3's pinned normalisation (lower-case, NFKC, whitespace collapsed,
// trimmed): non-events/cases memory entries collapse on identical
// normalised abstract text, keeping the highest scorer; events/cases (and
// non-memory results) dedupe by URI only, which hit assembly in Find
// already did (dedupeByURI keys on URI and source, so it alone does not).
func dedupeByNormalisedAbstract(hits []Hit) []Hit {
	seen := make(map[string]int) // normalised abstract -> index in out
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if h.Category == "" || isEventOrCase(h.Category) {
			out = append(out, h)
			continue
		}
		key := h.Category + "\x00" + normaliseAbstract(h.Abstract)
		if idx, ok := seen[key]; ok {
			if h.Score > out[idx].Score {
				out[idx] = h
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, h)
	}
	return out
}
