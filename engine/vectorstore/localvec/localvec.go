// Package localvec is the local "HNSW-like" VectorDB fallback allowed by
// §4.2: no approximate-nearest-neighbour library appears as an actual
// third-party dependency anywhere in the retrieval pack (CozoDB in
// kraklabs-cie is an in-repo CGO binding, not an importable module), so
// this is a deliberate, justified brute-force implementation over stdlib
// (see DESIGN.md).
package localvec

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

type entry struct {
	URI      vkuri.URI              `json:"uri"`
	Source   vectorstore.Source     `json:"source"`
	Modality vectorstore.Modality   `json:"modality"`
	Vector   []float32              `json:"vector"`
	Payload  map[string]any         `json:"payload"`
}

// Store is an in-memory brute-force cosine-similarity index, snapshotted
// to an AGFS-backed file for restart durability.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]entry
	fs        *agfs.FS
	snapshotU vkuri.URI
}

// New creates an empty store. If fs and snapshotURI are non-nil/non-empty,
// the store loads any prior snapshot and persists after every mutation.
func New(fs *agfs.FS, snapshotURI vkuri.URI) *Store {
	s := &Store{byID: make(map[string]entry), fs: fs, snapshotU: snapshotURI}
	s.load(context.Background())
	return s
}

func (s *Store) load(ctx context.Context) {
	if s.fs == nil || s.snapshotU == "" {
		return
	}
	data, err := s.fs.Read(ctx, s.snapshotU)
	if err != nil {
		return
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}
	for _, e := range entries {
		s.byID[string(e.URI)+"#"+string(e.Source)] = e
	}
}

func (s *Store) persist(ctx context.Context) {
	if s.fs == nil || s.snapshotU == "" {
		return
	}
	entries := make([]entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	_ = s.fs.Write(ctx, s.snapshotU, data, agfs.WriteOpts{})
}

func (s *Store) Upsert(ctx context.Context, records []vectorstore.Record) error {
	s.mu.Lock()
	for _, r := range records {
		s.byID[r.ID()] = entry{URI: r.URI, Source: r.Source, Modality: r.Modality, Vector: r.Vector, Payload: r.Payload}
	}
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *Store) Search(_ context.Context, query []float32, opts vectorstore.SearchOpts) ([]vectorstore.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []vectorstore.Result
	for _, e := range s.byID {
		if opts.TargetURIPrefix != "" && !strings.HasPrefix(string(e.URI), string(opts.TargetURIPrefix)) {
			continue
		}
		score := clampScore(cosine(query, e.Vector))
		if score < opts.ScoreThreshold {
			continue
		}
		results = append(results, vectorstore.Result{URI: e.URI, Source: e.Source, Score: score, Payload: e.Payload})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].URI < results[j].URI
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (s *Store) Delete(ctx context.Context, uriPrefix vkuri.URI) (int, error) {
	s.mu.Lock()
	n := 0
	for k, e := range s.byID {
		if strings.HasPrefix(string(e.URI), string(uriPrefix)) {
			delete(s.byID, k)
			n++
		}
	}
	s.mu.Unlock()
	s.persist(ctx)
	return n, nil
}

func (s *Store) Count(_ context.Context, uriPrefix vkuri.URI) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.byID {
		if strings.HasPrefix(string(e.URI), string(uriPrefix)) {
			n++
		}
	}
	return n, nil
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func clampScore(s float32) float32 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

var _ vectorstore.Store = (*Store)(nil)
