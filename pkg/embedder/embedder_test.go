package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	"github.com/LinQiang391/OpenViking/pkg/resilience"
)

func TestEmbedReturnsOneVectorPerText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResp{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(srv.URL, "nomic-embed-text")
	vecs, err := c.Embed(context.Background(), []string{"a", "b"}, vectorstore.ModalityText)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 3 {
		t.Fatalf("unexpected vectors: %+v", vecs)
	}
}

func TestEmbedWaitsOnRateLimiterInsteadOfFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResp{Embedding: []float64{1}})
	}))
	defer srv.Close()

	// Burst of 1: the second call has no token left and must wait for a
	// refill rather than erroring, unlike Limiter.Call's non-blocking form.
	c := NewWithLimiter(srv.URL, "nomic-embed-text", resilience.LimiterOpts{Rate: 100, Burst: 1})
	ctx := context.Background()

	vecs, err := c.Embed(ctx, []string{"first", "second", "third"}, vectorstore.ModalityText)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
}

func TestEmbedPropagatesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "nomic-embed-text")
	if _, err := c.Embed(context.Background(), []string{"x"}, vectorstore.ModalityText); err == nil {
		t.Fatal("expected error from 502 response")
	}
}
