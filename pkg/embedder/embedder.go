// Package embedder defines the embedding half of the two-method capability
// spec.md treats LLM providers as: embed(texts, modality) -> vectors. Adapted from the
// teacher's pkg/ollama/embed.go, which implemented this same HTTP call
// shape behind a generated gRPC client (mlpb.EmbedServiceClient) that
// does not exist anywhere in the retrieval pack; this package drops the
// generated-client dependency and keeps the HTTP call itself. Each
// per-text embedding call waits on a pkg/resilience.Limiter token bucket
// (§5 "a separate cap for embeddings"), separate from the summariser's
// circuit breaker, so a large EmbeddingQueue batch paces itself against
// the embedding endpoint instead of firing every text at once.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/LinQiang391/OpenViking/engine/vectorstore"
	"github.com/LinQiang391/OpenViking/pkg/resilience"
)

// Embedder converts texts into vectors of a given modality.
type Embedder interface {
	Embed(ctx context.Context, texts []string, modality vectorstore.Modality) ([][]float32, error)
}

// HTTPClient is an HTTP-backed Embedder speaking the Ollama /api/embeddings
// protocol, exactly as pkg/ollama/embed.go does, generalized to batches.
type HTTPClient struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *resilience.Limiter
}

// New creates an HTTP embedding client rate-limited at 20 req/s with a
// burst of 32, matching the default EmbeddingBatchSize.
func New(baseURL, model string) *HTTPClient {
	return NewWithLimiter(baseURL, model, resilience.LimiterOpts{Rate: 20, Burst: 32})
}

// NewWithLimiter creates an HTTP embedding client with explicit rate
// limiter options (§5 "a separate cap for embeddings"); engine.New wires
// this from Config.EmbedderRateLimit/EmbedderRateBurst.
func NewWithLimiter(baseURL, model string, opts resilience.LimiterOpts) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, model: model, client: &http.Client{}, limiter: resilience.NewLimiter(opts)}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

func (c *HTTPClient) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedReq{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal request: %w", err)
	}

	var result embedResp
	callErr := c.limiter.CallWait(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("embedder: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("embedder: embed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("embedder: embed: status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("embedder: decode response: %w", err)
		}
		return nil
	})
	if callErr != nil {
		return nil, callErr
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Embed embeds every text individually (the Ollama endpoint has no native
// batch form); modality selects which model/endpoint variant is used by
// configuration, not by this call's signature.
func (c *HTTPClient) Embed(ctx context.Context, texts []string, modality vectorstore.Modality) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedder: embed[%d] modality=%s: %w", i, modality, err)
		}
		out[i] = vec
	}
	return out, nil
}

var _ Embedder = (*HTTPClient)(nil)
