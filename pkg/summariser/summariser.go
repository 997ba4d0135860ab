// Package summariser defines the other half of spec.md's two-method LLM
// capability: summarise(prompt, images?) -> text. Shaped after the
// teacher's engine/rag.Service chat call (same model/temperature/
// max-tokens options, same "call a generation endpoint with a prompt"
// idea), but — like pkg/embedder — talks HTTP directly instead of the
// missing generated mlpb.ChatServiceClient. The HTTP call is wrapped in a
// pkg/resilience.Breaker (§5 "Summariser/Embedder ... Rate-limit errors
// feed into exponential backoff"): a flaky summarisation endpoint trips
// the breaker instead of letting every SemanticQueue worker pile retries
// onto a backend that is already down.
package summariser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/LinQiang391/OpenViking/pkg/resilience"
)

// Image is a single inline image attached to a summarisation call.
type Image struct {
	MimeType string
	Data     []byte
}

// Options configures one summarise call, mirroring the teacher's
// rag.Options fields relevant to a single-turn completion.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int32
	Timeout     time.Duration
}

// DefaultOptions mirrors the teacher's rag.DefaultOptions numbers.
func DefaultOptions() Options {
	return Options{Temperature: 0.3, MaxTokens: 1024, Timeout: 180 * time.Second}
}

// Summariser turns a prompt (and optional images) into text, and reports
// token usage for the request trace collector's token_usage counters.
type Summariser interface {
	Summarise(ctx context.Context, prompt string, images []Image, opts Options) (Result, error)
}

// Result carries the generated text plus token accounting.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// HTTPClient is an HTTP-backed Summariser speaking the Ollama /api/generate
// protocol, the same client shape as pkg/embedder.HTTPClient.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	breaker *resilience.Breaker
}

// New creates an HTTP summarisation client guarded by a circuit breaker
// using resilience.DefaultBreakerOpts.
func New(baseURL string) *HTTPClient {
	return NewWithBreaker(baseURL, resilience.DefaultBreakerOpts)
}

// NewWithBreaker creates an HTTP summarisation client with explicit
// circuit breaker options (tests exercise this to force trip/half-open
// transitions without waiting out DefaultBreakerOpts.Timeout).
func NewWithBreaker(baseURL string, opts resilience.BreakerOpts) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, client: &http.Client{}, breaker: resilience.NewBreaker(opts)}
}

type generateReq struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Images      [][]byte `json:"images,omitempty"`
	Temperature float32  `json:"temperature,omitempty"`
	Stream      bool     `json:"stream"`
}

type generateResp struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *HTTPClient) Summarise(ctx context.Context, prompt string, images []Image, opts Options) (Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultOptions().Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	imgData := make([][]byte, len(images))
	for i, img := range images {
		imgData[i] = img.Data
	}

	body, err := json.Marshal(generateReq{
		Model:       opts.Model,
		Prompt:      prompt,
		Images:      imgData,
		Temperature: opts.Temperature,
		Stream:      false,
	})
	if err != nil {
		return Result{}, fmt.Errorf("summariser: marshal request: %w", err)
	}

	var out generateResp
	callErr := c.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("summariser: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("summariser: summarise: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("summariser: summarise: status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("summariser: decode response: %w", err)
		}
		return nil
	})
	if callErr != nil {
		return Result{}, callErr
	}

	return Result{Text: out.Response, InputTokens: out.PromptEvalCount, OutputTokens: out.EvalCount}, nil
}

var _ Summariser = (*HTTPClient)(nil)
