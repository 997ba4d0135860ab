// Package remotefs is the remote-HTTP-service AGFS backend: every
// operation is a JSON request/response against a collaborating AGFS
// service. No REST client framework appears as a dependency anywhere in
// the retrieval pack, so this is a deliberate, justified use of plain
// net/http (see DESIGN.md).
package remotefs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

// Backend implements agfs.Backend against a remote HTTP AGFS service.
type Backend struct {
	baseURL string
	client  *http.Client
}

// New points the backend at baseURL (e.g. "https://agfs.internal").
func New(baseURL string) *Backend {
	return &Backend{baseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
}

type errorBody struct {
	Error string `json:"error"`
}

func (b *Backend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remotefs: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remotefs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("remotefs: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remotefs: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		if eb.Error == "" {
			eb.Error = string(data)
		}
		return fmt.Errorf("remotefs: %s %s: %s (status %d)", method, path, eb.Error, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remotefs: decode response: %w", err)
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, u vkuri.URI) ([]byte, error) {
	var out struct {
		Data []byte `json:"data"`
	}
	if err := b.do(ctx, http.MethodGet, "/read?uri="+u.String(), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (b *Backend) Write(ctx context.Context, u vkuri.URI, data []byte, createOnly bool) error {
	req := struct {
		URI        string `json:"uri"`
		Data       []byte `json:"data"`
		CreateOnly bool   `json:"create_only"`
	}{URI: u.String(), Data: data, CreateOnly: createOnly}
	return b.do(ctx, http.MethodPost, "/write", req, nil)
}

func (b *Backend) Mkdir(ctx context.Context, u vkuri.URI) error {
	return b.do(ctx, http.MethodPost, "/mkdir", map[string]string{"uri": u.String()}, nil)
}

func (b *Backend) ReadDir(ctx context.Context, u vkuri.URI) ([]agfs.DirEntry, error) {
	var out struct {
		Entries []agfs.DirEntry `json:"entries"`
	}
	if err := b.do(ctx, http.MethodGet, "/readdir?uri="+u.String(), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (b *Backend) Stat(ctx context.Context, u vkuri.URI) (agfs.Stat, error) {
	var out agfs.Stat
	if err := b.do(ctx, http.MethodGet, "/stat?uri="+u.String(), nil, &out); err != nil {
		return agfs.Stat{}, err
	}
	return out, nil
}

func (b *Backend) Remove(ctx context.Context, u vkuri.URI) error {
	return b.do(ctx, http.MethodPost, "/remove", map[string]string{"uri": u.String()}, nil)
}

func (b *Backend) RemoveAll(ctx context.Context, u vkuri.URI) error {
	return b.do(ctx, http.MethodPost, "/removeall", map[string]string{"uri": u.String()}, nil)
}

func (b *Backend) Move(ctx context.Context, src, dst vkuri.URI) error {
	req := map[string]string{"src": src.String(), "dst": dst.String()}
	return b.do(ctx, http.MethodPost, "/move", req, nil)
}
