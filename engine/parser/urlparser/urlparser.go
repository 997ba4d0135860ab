// Package urlparser fetches a URL and dispatches its body to another
// parser by content-type/sniff, rate-limited exactly as
// engine/scraper/youtube.go rate-limits outbound requests.
package urlparser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/LinQiang391/OpenViking/engine/parser"
	"github.com/LinQiang391/OpenViking/pkg/fn"
)

// Parser fetches a URL and re-dispatches the body through an inner Registry.
type Parser struct {
	inner       *parser.Registry
	client      *http.Client
	rateLimiter *rate.Limiter
}

// New builds a url fetcher that re-dispatches into inner at the given rate
// (events per second, burst).
func New(inner *parser.Registry, eventsPerSecond float64, burst int) *Parser {
	return &Parser{
		inner:       inner,
		client:      &http.Client{Timeout: 30 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst),
	}
}

func (p *Parser) Name() string { return "url" }

func (p *Parser) CanHandle(name, mime string, sniff []byte) bool {
	u, err := url.Parse(name)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (p *Parser) Parse(ctx context.Context, in parser.Input) fn.Result[parser.ParseResult] {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return fn.Err[parser.ParseResult](err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.Name, nil)
	if err != nil {
		return fn.Err[parser.ParseResult](err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fn.Errf[parser.ParseResult]("urlparser: fetch %s: %w", in.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fn.Errf[parser.ParseResult]("urlparser: fetch %s: status %d", in.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fn.Err[parser.ParseResult](err)
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(mime)

	name := urlBaseName(in.Name, mime)
	sniff := body
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}

	inner := in
	inner.Name = name
	inner.MimeType = mime
	inner.Data = body
	inner.Sniff = sniff

	result := p.inner.Parse(ctx, inner)
	val, err := result.Unwrap()
	if err != nil {
		return fn.Errf[parser.ParseResult]("urlparser: dispatch %s: %w", in.Name, err)
	}
	val.ParserName = fmt.Sprintf("url->%s", val.ParserName)
	if val.Meta == nil {
		val.Meta = map[string]any{}
	}
	val.Meta["source_url"] = in.Name
	return fn.Ok(val)
}

func urlBaseName(rawURL, mime string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	name := strings.Trim(u.Path, "/")
	if name == "" {
		name = u.Host
	}
	if !strings.Contains(name, ".") {
		switch {
		case strings.Contains(mime, "markdown"):
			name += ".md"
		case strings.Contains(mime, "html"):
			name += ".html"
		default:
			name += ".txt"
		}
	}
	return name
}

var _ parser.Parser = (*Parser)(nil)
