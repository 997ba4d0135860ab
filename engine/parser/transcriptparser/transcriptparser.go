// Package transcriptparser normalises a list of timed utterances into
// canonical markdown sections by speaker turn, generalized from
// engine/scraper/transcript.go's timed-text handling away from
// YouTube-innertube specifics to a generic []Utterance input — fetching a
// transcript from a particular provider stays out of scope.
package transcriptparser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LinQiang391/OpenViking/engine/parser"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/fn"
)

// Utterance is one speaker turn in a transcript, timestamped from the
// start of the recording.
type Utterance struct {
	Speaker string
	Start   time.Duration
	Text    string
}

// Transcript is the input accepted by Parser — not a file format, so it
// cannot be dispatched by name/mime/sniff like other parsers; callers
// invoke ParseTranscript directly with already-decoded utterances.
type Transcript struct {
	Title      string
	Utterances []Utterance
}

type Parser struct{}

func New() *Parser { return &Parser{} }

func (p *Parser) Name() string { return "transcript" }

// CanHandle never matches via the registry dispatch path; transcripts
// arrive pre-decoded through ParseTranscript.
func (p *Parser) CanHandle(name, mime string, sniff []byte) bool { return false }

func (p *Parser) Parse(ctx context.Context, in parser.Input) fn.Result[parser.ParseResult] {
	return fn.Errf[parser.ParseResult]("transcriptparser: use ParseTranscript, not registry dispatch")
}

// ParseTranscript converts a Transcript into canonical markdown (one
// section per contiguous speaker run) and writes it through the same
// splitting policy as any other text input.
func (p *Parser) ParseTranscript(ctx context.Context, in parser.Input, t Transcript) fn.Result[parser.ParseResult] {
	text := renderMarkdown(t)

	tempRoot := vkuri.NewTempRoot(uuid.NewString())
	if err := in.FS.Mkdir(ctx, tempRoot); err != nil {
		return fn.Err[parser.ParseResult](err)
	}

	title := t.Title
	if title == "" {
		title = in.Name
	}
	slug := parser.DocSlug(title)
	docRoot, err := parser.WriteDocument(ctx, in.FS, tempRoot, slug, title, text, in.Config)
	if err != nil {
		return fn.Err[parser.ParseResult](err)
	}

	return fn.Ok(parser.ParseResult{
		TempDirURI:   tempRoot,
		SourceFormat: "transcript",
		ParserName:   p.Name(),
		Meta: map[string]any{
			"document_root": string(docRoot),
			"utterances":    len(t.Utterances),
		},
	})
}

// renderMarkdown groups consecutive utterances by the same speaker into
// one "## Speaker @ timestamp" section each, mirroring how
// transcript.go's legacy/srv3 parsing collapses captions into prose.
func renderMarkdown(t Transcript) string {
	var b strings.Builder
	if t.Title != "" {
		b.WriteString("# " + t.Title + "\n\n")
	}
	var speaker string
	var section strings.Builder
	var sectionStart time.Duration
	flush := func() {
		if section.Len() == 0 {
			return
		}
		b.WriteString(fmt.Sprintf("## %s @ %s\n\n", speaker, formatTimestamp(sectionStart)))
		b.WriteString(strings.TrimSpace(section.String()))
		b.WriteString("\n\n")
		section.Reset()
	}
	for _, u := range t.Utterances {
		if u.Speaker != speaker {
			flush()
			speaker = u.Speaker
			sectionStart = u.Start
		}
		section.WriteString(strings.TrimSpace(u.Text))
		section.WriteString(" ")
	}
	flush()
	return b.String()
}

func formatTimestamp(d time.Duration) string {
	total := int(d.Seconds())
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

var _ parser.Parser = (*Parser)(nil)
