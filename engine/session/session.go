// Package session implements SessionStore and MemoryExtractor
// (SPEC_FULL.md §4.8): an append-only conversation log that, on commit,
// is LLM-distilled into a memory tree routed through TreeBuilder.
// Grounded on other_examples' go-mizu-mizu blueprints-bot memory.go
// MemoryManager (content-hash dedup, chunk/index-then-search shape) for
// the workspace-memory pipeline idea, and on the teacher's
// engine/ingest/ingest.go idempotent-retry framing for the commit state
// machine.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/apperr"
	"github.com/LinQiang391/OpenViking/engine/treebuilder"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
	"github.com/LinQiang391/OpenViking/pkg/summariser"
)

// Role is a Message's speaker (§3 Session).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one append-only log entry.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

// State is the §3 Session state machine: open -> committing ->
// committed (terminal), or open -> deleted.
type State string

const (
	StateOpen       State = "open"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateDeleted    State = "deleted"
)

// Category is one of the four memory artefact sub-nodes (§3 Memory
// artefact).
type Category string

const (
	CategoryPreferences Category = "preferences"
	CategoryFacts       Category = "facts"
	CategoryEvents      Category = "events"
	CategoryCases       Category = "cases"
)

var validCategories = map[Category]bool{
	CategoryPreferences: true, CategoryFacts: true, CategoryEvents: true, CategoryCases: true,
}

// Candidate is one distilled memory fact the summariser proposes during
// commit (§4.8 step 3).
type Candidate struct {
	Category Category `json:"category"`
	Text     string   `json:"text"`
}

// CommitResult is returned by Commit and cached for idempotent re-calls
// (§4.8 step 4, §8 property 4).
type CommitResult struct {
	SessionID string    `json:"session_id"`
	TargetURI vkuri.URI `json:"target_uri"`
	Extracted int       `json:"extracted"`
}

type meta struct {
	SessionID string        `json:"session_id"`
	CreatedAt time.Time     `json:"created_at"`
	State     State         `json:"state"`
	Result    *CommitResult `json:"result,omitempty"`
}

// SystemRoot is the §6 "Persisted state layout" sessions prefix.
var SystemRoot = vkuri.MustParse("viking://.system/sessions")

func logURI(id string) (vkuri.URI, error) {
	root, err := SystemRoot.Join(id)
	if err != nil {
		return "", err
	}
	return root.Join("log.jsonl")
}

func stateURI(id string) (vkuri.URI, error) {
	root, err := SystemRoot.Join(id)
	if err != nil {
		return "", err
	}
	return root.Join("state.json")
}

// Store persists an append-only log of messages per session_id under
// viking://.system/sessions/<id>/log.jsonl (§4.8).
type Store struct {
	fs         *agfs.FS
	summariser summariser.Summariser
	builder    *treebuilder.TreeBuilder

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// New builds a Store.
func New(fs *agfs.FS, s summariser.Summariser, builder *treebuilder.TreeBuilder) *Store {
	return &Store{fs: fs, summariser: s, builder: builder, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) readMeta(ctx context.Context, id string) (meta, error) {
	u, err := stateURI(id)
	if err != nil {
		return meta{}, err
	}
	data, err := s.fs.Read(ctx, u)
	if err != nil {
		return meta{}, apperr.Wrap(apperr.NotFound, "session "+id, err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}, apperr.Wrap(apperr.DependencyError, "decode session state "+id, err)
	}
	return m, nil
}

func (s *Store) writeMeta(ctx context.Context, m meta) error {
	u, err := stateURI(m.SessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.fs.Write(ctx, u, data, agfs.WriteOpts{})
}

// Create starts a new open session and returns its id.
func (s *Store) Create(ctx context.Context) (string, error) {
	id := uuid.NewString()
	dir, err := SystemRoot.Join(id)
	if err != nil {
		return "", err
	}
	if err := s.fs.Mkdir(ctx, dir); err != nil {
		return "", apperr.Wrap(apperr.DependencyError, "create session dir", err)
	}
	if err := s.writeMeta(ctx, meta{SessionID: id, CreatedAt: time.Now(), State: StateOpen}); err != nil {
		return "", err
	}
	return id, nil
}

// Append adds one message (§5 "Sessions are append-only before commit").
func (s *Store) Append(ctx context.Context, id string, role Role, content string) error {
	m, err := s.readMeta(ctx, id)
	if err != nil {
		return err
	}
	if m.State != StateOpen {
		return apperr.New(apperr.InvalidArgument, fmt.Sprintf("session %s is %s, not open", id, m.State))
	}
	u, err := logURI(id)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Message{Role: role, Content: content, TS: time.Now()})
	if err != nil {
		return err
	}
	existing, rerr := s.fs.Read(ctx, u)
	if rerr != nil {
		existing = nil
	}
	updated := append(existing, append(line, '\n')...)
	return s.fs.Write(ctx, u, updated, agfs.WriteOpts{})
}

// List returns every message appended so far, in order.
func (s *Store) List(ctx context.Context, id string) ([]Message, error) {
	u, err := logURI(id)
	if err != nil {
		return nil, err
	}
	data, err := s.fs.Read(ctx, u)
	if err != nil {
		return nil, nil
	}
	var out []Message
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Delete marks a session deleted (§3 "open -> deleted").
func (s *Store) Delete(ctx context.Context, id string) error {
	m, err := s.readMeta(ctx, id)
	if err != nil {
		return err
	}
	m.State = StateDeleted
	return s.writeMeta(ctx, m)
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string, idx int) string {
	out := slugRe.ReplaceAllString(strings.ToLower(s), "-")
	out = strings.Trim(out, "-")
	if out == "" || len(out) > 48 {
		if len(out) > 48 {
			out = out[:48]
		}
		if out == "" {
			out = fmt.Sprintf("memory-%d", idx)
		}
	}
	return out
}

// Commit runs §4.8 steps 1-7. Serialised per session (§5): a second
// commit on an already-committed session returns the cached result
// without re-running distillation (§8 property 4, §7 "extracted = 0
// rather than failing").
func (s *Store) Commit(ctx context.Context, id string) (CommitResult, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.readMeta(ctx, id)
	if err != nil {
		return CommitResult{}, err
	}
	if m.State == StateCommitted && m.Result != nil {
		return *m.Result, nil
	}
	if m.State == StateDeleted {
		return CommitResult{}, apperr.New(apperr.NotFound, "session "+id+" was deleted")
	}

	m.State = StateCommitting
	if err := s.writeMeta(ctx, m); err != nil {
		return CommitResult{}, err
	}

	messages, err := s.List(ctx, id)
	if err != nil {
		return CommitResult{}, err
	}

	candidates, err := s.distil(ctx, messages)
	if err != nil {
		return CommitResult{}, apperr.Wrap(apperr.DependencyError, "distil session "+id, err)
	}

	result := CommitResult{SessionID: id, Extracted: len(candidates)}
	if len(candidates) > 0 {
		target, err := s.writeCandidates(ctx, id, candidates)
		if err != nil {
			return CommitResult{}, err
		}
		result.TargetURI = target
	}

	m.State = StateCommitted
	m.Result = &result
	if err := s.writeMeta(ctx, m); err != nil {
		return CommitResult{}, err
	}
	return result, nil
}

// distil asks the summariser to produce memory candidates from the whole
// transcript (§4.8 step 3). Empty distillation is valid.
func (s *Store) distil(ctx context.Context, messages []Message) ([]Candidate, error) {
	if s.summariser == nil || len(messages) == 0 {
		return nil, nil
	}
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	prompt := "Distil durable memory candidates (preferences, facts, events, cases) from this conversation. " +
		"Reply as JSON: a list of {\"category\": ..., \"text\": ...}. If nothing durable was said, reply \"[]\".\n\n" + b.String()
	res, err := s.summariser.Summarise(ctx, prompt, nil, summariser.DefaultOptions())
	if err != nil {
		return nil, err
	}
	var candidates []Candidate
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Text)), &candidates); err != nil {
		// Non-JSON distillation output is treated as "nothing durable"
		// rather than a hard failure (§7 "extracted = 0 rather than
		// failing").
		return nil, nil
	}
	out := candidates[:0]
	for _, c := range candidates {
		if validCategories[c.Category] && strings.TrimSpace(c.Text) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// writeCandidates materialises each candidate under a scratch tree and
// hands it to TreeBuilder with scope=user (§4.8 step 4-5).
func (s *Store) writeCandidates(ctx context.Context, sessionID string, candidates []Candidate) (vkuri.URI, error) {
	tempRoot := vkuri.NewTempRoot(uuid.NewString())
	docName := "session-" + sessionID
	docRoot, err := tempRoot.Join(docName)
	if err != nil {
		return "", err
	}
	if err := s.fs.Mkdir(ctx, tempRoot); err != nil {
		return "", err
	}
	if err := s.fs.Mkdir(ctx, docRoot); err != nil {
		return "", err
	}

	counts := make(map[Category]int)
	for _, c := range candidates {
		catDir, err := docRoot.Join(string(c.Category))
		if err != nil {
			return "", err
		}
		if counts[c.Category] == 0 {
			if err := s.fs.Mkdir(ctx, catDir); err != nil {
				return "", err
			}
		}
		idx := counts[c.Category]
		counts[c.Category]++
		slug := slugify(c.Text, idx)
		fileURI, err := catDir.Join(fmt.Sprintf("%s.md", slug))
		if err != nil {
			return "", err
		}
		body := fmt.Sprintf("---\nsession_id: %s\nextracted_at: %s\ncategory: %s\n---\n\n%s\n",
			sessionID, time.Now().UTC().Format(time.RFC3339), c.Category, c.Text)
		if err := s.fs.Write(ctx, fileURI, []byte(body), agfs.WriteOpts{}); err != nil {
			return "", err
		}
	}

	return s.builder.Promote(ctx, tempRoot, treebuilder.ScopeUser)
}
