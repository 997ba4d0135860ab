// Package treebuilder implements TreeBuilder (SPEC_FULL.md §4.4): the
// only path by which external content enters the stable namespace. It
// atomically promotes a scratch tree into a target scope and enqueues
// semantic work. Grounded on the teacher's engine/ingest/ingest.go
// NewStore stage (the "only path into the stable namespace" framing) and
// the AGFS.Move contract.
package treebuilder

import (
	"context"
	"fmt"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	"github.com/LinQiang391/OpenViking/engine/apperr"
	"github.com/LinQiang391/OpenViking/engine/semanticqueue"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

// Scope selects which stable-namespace base a promoted document lands
// under (§4.4 step 2).
type Scope string

const (
	ScopeResources Scope = "resources"
	ScopeUser      Scope = "user"
	ScopeAgent     Scope = "agent"
)

func (s Scope) baseURI() (vkuri.URI, error) {
	switch s {
	case ScopeResources:
		return vkuri.ResourcesRoot, nil
	case ScopeUser:
		return vkuri.UserMemoriesRoot, nil
	case ScopeAgent:
		return vkuri.AgentSkillsRoot, nil
	default:
		return "", apperr.New(apperr.InvalidArgument, fmt.Sprintf("unknown scope %q", s))
	}
}

func (s Scope) jobKind() semanticqueue.Kind {
	switch s {
	case ScopeUser:
		return semanticqueue.KindMemory
	case ScopeAgent:
		return semanticqueue.KindSkill
	default:
		return semanticqueue.KindResource
	}
}

// TreeBuilder promotes scratch trees into the permanent namespace.
type TreeBuilder struct {
	fs    *agfs.FS
	queue *semanticqueue.Queue
}

// New builds a TreeBuilder over fs, enqueuing discovered work onto queue.
func New(fs *agfs.FS, queue *semanticqueue.Queue) *TreeBuilder {
	return &TreeBuilder{fs: fs, queue: queue}
}

// Promote runs §4.4 steps 1-5: find the scratch tree's single document
// root, compute a unique target URI under scope, move the subtree, delete
// the scratch root, and enqueue a SemanticJob for the target.
func (t *TreeBuilder) Promote(ctx context.Context, tempDirURI vkuri.URI, scope Scope) (vkuri.URI, error) {
	base, err := scope.baseURI()
	if err != nil {
		return "", err
	}

	entries, err := t.fs.Ls(ctx, tempDirURI, agfs.LsOpts{})
	if err != nil {
		return "", apperr.Wrap(apperr.DependencyError, "list scratch tree "+string(tempDirURI), err)
	}
	var docDirs []agfs.NodeInfo
	for _, e := range entries {
		if e.IsDir {
			docDirs = append(docDirs, e)
		}
	}
	if len(docDirs) != 1 {
		return "", apperr.New(apperr.InvariantViolation,
			fmt.Sprintf("scratch tree %s must contain exactly one top-level directory, found %d", tempDirURI, len(docDirs)))
	}
	docRoot := docDirs[0]

	target, err := t.uniqueTarget(ctx, base, docRoot.URI.Name())
	if err != nil {
		return "", err
	}

	if err := t.fs.Move(ctx, docRoot.URI, target); err != nil {
		return "", err // already wrapped DEPENDENCY_ERROR/PARTIAL_FAILURE by FS.Move
	}

	if err := t.fs.Delete(ctx, tempDirURI, agfs.DeleteOpts{Recursive: true}); err != nil {
		return "", apperr.Wrap(apperr.DependencyError, "delete scratch root "+string(tempDirURI), err)
	}

	if t.queue != nil {
		if _, err := t.queue.Enqueue(ctx, target, scope.jobKind(), nil); err != nil {
			return "", apperr.Wrap(apperr.DependencyError, "enqueue semantic job for "+string(target), err)
		}
	}

	return target, nil
}

// uniqueTarget computes base/name, appending the smallest positive
// integer suffix that makes it unique (§4.4 step 2) — ingesting the same
// source path twice therefore yields two distinct target URIs, per the
// §5 no-implicit-dedup ordering guarantee.
func (t *TreeBuilder) uniqueTarget(ctx context.Context, base vkuri.URI, name string) (vkuri.URI, error) {
	candidate, err := base.Join(name)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, "join target name", err)
	}
	st, err := t.fs.Stat(ctx, candidate)
	if err != nil {
		return "", apperr.Wrap(apperr.DependencyError, "stat "+string(candidate), err)
	}
	if !st.Exists {
		return candidate, nil
	}
	for n := 1; ; n++ {
		suffixed, err := base.Join(fmt.Sprintf("%s-%d", name, n))
		if err != nil {
			return "", err
		}
		st, err := t.fs.Stat(ctx, suffixed)
		if err != nil {
			return "", apperr.Wrap(apperr.DependencyError, "stat "+string(suffixed), err)
		}
		if !st.Exists {
			return suffixed, nil
		}
	}
}
