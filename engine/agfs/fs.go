package agfs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/LinQiang391/OpenViking/engine/apperr"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

const (
	AbstractFile = ".abstract.md"
	OverviewFile = ".overview.md"
	pendingMark  = ".pending_cleanup"
)

// LsOpts controls ls/tree listing behaviour.
type LsOpts struct {
	Recursive     bool
	IncludeHidden bool
	NodeLimit     int
}

// WriteOpts controls write semantics.
type WriteOpts struct {
	CreateOnly bool
}

// DeleteOpts controls delete semantics.
type DeleteOpts struct {
	Recursive bool
}

// FS wraps a Backend and implements the full §4.1 contract: hidden-file
// filtering, the .abstract.md/.overview.md convenience readers, and
// directory-level leases around move/recursive-delete (§5 "cross-URI
// operations ... acquire a directory-level lease").
type FS struct {
	backend Backend

	leaseMu sync.Mutex
	leases  map[vkuri.URI]*sync.Mutex
}

// New wraps backend in an FS.
func New(backend Backend) *FS {
	return &FS{backend: backend, leases: make(map[vkuri.URI]*sync.Mutex)}
}

func (f *FS) lease(u vkuri.URI) *sync.Mutex {
	f.leaseMu.Lock()
	defer f.leaseMu.Unlock()
	l, ok := f.leases[u]
	if !ok {
		l = &sync.Mutex{}
		f.leases[u] = l
	}
	return l
}

// Read returns the raw bytes of a file node.
func (f *FS) Read(ctx context.Context, u vkuri.URI) ([]byte, error) {
	b, err := f.backend.Read(ctx, u)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, fmt.Sprintf("read %s", u), err)
	}
	return b, nil
}

// Write stores data at u, atomically at node granularity.
func (f *FS) Write(ctx context.Context, u vkuri.URI, data []byte, opts WriteOpts) error {
	if err := f.backend.Write(ctx, u, data, opts.CreateOnly); err != nil {
		if opts.CreateOnly {
			return apperr.Wrap(apperr.AlreadyExists, fmt.Sprintf("write %s", u), err)
		}
		return apperr.Wrap(apperr.DependencyError, fmt.Sprintf("write %s", u), err)
	}
	return nil
}

// Stat probes existence and kind.
func (f *FS) Stat(ctx context.Context, u vkuri.URI) (Stat, error) {
	st, err := f.backend.Stat(ctx, u)
	if err != nil {
		return Stat{}, apperr.Wrap(apperr.DependencyError, fmt.Sprintf("stat %s", u), err)
	}
	return st, nil
}

// Ls lists direct (or, if Recursive, all descendant) children of u,
// lexicographically ordered by URI.
func (f *FS) Ls(ctx context.Context, u vkuri.URI, opts LsOpts) ([]NodeInfo, error) {
	var out []NodeInfo
	if err := f.walk(ctx, u, opts, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	if opts.NodeLimit > 0 && len(out) > opts.NodeLimit {
		out = out[:opts.NodeLimit]
	}
	return out, nil
}

func (f *FS) walk(ctx context.Context, u vkuri.URI, opts LsOpts, out *[]NodeInfo) error {
	entries, err := f.backend.ReadDir(ctx, u)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, fmt.Sprintf("ls %s", u), err)
	}
	for _, e := range entries {
		if !opts.IncludeHidden && strings.HasPrefix(e.Name, ".") {
			continue
		}
		child, jerr := u.Join(e.Name)
		if jerr != nil {
			continue
		}
		ni := NodeInfo{URI: child, IsDir: e.IsDir, Size: e.Size, ModTime: e.ModTime}
		if e.IsDir {
			if abs, aerr := f.Abstract(ctx, child); aerr == nil {
				ni.Abstract = &abs
			}
		}
		*out = append(*out, ni)
		if e.IsDir && opts.Recursive {
			if err := f.walk(ctx, child, opts, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tree returns a nested structure with the same fields as Ls.
func (f *FS) Tree(ctx context.Context, u vkuri.URI, depth int, nodeLimit int) (NodeInfo, error) {
	st, err := f.Stat(ctx, u)
	if err != nil {
		return NodeInfo{}, err
	}
	if !st.Exists {
		return NodeInfo{}, apperr.New(apperr.NotFound, fmt.Sprintf("tree %s", u))
	}
	root := NodeInfo{URI: u, IsDir: st.IsDir, Size: st.Size, ModTime: st.ModTime}
	if st.IsDir {
		if abs, aerr := f.Abstract(ctx, u); aerr == nil {
			root.Abstract = &abs
		}
	}
	count := 0
	if st.IsDir && depth != 0 {
		if err := f.treeChildren(ctx, &root, depth, nodeLimit, &count); err != nil {
			return NodeInfo{}, err
		}
	}
	return root, nil
}

func (f *FS) treeChildren(ctx context.Context, node *NodeInfo, depth, nodeLimit int, count *int) error {
	entries, err := f.backend.ReadDir(ctx, node.URI)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, fmt.Sprintf("tree %s", node.URI), err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name, ".") {
			continue
		}
		if nodeLimit > 0 && *count >= nodeLimit {
			return nil
		}
		child, jerr := node.URI.Join(e.Name)
		if jerr != nil {
			continue
		}
		ci := NodeInfo{URI: child, IsDir: e.IsDir, Size: e.Size, ModTime: e.ModTime}
		if e.IsDir {
			if abs, aerr := f.Abstract(ctx, child); aerr == nil {
				ci.Abstract = &abs
			}
			if depth < 0 || depth > 1 {
				nextDepth := depth
				if depth > 0 {
					nextDepth = depth - 1
				}
				if err := f.treeChildren(ctx, &ci, nextDepth, nodeLimit, count); err != nil {
					return err
				}
			}
		}
		*count++
		node.Children = append(node.Children, ci)
	}
	return nil
}

// Delete removes u; cascades only when opts.Recursive.
func (f *FS) Delete(ctx context.Context, u vkuri.URI, opts DeleteOpts) error {
	if opts.Recursive {
		l := f.lease(u)
		l.Lock()
		defer l.Unlock()
		if err := f.backend.RemoveAll(ctx, u); err != nil {
			return apperr.Wrap(apperr.DependencyError, fmt.Sprintf("delete %s", u), err)
		}
		return nil
	}
	entries, err := f.backend.ReadDir(ctx, u)
	if err == nil && len(entries) > 0 {
		return apperr.New(apperr.InvalidArgument, fmt.Sprintf("%s is non-empty; pass recursive", u))
	}
	if err := f.backend.Remove(ctx, u); err != nil {
		return apperr.Wrap(apperr.NotFound, fmt.Sprintf("delete %s", u), err)
	}
	return nil
}

// Move relocates src to dst. For directories this may be best-effort
// copy-then-delete at the backend level; on irrecoverable partial failure
// a .pending_cleanup marker is left at the highest affected directory
// (§4.4 step 3, §9 Open Question 4) and PARTIAL_FAILURE is reported via
// DependencyError with that code embedded in the message.
func (f *FS) Move(ctx context.Context, src, dst vkuri.URI) error {
	srcLease, dstLease := f.lease(src), f.lease(dst)
	srcLease.Lock()
	defer srcLease.Unlock()
	if dst != src {
		dstLease.Lock()
		defer dstLease.Unlock()
	}

	if st, err := f.backend.Stat(ctx, dst); err == nil && st.Exists {
		return apperr.New(apperr.AlreadyExists, fmt.Sprintf("move destination %s exists", dst))
	}

	if err := f.backend.Move(ctx, src, dst); err != nil {
		marker, _ := src.Join(pendingMark)
		_ = f.backend.Write(ctx, marker, []byte(fmt.Sprintf("partial move %s -> %s: %v", src, dst, err)), false)
		return apperr.Wrap(apperr.DependencyError, "PARTIAL_FAILURE", err)
	}
	return nil
}

// ListPendingCleanup scans for unresolved .pending_cleanup markers left by
// a partially-failed move. No automatic sweep runs (§9 Open Question 4);
// this exists purely for an operator to act on.
func (f *FS) ListPendingCleanup(ctx context.Context, root vkuri.URI) ([]vkuri.URI, error) {
	var found []vkuri.URI
	var walk func(vkuri.URI) error
	walk = func(u vkuri.URI) error {
		entries, err := f.backend.ReadDir(ctx, u)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			child, jerr := u.Join(e.Name)
			if jerr != nil {
				continue
			}
			if e.Name == pendingMark {
				found = append(found, u)
				continue
			}
			if e.IsDir {
				_ = walk(child)
			}
		}
		return nil
	}
	_ = walk(root)
	return found, nil
}

// Abstract returns the directory's .abstract.md, or NOT_PROCESSED if
// semantic processing has not completed.
func (f *FS) Abstract(ctx context.Context, dir vkuri.URI) (string, error) {
	p, err := dir.Join(AbstractFile)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, "abstract", err)
	}
	b, err := f.backend.Read(ctx, p)
	if err != nil {
		return "", apperr.Wrap(apperr.NotProcessed, fmt.Sprintf("abstract %s", dir), err)
	}
	return string(b), nil
}

// Overview returns the directory's .overview.md, or NOT_PROCESSED.
func (f *FS) Overview(ctx context.Context, dir vkuri.URI) (string, error) {
	p, err := dir.Join(OverviewFile)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, "overview", err)
	}
	b, err := f.backend.Read(ctx, p)
	if err != nil {
		return "", apperr.Wrap(apperr.NotProcessed, fmt.Sprintf("overview %s", dir), err)
	}
	return string(b), nil
}

// WriteSemanticArtefacts writes .overview.md then .abstract.md in that
// order, so a reader observing .abstract.md also observes .overview.md
// (§4.5 step 6, §5 "within one directory" ordering guarantee).
func (f *FS) WriteSemanticArtefacts(ctx context.Context, dir vkuri.URI, overview, abstract string) error {
	ov, err := dir.Join(OverviewFile)
	if err != nil {
		return err
	}
	ab, err := dir.Join(AbstractFile)
	if err != nil {
		return err
	}
	if err := f.Write(ctx, ov, []byte(overview), WriteOpts{}); err != nil {
		return err
	}
	return f.Write(ctx, ab, []byte(abstract), WriteOpts{})
}

// Mkdir creates a directory node, including parents.
func (f *FS) Mkdir(ctx context.Context, u vkuri.URI) error {
	if err := f.backend.Mkdir(ctx, u); err != nil {
		return apperr.Wrap(apperr.DependencyError, fmt.Sprintf("mkdir %s", u), err)
	}
	return nil
}
