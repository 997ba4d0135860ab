// Package agfs implements the AGFS adapter: a uniform hierarchical,
// object-addressed filesystem over pluggable backends (SPEC_FULL.md §4.1).
package agfs

import (
	"context"
	"time"

	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

// DirEntry is one child returned by a backend's ReadDir.
type DirEntry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Stat is the raw existence/metadata probe a Backend must answer.
type Stat struct {
	Exists  bool
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Backend is the minimal uniform surface every storage medium (local disk,
// S3-like object store, remote HTTP service, graph database) must provide.
// FS builds the full §4.1 contract — hidden-file filtering, abstract/
// overview convenience readers, directory leases — on top of this.
type Backend interface {
	Read(ctx context.Context, u vkuri.URI) ([]byte, error)
	// Write stores data at u. If createOnly, the call fails with
	// ALREADY_EXISTS when u already names a file.
	Write(ctx context.Context, u vkuri.URI, data []byte, createOnly bool) error
	Mkdir(ctx context.Context, u vkuri.URI) error
	ReadDir(ctx context.Context, u vkuri.URI) ([]DirEntry, error)
	Stat(ctx context.Context, u vkuri.URI) (Stat, error)
	Remove(ctx context.Context, u vkuri.URI) error
	RemoveAll(ctx context.Context, u vkuri.URI) error
	// Move renames/relocates src to dst. Backends that cannot move
	// atomically (any cross-shard object store, graph adjacency rewrite)
	// implement it as copy-then-delete and return an error on any failure,
	// on which FS.Move places a .pending_cleanup marker.
	Move(ctx context.Context, src, dst vkuri.URI) error
}

// NodeInfo is the public {uri, is_dir, size, mtime, abstract?} shape named
// by ls/tree in §4.1/§6.
type NodeInfo struct {
	URI      vkuri.URI
	IsDir    bool
	Size     int64
	ModTime  time.Time
	Abstract *string
	Children []NodeInfo // populated only by Tree
}
