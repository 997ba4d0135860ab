// Package localfs is the local-disk AGFS backend: each URI maps directly
// to a file or directory under a root, mirrored path-for-path, with
// atomic writes via a same-directory temp file + rename.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

// Backend implements agfs.Backend over the local filesystem.
type Backend struct {
	root string
}

// New roots the backend at dir, which is created if absent.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localfs: mkdir root: %w", err)
	}
	return &Backend{root: dir}, nil
}

func (b *Backend) path(u vkuri.URI) string {
	rest := strings.TrimPrefix(string(u), "viking://")
	return filepath.Join(b.root, filepath.FromSlash(rest))
}

func (b *Backend) Read(_ context.Context, u vkuri.URI) ([]byte, error) {
	data, err := os.ReadFile(b.path(u))
	if err != nil {
		return nil, fmt.Errorf("localfs read %s: %w", u, err)
	}
	return data, nil
}

func (b *Backend) Write(_ context.Context, u vkuri.URI, data []byte, createOnly bool) error {
	p := b.path(u)
	if createOnly {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("localfs write %s: %w", u, fs.ErrExist)
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("localfs write %s: mkdir parent: %w", u, err)
	}
	tmp := filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("localfs write %s: %w", u, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("localfs write %s: rename: %w", u, err)
	}
	return nil
}

func (b *Backend) Mkdir(_ context.Context, u vkuri.URI) error {
	if err := os.MkdirAll(b.path(u), 0o755); err != nil {
		return fmt.Errorf("localfs mkdir %s: %w", u, err)
	}
	return nil
}

func (b *Backend) ReadDir(_ context.Context, u vkuri.URI) ([]agfs.DirEntry, error) {
	entries, err := os.ReadDir(b.path(u))
	if err != nil {
		return nil, fmt.Errorf("localfs readdir %s: %w", u, err)
	}
	out := make([]agfs.DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, agfs.DirEntry{
			Name:    e.Name(),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return out, nil
}

func (b *Backend) Stat(_ context.Context, u vkuri.URI) (agfs.Stat, error) {
	info, err := os.Stat(b.path(u))
	if errors.Is(err, fs.ErrNotExist) {
		return agfs.Stat{Exists: false}, nil
	}
	if err != nil {
		return agfs.Stat{}, fmt.Errorf("localfs stat %s: %w", u, err)
	}
	return agfs.Stat{Exists: true, IsDir: info.IsDir(), Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (b *Backend) Remove(_ context.Context, u vkuri.URI) error {
	if err := os.Remove(b.path(u)); err != nil {
		return fmt.Errorf("localfs remove %s: %w", u, err)
	}
	return nil
}

func (b *Backend) RemoveAll(_ context.Context, u vkuri.URI) error {
	if err := os.RemoveAll(b.path(u)); err != nil {
		return fmt.Errorf("localfs removeall %s: %w", u, err)
	}
	return nil
}

func (b *Backend) Move(_ context.Context, src, dst vkuri.URI) error {
	dstPath := b.path(dst)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("localfs move %s->%s: mkdir parent: %w", src, dst, err)
	}
	if err := os.Rename(b.path(src), dstPath); err != nil {
		// Cross-device rename: fall back to copy-then-delete.
		if copyErr := copyTree(b.path(src), dstPath); copyErr != nil {
			return fmt.Errorf("localfs move %s->%s: %w", src, dst, copyErr)
		}
		if err := os.RemoveAll(b.path(src)); err != nil {
			return fmt.Errorf("localfs move %s->%s: cleanup source: %w", src, dst, err)
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
