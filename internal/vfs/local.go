package vfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kaitoreed/nvimhost/internal/rpcerr"
)

// LocalBackend maps vfs://local/<path> onto a real filesystem subtree
// rooted at Root. All reads/writes are confined to Root: resolve rejects
// any path that canonicalizes outside it.
//
// Blocking file I/O is offloaded to a small worker pool so a slow disk or
// network filesystem never stalls the connection/router goroutines that
// share this backend (spec.md §4.B).
type LocalBackend struct {
	root string
	pool *workerPool

	watcher  *fsnotify.Watcher
	dirtyMu  sync.Mutex
	dirty    map[string]bool
}

// NewLocalBackend creates a backend rooted at root, creating the
// directory if it doesn't already exist. The returned backend watches
// root for out-of-band changes (edits made outside the editor
// subprocess) so get_cwd_info can report staleness.
func NewLocalBackend(root string) (*LocalBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Fatal, "resolve vfs root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, rpcerr.Wrap(rpcerr.Fatal, "create vfs root", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		canonical = abs
	}

	lb := &LocalBackend{
		root:  canonical,
		pool:  newWorkerPool(4),
		dirty: make(map[string]bool),
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		_ = watcher.Add(canonical)
		lb.watcher = watcher
		go lb.watchLoop()
	}
	return lb, nil
}

func (lb *LocalBackend) watchLoop() {
	for {
		select {
		case ev, ok := <-lb.watcher.Events:
			if !ok {
				return
			}
			lb.dirtyMu.Lock()
			lb.dirty[ev.Name] = true
			lb.dirtyMu.Unlock()
		case _, ok := <-lb.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Dirty reports whether path has changed on disk since it was last read
// through this backend, via the fsnotify watch. Used by get_cwd_info to
// set its freshness flag.
func (lb *LocalBackend) Dirty(path string) bool {
	resolved, err := lb.resolve(path)
	if err != nil {
		return false
	}
	lb.dirtyMu.Lock()
	defer lb.dirtyMu.Unlock()
	return lb.dirty[resolved]
}

func (lb *LocalBackend) Close() error {
	if lb.watcher != nil {
		return lb.watcher.Close()
	}
	return nil
}

// resolve maps a VFS-relative path onto an absolute filesystem path
// guaranteed to live under lb.root, or returns a Sandbox error. Ported
// from the original host's LocalFs::resolve: reject backslashes and
// colons outright (Windows path syntax has no meaning here and is the
// easiest traversal vector to smuggle through), then canonicalize the
// existing target — or, for a path that doesn't exist yet, canonicalize
// its parent and rejoin the filename — and verify the result still has
// root as a prefix.
func (lb *LocalBackend) resolve(path string) (string, error) {
	if strings.ContainsRune(path, '\\') {
		return "", rpcerr.NewSandbox("backslashes not allowed in vfs paths")
	}
	if strings.ContainsRune(path, ':') {
		return "", rpcerr.NewSandbox("colon not allowed in vfs paths")
	}

	trimmed := strings.TrimPrefix(path, "/")
	target := filepath.Join(lb.root, trimmed)

	var resolved string
	if _, err := os.Lstat(target); err == nil {
		real, err := filepath.EvalSymlinks(target)
		if err != nil {
			return "", rpcerr.Wrap(rpcerr.Transport, "resolve path", err)
		}
		resolved = real
	} else {
		parent := filepath.Dir(target)
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", rpcerr.Wrap(rpcerr.Transport, "create parent directory", err)
		}
		realParent, err := filepath.EvalSymlinks(parent)
		if err != nil {
			return "", rpcerr.Wrap(rpcerr.Transport, "resolve parent directory", err)
		}
		resolved = filepath.Join(realParent, filepath.Base(target))
	}

	rel, err := filepath.Rel(lb.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", rpcerr.NewSandbox("path escapes sandbox root: " + path)
	}
	return resolved, nil
}

func (lb *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	resolved, err := lb.resolve(path)
	if err != nil {
		return nil, err
	}
	return submit(ctx, lb.pool, func() ([]byte, error) {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.NotFound, "read file", err)
		}
		return data, nil
	})
}

func (lb *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	resolved, err := lb.resolve(path)
	if err != nil {
		return err
	}
	lb.dirtyMu.Lock()
	delete(lb.dirty, resolved)
	lb.dirtyMu.Unlock()
	_, err = submit(ctx, lb.pool, func() (struct{}, error) {
		if err := os.WriteFile(resolved, data, 0o644); err != nil {
			return struct{}{}, rpcerr.Wrap(rpcerr.Transport, "write file", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (lb *LocalBackend) Stat(ctx context.Context, path string) (FileStat, error) {
	resolved, err := lb.resolve(path)
	if err != nil {
		return FileStat{}, err
	}
	return submit(ctx, lb.pool, func() (FileStat, error) {
		info, err := os.Stat(resolved)
		if err != nil {
			return FileStat{}, rpcerr.Wrap(rpcerr.NotFound, "stat file", err)
		}
		return FileStat{IsFile: !info.IsDir(), IsDir: info.IsDir(), Size: info.Size()}, nil
	})
}

func (lb *LocalBackend) List(ctx context.Context, path string) ([]string, error) {
	resolved, err := lb.resolve(path)
	if err != nil {
		return nil, err
	}
	return submit(ctx, lb.pool, func() ([]string, error) {
		dirEntries, err := os.ReadDir(resolved)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.NotFound, "list directory", err)
		}
		names := make([]string, 0, len(dirEntries))
		for _, e := range dirEntries {
			names = append(names, e.Name())
		}
		return names, nil
	})
}
