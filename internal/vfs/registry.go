package vfs

import (
	"context"
	"strings"
	"sync"

	"github.com/kaitoreed/nvimhost/internal/rpcerr"
	"github.com/kaitoreed/nvimhost/internal/vfsaudit"
)

// ManagedBuffer associates an editor buffer number with the VFS URI that
// backs it, so a later write from the editor can be routed without the
// caller having to restate the backend name every time.
type ManagedBuffer struct {
	Bufnr   uint32
	URI     string
	Backend string
}

// Registry parses vfs://<backend>/<path> URIs and dispatches to whichever
// Backend was registered under <backend>. One Registry is created per
// session (spec.md §4.B: "per-session VFS registry"); backends themselves
// may be shared across sessions if they hold no per-session state.
type Registry struct {
	mu        sync.RWMutex
	backends  map[string]Backend
	buffers   map[uint32]ManagedBuffer
	sessionID string
	audit     *vfsaudit.Sink
}

// NewRegistry creates a Registry for the given session id, used to tag
// audit log rows if SetAudit is later called.
func NewRegistry(sessionID string) *Registry {
	return &Registry{
		backends:  make(map[string]Backend),
		buffers:   make(map[uint32]ManagedBuffer),
		sessionID: sessionID,
	}
}

// SetAudit wires an audit sink that every successful Write (and every
// sandbox rejection from any operation) gets recorded to. Optional — a Registry
// with no sink just skips recording.
func (r *Registry) SetAudit(sink *vfsaudit.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = sink
}

// recordAudit is best-effort: a failure to write the audit log never
// fails the VFS operation it's describing.
func (r *Registry) recordAudit(ctx context.Context, backend, path, op string, err error) {
	r.mu.RLock()
	sink := r.audit
	sessionID := r.sessionID
	r.mu.RUnlock()
	if sink == nil {
		return
	}
	if err == nil {
		if op != "write" {
			return
		}
		_ = sink.Record(ctx, sessionID, backend, path, op, vfsaudit.OutcomeAllowed, "")
		return
	}
	if kind, ok := rpcerr.As(err); ok && kind == rpcerr.Sandbox {
		_ = sink.Record(ctx, sessionID, backend, path, op, vfsaudit.OutcomeRejected, err.Error())
	}
}

// Register binds name to backend. Registering the same name twice
// replaces the previous binding — last writer wins, matching the donor's
// map-based "just insert" registration shape.
func (r *Registry) Register(name string, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = backend
}

// Parse splits a vfs://<backend>/<path> URI into its backend name and
// backend-relative path.
func Parse(uri string) (backend, path string, err error) {
	const prefix = "vfs://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", rpcerr.NewNotFound("vfs uri must start with vfs://: " + uri)
	}
	rest := uri[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", rpcerr.NewNotFound("vfs uri must be vfs://backend/path: " + uri)
	}
	return parts[0], parts[1], nil
}

func (r *Registry) lookup(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, rpcerr.NewNotFound("unknown vfs backend: " + name)
	}
	return b, nil
}

// Backend returns the backend registered under name, for callers that
// need to reach backend-specific behavior (e.g. LocalBackend.Dirty) not
// exposed through the generic Backend interface.
func (r *Registry) Backend(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

func (r *Registry) Read(ctx context.Context, uri string) ([]byte, error) {
	name, path, err := Parse(uri)
	if err != nil {
		return nil, err
	}
	backend, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	data, err := backend.Read(ctx, path)
	r.recordAudit(ctx, name, path, "read", err)
	return data, err
}

func (r *Registry) Write(ctx context.Context, uri string, data []byte) error {
	name, path, err := Parse(uri)
	if err != nil {
		return err
	}
	backend, err := r.lookup(name)
	if err != nil {
		return err
	}
	err = backend.Write(ctx, path, data)
	r.recordAudit(ctx, name, path, "write", err)
	return err
}

func (r *Registry) Stat(ctx context.Context, uri string) (FileStat, error) {
	name, path, err := Parse(uri)
	if err != nil {
		return FileStat{}, err
	}
	backend, err := r.lookup(name)
	if err != nil {
		return FileStat{}, err
	}
	stat, err := backend.Stat(ctx, path)
	r.recordAudit(ctx, name, path, "stat", err)
	return stat, err
}

func (r *Registry) List(ctx context.Context, uri string) ([]string, error) {
	name, path, err := Parse(uri)
	if err != nil {
		return nil, err
	}
	backend, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	names, err := backend.List(ctx, path)
	r.recordAudit(ctx, name, path, "list", err)
	return names, err
}

// RegisterBuffer associates bufnr with uri, requiring uri to parse
// (and its backend to exist) before accepting the association.
func (r *Registry) RegisterBuffer(bufnr uint32, uri string) error {
	name, _, err := Parse(uri)
	if err != nil {
		return err
	}
	if _, err := r.lookup(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[bufnr] = ManagedBuffer{Bufnr: bufnr, URI: uri, Backend: name}
	return nil
}

func (r *Registry) ManagedBuffer(bufnr uint32) (ManagedBuffer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.buffers[bufnr]
	return mb, ok
}

func (r *Registry) UnregisterBuffer(bufnr uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, bufnr)
}
