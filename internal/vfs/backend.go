// Package vfs implements the virtual filesystem layer from spec.md §4.B:
// a URI grammar (vfs://<backend>/<path>), a pluggable Backend interface,
// and a Registry that parses URIs and dispatches to the named backend.
//
// This follows the "async VFS" design from the original host (crates/vfs),
// the layer the spec's Open Question picks over the older synchronous
// host/src/vfs split: one Backend interface, new backends added purely by
// registration.
package vfs

import "context"

// FileStat describes a file or directory, the result of Stat.
type FileStat struct {
	IsFile bool
	IsDir  bool
	Size   int64
}

// Backend is implemented by every storage provider reachable through a
// vfs:// URI. Implementations must be safe for concurrent use — the
// registry makes no attempt to serialize calls to a single backend.
type Backend interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Stat(ctx context.Context, path string) (FileStat, error)
	List(ctx context.Context, path string) ([]string, error)
}
