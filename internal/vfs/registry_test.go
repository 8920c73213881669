package vfs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kaitoreed/nvimhost/internal/vfsaudit"
)

func TestParse(t *testing.T) {
	cases := []struct {
		uri         string
		wantBackend string
		wantPath    string
		wantErr     bool
	}{
		{"vfs://local/foo/bar.txt", "local", "foo/bar.txt", false},
		{"vfs://local/", "", "", true},
		{"vfs://local", "", "", true},
		{"local/foo.txt", "", "", true},
	}
	for _, c := range cases {
		backend, path, err := Parse(c.uri)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", c.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", c.uri, err)
			continue
		}
		if backend != c.wantBackend || path != c.wantPath {
			t.Errorf("Parse(%q) = (%q, %q), want (%q, %q)", c.uri, backend, path, c.wantBackend, c.wantPath)
		}
	}
}

// TestRegistryReadWriteRoundTrip covers P2: a write followed by a read
// through the registry (parsing the URI fresh each time) returns the same
// bytes.
func TestRegistryReadWriteRoundTrip(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	r := NewRegistry("test-session")
	r.Register("local", lb)

	ctx := context.Background()
	if err := r.Write(ctx, "vfs://local/note.txt", []byte("remember this")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := r.Read(ctx, "vfs://local/note.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "remember this" {
		t.Fatalf("expected round trip, got %q", got)
	}
}

func TestRegistryUnknownBackend(t *testing.T) {
	r := NewRegistry("test-session")
	_, err := r.Read(context.Background(), "vfs://missing/a.txt")
	if err == nil {
		t.Fatal("expected error for unregistered backend")
	}
}

func TestRegistryManagedBuffers(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	r := NewRegistry("test-session")
	r.Register("local", lb)

	if err := r.RegisterBuffer(1, "vfs://local/a.txt"); err != nil {
		t.Fatalf("register buffer: %v", err)
	}
	mb, ok := r.ManagedBuffer(1)
	if !ok || mb.Backend != "local" {
		t.Fatalf("expected managed buffer, got %+v (ok=%v)", mb, ok)
	}

	r.UnregisterBuffer(1)
	if _, ok := r.ManagedBuffer(1); ok {
		t.Fatal("expected buffer to be unregistered")
	}
}

func TestRegistryRejectsUnresolvableBufferURI(t *testing.T) {
	r := NewRegistry("test-session")
	if err := r.RegisterBuffer(1, "not-a-vfs-uri"); err == nil {
		t.Fatal("expected error for malformed buffer uri")
	}
}

// TestRegistryAuditsWritesAndRejections covers the vfsaudit wiring: a
// successful write is logged as allowed, and a sandbox-escaping path is
// logged as rejected, both tagged with the registry's session id.
func TestRegistryAuditsWritesAndRejections(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	sink, err := vfsaudit.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit sink: %v", err)
	}
	defer sink.Close()

	r := NewRegistry("audit-session")
	r.Register("local", lb)
	r.SetAudit(sink)

	ctx := context.Background()
	if err := r.Write(ctx, "vfs://local/ok.txt", []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := r.Read(ctx, "vfs://local/..\\escape.txt"); err == nil {
		t.Fatal("expected sandboxed path to be rejected")
	}

	n, err := sink.RejectedCount(ctx, "audit-session")
	if err != nil {
		t.Fatalf("rejected count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one rejected event, got %d", n)
	}
}
