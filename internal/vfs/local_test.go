package vfs

import (
	"context"
	"testing"

	"github.com/kaitoreed/nvimhost/internal/rpcerr"
)

func TestLocalBackendReadWriteRoundTrip(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	ctx := context.Background()
	if err := lb.Write(ctx, "valid.txt", []byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := lb.Read(ctx, "valid.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
}

func TestLocalBackendRejectsBackslash(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	_, err = lb.Read(context.Background(), `foo\bar.txt`)
	if err == nil {
		t.Fatal("expected error for backslash path")
	}
	kind, ok := rpcerr.As(err)
	if !ok || kind != rpcerr.Sandbox {
		t.Fatalf("expected Sandbox kind, got %v (ok=%v)", kind, ok)
	}
}

func TestLocalBackendRejectsColon(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	_, err = lb.Read(context.Background(), "data:stream")
	if err == nil {
		t.Fatal("expected error for colon path")
	}
}

// TestLocalBackendBlocksTraversal covers P3: escaping the sandbox root is
// always rejected, both via a deep ../ chain and a single ../ step.
func TestLocalBackendBlocksTraversal(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	for _, path := range []string{"../../../etc/passwd", "../outside.txt"} {
		_, err := lb.Read(context.Background(), path)
		if err == nil {
			t.Fatalf("expected traversal of %q to be rejected", path)
		}
		kind, ok := rpcerr.As(err)
		if !ok || kind != rpcerr.Sandbox {
			t.Fatalf("path %q: expected Sandbox kind, got %v (ok=%v)", path, kind, ok)
		}
	}
}

func TestLocalBackendList(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	ctx := context.Background()
	if err := lb.Write(ctx, "a.txt", []byte("1")); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := lb.Write(ctx, "b.txt", []byte("2")); err != nil {
		t.Fatalf("write b: %v", err)
	}
	names, err := lb.List(ctx, ".")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 entries, got %v", names)
	}
}

func TestLocalBackendStat(t *testing.T) {
	lb, err := NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer lb.Close()

	ctx := context.Background()
	if err := lb.Write(ctx, "f.txt", []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	stat, err := lb.Stat(ctx, "f.txt")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !stat.IsFile || stat.IsDir || stat.Size != 5 {
		t.Fatalf("unexpected stat: %+v", stat)
	}
}
