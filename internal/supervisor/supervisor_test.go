package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kaitoreed/nvimhost/internal/frame"
	"github.com/kaitoreed/nvimhost/internal/rpcerr"
)

// fakeEditor stands in for a real editor subprocess: it reads frames off
// one end of an in-memory pipe and replies to every Request with a
// Response carrying the same id, echoing the request's params back as the
// result. Notifications are recorded but not replied to, matching real
// msgpack-rpc semantics.
type fakeEditor struct {
	received chan frame.Frame
	done     chan struct{}
	out      io.Writer
}

func startFakeEditor(editorIn io.Reader, editorOut io.Writer) *fakeEditor {
	fe := &fakeEditor{
		received: make(chan frame.Frame, 64),
		done:     make(chan struct{}),
		out:      editorOut,
	}
	go func() {
		defer close(fe.done)
		for {
			f, err := frame.ReadPipe(editorIn)
			if err != nil {
				return
			}
			fe.received <- f
			if f.Kind == frame.KindRequest {
				resp := frame.Response(f.ID, nil, f.Params)
				if err := frame.WritePipe(editorOut, resp); err != nil {
					return
				}
			}
		}
	}()
	return fe
}

// push sends a frame unprompted, standing in for the editor emitting a
// redraw notification of its own accord.
func (fe *fakeEditor) push(f frame.Frame) error {
	return frame.WritePipe(fe.out, f)
}

// newTestSupervisor wires a Supervisor onto a fake in-process editor and
// returns both, plus a teardown func.
func newTestSupervisor(t *testing.T) (*Supervisor, *fakeEditor) {
	t.Helper()
	hostToEditorR, hostToEditorW := io.Pipe()
	editorToHostR, editorToHostW := io.Pipe()

	fe := startFakeEditor(hostToEditorR, editorToHostW)

	wait := func() error {
		<-fe.done
		return nil
	}
	sup := NewFromPipes(hostToEditorW, editorToHostR, wait)
	t.Cleanup(func() { sup.Close() })
	return sup, fe
}

func TestSupervisorRequestResponseRoundTrip(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := sup.Request(ctx, sup.NextConnRequestID(), "ping", []any{"payload"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.ID == 0 {
		t.Fatal("expected a non-zero response id")
	}
	params, ok := resp.Result.([]any)
	if !ok || len(params) != 1 || params[0] != "payload" {
		t.Fatalf("expected echoed params, got %#v", resp.Result)
	}
}

// TestSupervisorBroadcastFanOut covers the redraw-notification path: a
// frame the editor emits unprompted (not a reply to any pending request)
// reaches every subscriber, not just one.
func TestSupervisorBroadcastFanOut(t *testing.T) {
	sup, fe := newTestSupervisor(t)

	ch1, unsub1 := sup.Subscribe()
	defer unsub1()
	ch2, unsub2 := sup.Subscribe()
	defer unsub2()

	if err := fe.push(frame.Notification("redraw", nil)); err != nil {
		t.Fatalf("push: %v", err)
	}

	for i, ch := range []<-chan frame.Frame{ch1, ch2} {
		select {
		case f := <-ch:
			if f.Method != "redraw" {
				t.Fatalf("subscriber %d: expected redraw, got %q", i, f.Method)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d: did not receive broadcast frame", i)
		}
	}
}

func TestSupervisorDeadAfterClose(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	sup.Close()

	select {
	case <-sup.DeadCh():
	case <-time.After(2 * time.Second):
		t.Fatal("expected supervisor to be marked dead after Close")
	}

	_, err := sup.Request(context.Background(), sup.NextConnRequestID(), "ping", nil)
	if err == nil {
		t.Fatal("expected error requesting against a dead supervisor")
	}
	if kind, ok := rpcerr.As(err); !ok || kind != rpcerr.Dead {
		t.Fatalf("expected Dead kind, got %v (ok=%v)", kind, ok)
	}
}

func TestSupervisorTimeout(t *testing.T) {
	// An editor that never answers: read once and stay silent.
	hostToEditorR, hostToEditorW := io.Pipe()
	editorToHostR, editorToHostW := io.Pipe()
	_ = editorToHostW
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4)
		io.ReadFull(hostToEditorR, buf) // consume the length prefix and stall
	}()

	sup := NewFromPipes(hostToEditorW, editorToHostR, func() error { <-done; return nil })
	defer sup.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := sup.Request(ctx, sup.NextConnRequestID(), "slow", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

// TestBroadcastDropsForSlowSubscriber covers spec.md §9's requirement that
// an artificially slow (here: never-drained) subscriber gets its excess
// frames dropped rather than stalling broadcast for everyone else.
func TestBroadcastDropsForSlowSubscriber(t *testing.T) {
	s := &Supervisor{
		subscribers: make(map[uint64]chan frame.Frame),
		log:         slog.Default(),
	}
	ch := make(chan frame.Frame, 1)
	s.subscribers[0] = ch

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			s.broadcast(frame.Notification("redraw", []any{i}))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber instead of dropping")
	}

	select {
	case f := <-ch:
		if f.Method != "redraw" {
			t.Fatalf("unexpected buffered frame: %+v", f)
		}
	default:
		t.Fatal("expected the first frame to have been buffered")
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected every later frame to be dropped, got %+v", extra)
	default:
	}
}

// TestDispatchDropsOrphanedResponse covers P7/spec.md §4.E: a Response
// whose id is no longer in the pending correlator map (its caller already
// gave up) must be dropped, never broadcast to every attached connection.
func TestDispatchDropsOrphanedResponse(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ch, unsub := sup.Subscribe()
	defer unsub()

	sup.dispatch(frame.Response(999, nil, nil))

	select {
	case f := <-ch:
		t.Fatalf("expected orphaned response to be dropped, got %+v", f)
	case <-time.After(200 * time.Millisecond):
	}
}
