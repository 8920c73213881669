// Package wsconn implements the connection handler from spec.md §4.G: the
// browser-facing half of the bridge. One Handler serves every upgrade
// request; each accepted socket gets its own ingress/egress pump pair
// bound to a session.
//
// The coder/websocket call shape (Accept/Read/Write/Close) is grounded on
// the donor's internal/relay/pty_relay.go, though the envelope format and
// routing logic here are entirely different — that file only supplies the
// library's API surface, not its protocol.
package wsconn

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/kaitoreed/nvimhost/internal/frame"
	"github.com/kaitoreed/nvimhost/internal/ratelimit"
	"github.com/kaitoreed/nvimhost/internal/router"
	"github.com/kaitoreed/nvimhost/internal/rpcerr"
	"github.com/kaitoreed/nvimhost/internal/session"
	"github.com/kaitoreed/nvimhost/internal/vfs"
)

const (
	defaultCols = 80
	defaultRows = 24

	// redrawTimeout bounds how long the forced resize-on-reconnect request
	// (§4.G "Reconnection flow") may block before giving up; it must never
	// hold up the pump's own goroutines.
	redrawTimeout = 2 * time.Second
)

// Handler is an http.Handler that upgrades every request to a WebSocket
// and bridges it to a session. Construct one per listening bind address;
// it holds no per-connection state of its own.
type Handler struct {
	Store      *session.Store
	Origins    *OriginAllowlist
	RateLimits *ratelimit.Registry

	// RegisterVFS is invoked once, right after a brand-new session's
	// registry is created, so backends (local/http/git) get wired in
	// without the store itself needing to know about them.
	RegisterVFS func(*vfs.Registry)

	Log *slog.Logger

	// AcceptOptions overrides the default websocket.AcceptOptions. Origin
	// enforcement is always performed ourselves (see ServeHTTP), so
	// OriginPatterns is forced to allow everything regardless of what's
	// set here.
	AcceptOptions *websocket.AcceptOptions
}

func (h *Handler) logger() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}

// ServeHTTP implements the handshake steps of spec.md §4.G: accept,
// validate origin (accept-then-close on rejection), resolve/attach the
// session, send the first "session" frame, then run the duplex pump.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger()

	opts := h.AcceptOptions
	if opts == nil {
		opts = &websocket.AcceptOptions{}
	}
	// We enforce origin ourselves below, after the handshake completes —
	// matching real browser behaviour where a rejected upgrade can't carry
	// an application-level error (spec.md §4.G step 1).
	opts.OriginPatterns = []string{"*"}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	if origin := r.Header.Get("Origin"); !h.Origins.Allowed(origin) {
		log.Warn("rejecting disallowed origin", "origin", origin)
		conn.Close(websocket.StatusNormalClosure, "origin not allowed")
		return
	}

	sess, reconnect, err := h.resolveSession(ctx, r)
	if err != nil {
		log.Warn("session resolution failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "no such session")
		return
	}
	defer h.Store.Detach(sess.ID)

	if err := writeFrame(ctx, conn, frame.Notification("session", []any{sess.ID})); err != nil {
		log.Debug("failed to send session frame", "session_id", sess.ID, "err", err)
		return
	}

	limiter := h.RateLimits.For(sess.ID)
	rtr := router.New(sess, log)

	// Subscribing before issuing the forced redraw (below) means any
	// frames it provokes are seen by this connection — there is nothing
	// to "drain" here because Subscribe always hands back a fresh,
	// empty channel; unlike a shared broadcast buffer, a brand-new
	// subscriber can never see frames queued before it joined.
	fanOut, unsubscribe := sess.Supervisor.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	if reconnect {
		cols, rows := viewportFromQuery(r)
		g.Go(func() error {
			h.forceRedraw(gctx, sess, cols, rows)
			return nil
		})
	}

	g.Go(func() error { return ingress(gctx, conn, rtr, limiter, sess, log) })
	g.Go(func() error { return egress(gctx, conn, fanOut) })

	if err := g.Wait(); err != nil {
		log.Debug("connection ended", "session_id", sess.ID, "err", err)
		conn.Close(closeCodeFor(err), "closing")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// resolveSession implements spec.md §4.G step 2: session=new or absent
// creates a session, anything else attaches to an existing one. The
// second return value reports whether this was an attach to a
// pre-existing session (a reconnect) as opposed to a fresh one.
func (h *Handler) resolveSession(ctx context.Context, r *http.Request) (*session.Session, bool, error) {
	id := r.URL.Query().Get("session")
	if id == "" || id == "new" {
		s, err := h.Store.CreateNew(ctx)
		if err != nil {
			return nil, false, err
		}
		if h.RegisterVFS != nil {
			h.RegisterVFS(s.VFS)
		}
		return s, false, nil
	}
	s, err := h.Store.Attach(id)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// forceRedraw synthesises the resize request spec.md §4.G's reconnection
// flow calls for: it forces the editor to emit a full redraw so a
// reattaching browser gets a consistent screen without any server-side
// screen buffer. Failure is logged, not fatal — the connection stays up
// either way.
func (h *Handler) forceRedraw(ctx context.Context, sess *session.Session, cols, rows int) {
	reqCtx, cancel := context.WithTimeout(ctx, redrawTimeout)
	defer cancel()
	id := sess.Supervisor.NextHostRequestID()
	if _, err := sess.Supervisor.Request(reqCtx, id, "resize", []any{cols, rows}); err != nil {
		h.logger().Debug("forced redraw on reconnect failed", "session_id", sess.ID, "err", err)
	}
}

func viewportFromQuery(r *http.Request) (cols, rows int) {
	cols, rows = defaultCols, defaultRows
	if v, err := strconv.Atoi(r.URL.Query().Get("cols")); err == nil && v > 0 {
		cols = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("rows")); err == nil && v > 0 {
		rows = v
	}
	return cols, rows
}

// ingress reads browser frames, rate-limits, and routes them until the
// socket errors or the frame stream is malformed.
func ingress(ctx context.Context, conn *websocket.Conn, rtr *router.Router, limiter *ratelimit.Limiter, sess *session.Session, log *slog.Logger) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		in, err := frame.Unmarshal(data)
		if err != nil {
			return rpcerr.Wrap(rpcerr.Transport, "malformed frame from browser", err)
		}
		if !limiter.Allow() {
			// Policy-class: silently dropped, never surfaced (spec.md §4.D).
			continue
		}
		sess.Touch()

		switch in.Kind {
		case frame.KindRequest:
			resp, err := rtr.Handle(ctx, in)
			if err != nil {
				return err
			}
			if err := writeFrame(ctx, conn, resp); err != nil {
				return err
			}
		case frame.KindNotification:
			if _, err := rtr.Handle(ctx, in); err != nil {
				log.Debug("forwarding notification failed", "method", in.Method, "err", err)
			}
		case frame.KindResponse:
			// The host sends no requests to the browser, so no browser
			// Response can match a pending one: drop it.
			log.Debug("dropping unmatched response from browser", "id", in.ID)
		default:
			return rpcerr.NewTransport("unexpected frame kind from browser connection")
		}
	}
}

// egress relays the supervisor's fan-out to the socket until the
// subscription is torn down or the socket errors.
func egress(ctx context.Context, conn *websocket.Conn, fanOut <-chan frame.Frame) error {
	for {
		select {
		case f, ok := <-fanOut:
			if !ok {
				return nil
			}
			if err := writeFrame(ctx, conn, f); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame.Frame) error {
	body, err := frame.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, body)
}

// closeCodeFor maps an error kind to the closest WebSocket close code, so
// a browser can at least distinguish policy closures from transport
// failures (spec.md §7 "close frame with the close code indicating policy
// vs transport").
func closeCodeFor(err error) websocket.StatusCode {
	kind, ok := rpcerr.As(err)
	if !ok {
		return websocket.StatusInternalError
	}
	switch kind {
	case rpcerr.Policy:
		return websocket.StatusPolicyViolation
	case rpcerr.Transport:
		return websocket.StatusProtocolError
	default:
		return websocket.StatusInternalError
	}
}
