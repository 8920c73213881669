// Package router classifies inbound frames per spec.md §4.H: some
// methods are served locally without ever reaching the editor subprocess
// (the "local namespace" — VFS, settings, cwd info, clipboard ack);
// everything else is forwarded to the session's supervisor and
// correlated back to the browser connection that asked for it.
//
// The local-namespace method set is lifted directly from
// original_source's crates/protocol/src/messages.rs InternalMethod enum.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kaitoreed/nvimhost/internal/frame"
	"github.com/kaitoreed/nvimhost/internal/rpcerr"
	"github.com/kaitoreed/nvimhost/internal/session"
)

// localMethods is the closed set of RPC methods this router answers
// itself instead of forwarding to the editor subprocess.
var localMethods = map[string]bool{
	"vfs_open":                true,
	"vfs_write":               true,
	"vfs_list":                true,
	"settings_get":            true,
	"settings_set":            true,
	"settings_all":            true,
	"get_cwd_info":            true,
	"clipboard_read_response": true,
}

// IsLocal reports whether method is served locally rather than forwarded.
func IsLocal(method string) bool {
	return localMethods[method]
}

// Router answers local-namespace requests for one session and forwards
// everything else to that session's supervisor.
type Router struct {
	sess *session.Session
	log  *slog.Logger
}

func New(sess *session.Session, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{sess: sess, log: log}
}

// Handle answers f if it's a local-namespace Request, or forwards it to
// the supervisor (Request and Notification alike) otherwise. For a
// forwarded Request, the returned Frame is the supervisor's Response,
// re-tagged with f's original id so the caller can relay it straight back
// to the browser connection that asked.
//
// Handle never touches Response frames arriving from a browser connection
// — the host sends no requests to the browser, so the connection layer
// drops any such Response before it reaches the router.
func (r *Router) Handle(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	switch f.Kind {
	case frame.KindRequest:
		if IsLocal(f.Method) {
			result, err := r.dispatchLocal(ctx, f.Method, f.Params)
			if err != nil {
				return frame.Response(f.ID, toRPCError(err), nil), nil
			}
			return frame.Response(f.ID, nil, result), nil
		}
		return r.forwardRequest(ctx, f)
	case frame.KindNotification:
		return frame.Frame{}, r.sess.Supervisor.Notify(ctx, f.Method, f.Params)
	default:
		return frame.Frame{}, fmt.Errorf("router: unexpected frame kind %s from browser connection", f.Kind)
	}
}

func (r *Router) forwardRequest(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	wireID := r.sess.Supervisor.NextConnRequestID()
	resp, err := r.sess.Supervisor.Request(ctx, wireID, f.Method, f.Params)
	if err != nil {
		return frame.Response(f.ID, toRPCError(err), nil), nil
	}
	// Re-tag with the browser's original id — the supervisor only ever
	// saw the namespaced wireID.
	return frame.Response(f.ID, resp.Error, resp.Result), nil
}

func toRPCError(err error) *frame.RPCError {
	kind, ok := rpcerr.As(err)
	if !ok {
		return &frame.RPCError{Kind: rpcerr.Transport.String(), Detail: err.Error()}
	}
	return &frame.RPCError{Kind: kind.String(), Detail: err.Error()}
}

func (r *Router) dispatchLocal(ctx context.Context, method string, params any) (any, error) {
	args, _ := params.([]any)
	switch method {
	case "vfs_open":
		uri, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		data, err := r.sess.VFS.Read(ctx, uri)
		if err != nil {
			return nil, err
		}
		return map[string]any{"content": data}, nil

	case "vfs_write":
		uri, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		data, err := bytesArg(args, 1)
		if err != nil {
			return nil, err
		}
		if err := r.sess.VFS.Write(ctx, uri, data); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case "vfs_list":
		uri, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		entries, err := r.sess.VFS.List(ctx, uri)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries}, nil

	case "settings_get":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		v, ok := r.sess.SettingGet(key)
		if !ok {
			return nil, rpcerr.NewNotFound("unknown setting: " + key)
		}
		return map[string]any{"value": v}, nil

	case "settings_set":
		key, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, rpcerr.NewTransport("settings_set requires a value argument")
		}
		r.sess.SettingSet(key, args[1])
		return map[string]any{"ok": true}, nil

	case "settings_all":
		return r.sess.SettingsAll(), nil

	case "get_cwd_info":
		return r.cwdInfo()

	case "clipboard_read_response":
		// The host has no system clipboard of its own (browser-owned, out
		// of scope); this is a pass-through correlating the browser's
		// payload back to the editor as a notification.
		if len(args) == 0 {
			return nil, rpcerr.NewTransport("clipboard_read_response requires a payload")
		}
		if err := r.sess.Supervisor.Notify(ctx, "clipboard_read", args[0]); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	default:
		return nil, rpcerr.NewNotFound("unknown local method: " + method)
	}
}

// dirtier is implemented by VFS backends (LocalBackend) that can report
// out-of-band filesystem changes via fsnotify.
type dirtier interface {
	Dirty(path string) bool
}

func (r *Router) cwdInfo() (any, error) {
	dir := r.sess.Supervisor.Dir()
	stale := false
	if backend, ok := r.sess.VFS.Backend("local"); ok {
		if d, ok := backend.(dirtier); ok {
			stale = d.Dirty(".")
		}
	}
	return map[string]any{"cwd": dir, "stale": stale}, nil
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", rpcerr.NewTransport("missing argument")
	}
	s, ok := args[i].(string)
	if !ok {
		return "", rpcerr.NewTransport("expected string argument")
	}
	return s, nil
}

func bytesArg(args []any, i int) ([]byte, error) {
	if i >= len(args) {
		return nil, rpcerr.NewTransport("missing argument")
	}
	switch v := args[i].(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, rpcerr.NewTransport("expected byte-string argument")
	}
}
