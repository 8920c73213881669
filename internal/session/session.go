// Package session implements the session lifecycle manager from spec.md
// §4.C: a store of live editor sessions keyed by a 128-bit id, a client
// attach-count used to decide staleness, and an idle reaper that runs on
// the same cadence as the original host's ws cleanup task
// (original_source's crates/host/src/ws/mod.rs ticks every 60 seconds).
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/kaitoreed/nvimhost/internal/rpcerr"
	"github.com/kaitoreed/nvimhost/internal/supervisor"
	"github.com/kaitoreed/nvimhost/internal/vfs"
)

// DefaultIdleTimeout is how long a session with zero attached clients is
// kept alive before the reaper tears it down (spec.md §4.C).
const DefaultIdleTimeout = time.Hour

// ReapInterval is how often the store sweeps for stale sessions.
const ReapInterval = 60 * time.Second

// Session is one live editor subprocess plus the bookkeeping needed to
// decide when it's safe to tear down.
type Session struct {
	ID         string
	Supervisor *supervisor.Supervisor
	VFS        *vfs.Registry

	createdAt time.Time

	mu           sync.Mutex
	clientCount  int
	lastActivity time.Time

	settingsMu sync.RWMutex
	settings   map[string]any
}

func newSession(id string, sup *supervisor.Supervisor, defaults map[string]any) *Session {
	now := time.Now()
	settings := make(map[string]any, len(defaults))
	for k, v := range defaults {
		settings[k] = v
	}
	return &Session{
		ID:           id,
		Supervisor:   sup,
		VFS:          vfs.NewRegistry(id),
		createdAt:    now,
		lastActivity: now,
		settings:     settings,
	}
}

// SettingGet returns a single setting by key, the underlying value from
// internal/config's defaults if never overridden for this session.
func (s *Session) SettingGet(key string) (any, bool) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	v, ok := s.settings[key]
	return v, ok
}

// SettingSet overrides a setting for the lifetime of this session only —
// settings never persist across sessions or restarts.
func (s *Session) SettingSet(key string, value any) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings[key] = value
}

// SettingsAll returns a copy of every setting currently in effect.
func (s *Session) SettingsAll() map[string]any {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	out := make(map[string]any, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out
}

// Touch records activity, resetting the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// attach increments the attached-client count and returns the new count.
func (s *Session) attach() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientCount++
	s.lastActivity = time.Now()
	return s.clientCount
}

// detach decrements the attached-client count and returns the new count.
func (s *Session) detach() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientCount > 0 {
		s.clientCount--
	}
	s.lastActivity = time.Now()
	return s.clientCount
}

// stale reports whether this session should be reaped: zero attached
// clients and past the idle timeout, or its supervisor has already died.
func (s *Session) stale(now time.Time, idleTimeout time.Duration) bool {
	if s.Supervisor.Dead() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCount == 0 && now.Sub(s.lastActivity) > idleTimeout
}

func (s *Session) idleDuration(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// SpawnFunc starts a new editor subprocess for a freshly created session.
// Store takes this as a constructor argument rather than hard-coding
// os/exec.Command so tests can substitute a fake subprocess.
type SpawnFunc func(ctx context.Context) (*supervisor.Supervisor, error)

// Store is the session lifecycle manager: a map from session id to
// *Session, guarded by a lock that prefers writers (create/reap/close)
// over readers (attach/detach/get) when contended — Go's sync.RWMutex already gives readers
// no special priority over a blocked writer, satisfying that requirement
// without anything bespoke.
type Store struct {
	mu              sync.RWMutex
	sessions        map[string]*Session
	spawn           SpawnFunc
	idleTimeout     time.Duration
	settingDefaults map[string]any
	log             *slog.Logger

	stopReaper chan struct{}
}

// NewStore creates a session store. idleTimeout <= 0 uses
// DefaultIdleTimeout. A background reaper goroutine is started
// immediately; call Close to stop it.
func NewStore(spawn SpawnFunc, idleTimeout time.Duration, log *slog.Logger) *Store {
	return NewStoreWithDefaults(spawn, idleTimeout, nil, log)
}

// NewStoreWithDefaults is NewStore plus a set of settings every new
// session's per-session settings map is seeded from (spec.md's
// settings_get/settings_set/settings_all local namespace).
func NewStoreWithDefaults(spawn SpawnFunc, idleTimeout time.Duration, settingDefaults map[string]any, log *slog.Logger) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	st := &Store{
		sessions:        make(map[string]*Session),
		spawn:           spawn,
		idleTimeout:     idleTimeout,
		settingDefaults: settingDefaults,
		log:             log,
		stopReaper:      make(chan struct{}),
	}
	go st.reapLoop()
	return st
}

// newID mints an opaque 128-bit session identifier rendered as a 32-hex
// string (spec.md §3), matching the donor's use of google/uuid for
// identifiers elsewhere in the stack.
func newID() string {
	id := uuid.New()
	return hexNoDashes(id)
}

func hexNoDashes(id uuid.UUID) string {
	buf := make([]byte, 32)
	const hexDigits = "0123456789abcdef"
	for i, b := range id {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}

// CreateNew spawns a fresh editor subprocess and registers it under a new
// session id.
func (st *Store) CreateNew(ctx context.Context) (*Session, error) {
	sup, err := st.spawn(ctx)
	if err != nil {
		return nil, err
	}
	id := newID()
	s := newSession(id, sup, st.settingDefaults)

	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()

	st.log.Info("session created", "session_id", id)
	return s, nil
}

// Attach increments the client count on an existing, live session.
// Returns NotFound if the id is unknown, Dead if its supervisor has
// exited.
func (st *Store) Attach(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, rpcerr.NewNotFound("no such session: " + id)
	}
	if s.Supervisor.Dead() {
		return nil, rpcerr.NewDead("session's editor subprocess has exited: " + id)
	}
	s.attach()
	return s, nil
}

// Detach decrements the client count on id. It is a no-op if id is
// unknown (the session may already have been reaped).
func (st *Store) Detach(id string) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		s.detach()
	}
}

// Get returns the session for id without affecting its client count.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Count returns the number of live sessions, used by tests and
// diagnostics.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// CleanupStale tears down and removes every session that is stale right
// now: zero attached clients past the idle timeout, or a dead supervisor.
// Returns the ids reaped.
func (st *Store) CleanupStale() []string {
	now := time.Now()

	st.mu.Lock()
	var toReap []*Session
	for id, s := range st.sessions {
		if s.stale(now, st.idleTimeout) {
			toReap = append(toReap, s)
			delete(st.sessions, id)
		}
	}
	st.mu.Unlock()

	reaped := make([]string, 0, len(toReap))
	for _, s := range toReap {
		idle := s.idleDuration(now)
		st.log.Info("reaping session",
			"session_id", s.ID,
			"idle_for", humanize.Time(now.Add(-idle)),
			"dead", s.Supervisor.Dead(),
		)
		_ = s.Supervisor.Close()
		reaped = append(reaped, s.ID)
	}
	return reaped
}

func (st *Store) reapLoop() {
	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.CleanupStale()
		case <-st.stopReaper:
			return
		}
	}
}

// Close stops the reaper loop and tears down every remaining session.
func (st *Store) Close() {
	close(st.stopReaper)
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, s := range sessions {
		_ = s.Supervisor.Close()
	}
}
