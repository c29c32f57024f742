package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gangwaybot/gangway/internal/handler"
	"github.com/gangwaybot/gangway/internal/proc"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrSessionLimit    = errors.New("session limit reached")
	ErrNotSwitchable   = errors.New("session is not switchable")
	ErrNoActiveSession = errors.New("no active session")
)

// Defaults for manager options.
const (
	DefaultMaxSessions    = 10
	DefaultSessionTimeout = 30 * time.Minute

	// reaperMaxSleep caps the reaper's inter-cycle sleep so persistence
	// and health checks still run on idle managers.
	reaperMaxSleep = 60 * time.Second
)

// Options configures a Manager.
type Options struct {
	MaxSessions    int
	SessionTimeout time.Duration
	DataDir        string

	// Handler is the transport configuration passed to every constructed
	// backend. Kind selects the backend for interactive sessions.
	Handler handler.Config
	Kind    handler.Kind

	// Notify, when set, receives session lifecycle events (created,
	// switched, terminated, reaped, errored). Must not block.
	Notify func(event, sessionID string)
}

func (o *Options) fillDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.Kind == "" {
		o.Kind = handler.KindSubprocess
	}
}

// Manager owns the session table. All table mutation goes through its
// methods; the reaper only evicts sessions it has health-checked itself.
type Manager struct {
	opts Options
	log  *slog.Logger

	// newHandler builds a transport backend. Overridable in tests.
	newHandler func() (handler.Handler, error)

	// creating caps simultaneous CreateSession calls at MaxSessions.
	creating *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*Session
	handlers map[string]handler.Handler
	activeID string
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. Sessions are not restored until Start.
func NewManager(opts Options, log *slog.Logger) *Manager {
	opts.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		opts:     opts,
		log:      log.With("component", "session-manager"),
		creating: semaphore.NewWeighted(int64(opts.MaxSessions)),
		sessions: make(map[string]*Session),
		handlers: make(map[string]handler.Handler),
	}
	m.newHandler = func() (handler.Handler, error) {
		return handler.New(m.opts.Kind, m.opts.Handler, m.log)
	}
	return m
}

// Start loads the persisted session table and launches the reaper.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	if err := m.loadPersisted(); err != nil {
		m.log.Warn("loading persisted sessions failed", "error", err)
	}

	reaperCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reap(reaperCtx)
	}()

	m.log.Info("manager started", "max_sessions", m.opts.MaxSessions,
		"session_timeout", m.opts.SessionTimeout, "restored", m.Count())
	return nil
}

// Stop cancels the reaper, terminates every live session and persists the
// table. Persistence failures are logged, never fatal.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	for _, id := range ids {
		if err := m.TerminateSession(ctx, id); err != nil {
			m.log.Warn("terminating session on stop failed", "session", id, "error", err)
		}
	}

	if err := m.persist(); err != nil {
		m.log.Warn("persisting session table on stop failed", "error", err)
	}
	m.log.Info("manager stopped")
	return nil
}

// SetNotify installs the lifecycle event callback. Call before Start.
func (m *Manager) SetNotify(fn func(event, sessionID string)) {
	m.opts.Notify = fn
}

func (m *Manager) notify(event, sessionID string) {
	if m.opts.Notify != nil {
		m.opts.Notify(event, sessionID)
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveSessionID returns the current active session id, or "".
func (m *Manager) ActiveSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// CreateSession validates the path, constructs a transport handler and
// starts it. On any failure mid-sequence it unwinds: the handler is
// cleaned up and the partially-inserted session removed. The new session
// becomes active; the previous active session stays alive, just no longer
// active.
func (m *Manager) CreateSession(ctx context.Context, projectPath, sessionID string) (*Session, error) {
	if !m.creating.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d sessions allowed", ErrSessionLimit, m.opts.MaxSessions)
	}
	defer m.creating.Release(1)

	abs, err := proc.ValidateWorkDir(projectPath)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d sessions allowed", ErrSessionLimit, m.opts.MaxSessions)
	}
	if sessionID != "" {
		if _, exists := m.sessions[sessionID]; exists {
			m.mu.Unlock()
			return nil, fmt.Errorf("creating session: id %s already live", sessionID)
		}
	}
	m.mu.Unlock()

	h, err := m.newHandler()
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if err := h.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	id, err := h.StartSession(ctx, abs, sessionID)
	if err != nil {
		if cerr := handler.Cleanup(ctx, h); cerr != nil && !errors.Is(cerr, handler.ErrNoSession) {
			m.log.Warn("cleanup after failed start", "error", cerr)
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	sess := newSession(id, abs)
	sess.Status = StatusActive

	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		if cerr := handler.Cleanup(ctx, h); cerr != nil {
			m.log.Warn("cleanup after limit race", "error", cerr)
		}
		return nil, fmt.Errorf("%w: %d sessions allowed", ErrSessionLimit, m.opts.MaxSessions)
	}
	m.sessions[id] = sess
	m.handlers[id] = h
	m.activeID = id
	m.mu.Unlock()

	m.log.Info("session created", "session", id, "project", abs)
	m.notify("created", id)
	return sess, nil
}

// SwitchSession makes an existing session active. Error-status sessions
// are not switchable; switching does not restart a dead process.
func (m *Manager) SwitchSession(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if sess.Status != StatusActive && sess.Status != StatusInactive {
		status := sess.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotSwitchable, id, status)
	}
	m.activeID = id
	sess.touch()
	m.mu.Unlock()

	m.log.Info("session switched", "session", id)
	m.notify("switched", id)
	return nil
}

// TerminateSession stops the session's handler and removes the session
// from the live table. If it was active, the most-recently-active
// remaining Active session is promoted; with none, no session is active.
func (m *Manager) TerminateSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	h := m.handlers[id]
	m.mu.Unlock()

	if h != nil {
		if err := handler.Cleanup(ctx, h); err != nil && !errors.Is(err, handler.ErrNoSession) {
			m.log.Warn("handler cleanup failed", "session", id, "error", err)
		}
	}

	m.mu.Lock()
	sess.Status = StatusInactive
	delete(m.sessions, id)
	delete(m.handlers, id)
	if m.activeID == id {
		m.activeID = m.promoteLocked()
	}
	m.mu.Unlock()

	m.log.Info("session terminated", "session", id)
	m.notify("terminated", id)
	return nil
}

// promoteLocked picks the most-recently-active session with status Active.
// Caller holds m.mu.
func (m *Manager) promoteLocked() string {
	var bestID string
	var bestAt time.Time
	for id, s := range m.sessions {
		if s.Status == StatusActive && s.LastActivity.After(bestAt) {
			bestID = id
			bestAt = s.LastActivity
		}
	}
	return bestID
}

// Summary is a point-in-time view of one session.
type Summary struct {
	ID           string
	ProjectPath  string
	ProjectName  string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time
	Active       bool
	Process      *handler.ProcessInfo
}

// processReporter is satisfied by backends that expose an OS process.
type processReporter interface {
	ProcessInfo() handler.ProcessInfo
}

// ListSessions returns summaries ordered by most-recent-activity first.
func (m *Manager) ListSessions() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.sessions))
	for id, s := range m.sessions {
		sum := Summary{
			ID:           s.ID,
			ProjectPath:  s.ProjectPath,
			ProjectName:  s.ProjectName,
			Status:       s.Status,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			Active:       id == m.activeID,
		}
		if pr, ok := m.handlers[id].(processReporter); ok {
			pi := pr.ProcessInfo()
			sum.Process = &pi
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// GetSession returns the session record for id.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}

// History returns a copy of the session's recorded turns. The active
// session is used when id is empty.
func (m *Manager) History(id string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = m.activeID
	}
	if id == "" {
		return nil, ErrNoActiveSession
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess.History(), nil
}

func (m *Manager) resolve(id string) (*Session, handler.Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = m.activeID
	}
	if id == "" {
		return nil, nil, ErrNoActiveSession
	}
	sess, ok := m.sessions[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, m.handlers[id], nil
}

// SendMessage relays text to the session (the active one when id is
// empty) and records the exchange in its history.
func (m *Manager) SendMessage(ctx context.Context, id, text string) (string, error) {
	sess, h, err := m.resolve(id)
	if err != nil {
		return "", err
	}

	resp, err := h.SendMessage(ctx, text)

	m.mu.Lock()
	sess.touch()
	sess.appendHistory("user", text)
	if err == nil {
		sess.appendHistory("assistant", resp)
	}
	m.mu.Unlock()

	if err != nil {
		return "", fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return resp, nil
}

// StreamMessage relays text and returns the handler's chunk stream. The
// full response is appended to history once the stream drains.
func (m *Manager) StreamMessage(ctx context.Context, id, text string) (<-chan string, error) {
	sess, h, err := m.resolve(id)
	if err != nil {
		return nil, err
	}

	stream, err := h.StreamMessage(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sess.ID, err)
	}

	m.mu.Lock()
	sess.touch()
	sess.appendHistory("user", text)
	m.mu.Unlock()

	out := make(chan string)
	go func() {
		defer close(out)
		var full []byte
		for chunk := range stream {
			full = append(full, chunk...)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		m.mu.Lock()
		sess.touch()
		if len(full) > 0 {
			sess.appendHistory("assistant", string(full))
		}
		m.mu.Unlock()
	}()
	return out, nil
}

// outputSource is satisfied by backends that expose raw output chunks.
type outputSource interface {
	OnOutput(fn func(chunk string)) (remove func())
}

// SubscribeOutput attaches fn to the session's raw output stream. The
// returned function detaches it. Backends without an output stream get a
// no-op detach and never invoke fn.
func (m *Manager) SubscribeOutput(id string, fn func(chunk string)) (func(), error) {
	m.mu.Lock()
	h, ok := m.handlers[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	m.mu.Unlock()

	if src, ok := h.(outputSource); ok {
		return src.OnOutput(fn), nil
	}
	return func() {}, nil
}

// HealthCheckSessions probes every bound handler. An unhealthy result
// demotes an Active session to Error; removal is the reaper's job.
func (m *Manager) HealthCheckSessions(ctx context.Context) {
	m.mu.Lock()
	type pair struct {
		sess *Session
		h    handler.Handler
	}
	pairs := make([]pair, 0, len(m.sessions))
	for id, s := range m.sessions {
		if h, ok := m.handlers[id]; ok && h != nil {
			pairs = append(pairs, pair{s, h})
		}
	}
	m.mu.Unlock()

	for _, p := range pairs {
		healthy := p.h.Healthy(ctx)
		m.mu.Lock()
		if !healthy && p.sess.Status == StatusActive {
			p.sess.Status = StatusError
			m.log.Warn("session demoted to error", "session", p.sess.ID)
			m.mu.Unlock()
			m.notify("errored", p.sess.ID)
			continue
		}
		m.mu.Unlock()
	}
}

// ExecuteNonInteractive runs a one-shot command through a throwaway
// handler without touching the session table or its limit.
func (m *Manager) ExecuteNonInteractive(ctx context.Context, command, projectPath string, timeout time.Duration) (*handler.CommandResult, error) {
	abs, err := proc.ValidateWorkDir(projectPath)
	if err != nil {
		return nil, err
	}

	h, err := m.newHandler()
	if err != nil {
		return nil, err
	}
	if err := h.Initialize(ctx); err != nil {
		return nil, err
	}

	if sp, ok := h.(*handler.Subprocess); ok {
		// Bind the working directory without spawning a session process.
		return sp.ExecuteCommandIn(ctx, abs, command, timeout)
	}
	return h.ExecuteCommand(ctx, command, timeout)
}

// reap runs while the manager is started: it sleeps until the nearest
// session-timeout deadline (capped at reaperMaxSleep), then health-checks,
// evicts every Reapable session whose inactivity exceeded the timeout, and
// persists the table. Cancellation interrupts the pending sleep.
func (m *Manager) reap(ctx context.Context) {
	for {
		sleep := m.nextDeadline()
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		m.HealthCheckSessions(ctx)

		cutoff := time.Now().Add(-m.opts.SessionTimeout)
		m.mu.Lock()
		var expired []string
		for id, s := range m.sessions {
			if s.Status.Reapable() && s.LastActivity.Before(cutoff) {
				expired = append(expired, id)
			}
		}
		m.mu.Unlock()

		for _, id := range expired {
			m.log.Info("reaping expired session", "session", id)
			if err := m.TerminateSession(ctx, id); err != nil {
				m.log.Warn("reaping failed", "session", id, "error", err)
			} else {
				m.notify("reaped", id)
			}
		}

		if err := m.persist(); err != nil {
			m.log.Warn("persisting session table failed", "error", err)
		}
	}
}

// nextDeadline computes how long the reaper may sleep: until the soonest
// Reapable session's timeout, at most reaperMaxSleep.
func (m *Manager) nextDeadline() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	sleep := reaperMaxSleep
	now := time.Now()
	for _, s := range m.sessions {
		if !s.Status.Reapable() {
			continue
		}
		until := s.LastActivity.Add(m.opts.SessionTimeout).Sub(now)
		if until < sleep {
			sleep = until
		}
	}
	if sleep < time.Second {
		sleep = time.Second
	}
	return sleep
}
