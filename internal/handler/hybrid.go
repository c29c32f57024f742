package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between backend switches.
const DefaultCooldown = 60 * time.Second

// errSwitchRefused marks a fallback attempt that was declined; the caller
// then surfaces the operation's original error instead.
var errSwitchRefused = errors.New("backend switch refused")

// Hybrid composes a subprocess backend and an RPC backend. Exactly one is
// active at a time; failed operations may switch to the other backend and
// retry once, gated by a cooldown to prevent flapping.
type Hybrid struct {
	cfg Config
	log *slog.Logger

	sub Handler
	rpc Handler

	mu          sync.Mutex
	active      Kind
	subReady    bool
	rpcReady    bool
	lastSwitch  time.Time
	sessionID   string
	projectPath string
}

// NewHybrid creates a hybrid handler over fresh subprocess and RPC
// backends. Neither is initialized until Initialize.
func NewHybrid(cfg Config, log *slog.Logger) *Hybrid {
	if log == nil {
		log = slog.Default()
	}
	return newHybridWith(NewSubprocess(cfg, log), NewRPC(cfg, log), cfg, log)
}

func newHybridWith(sub, rpc Handler, cfg Config, log *slog.Logger) *Hybrid {
	if cfg.Prefer == "" {
		cfg.Prefer = KindSubprocess
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Hybrid{
		cfg: cfg,
		log: log.With("handler", KindHybrid),
		sub: sub,
		rpc: rpc,
	}
}

// Initialize brings up the preferred backend, falling back to the other if
// the preferred one fails. When both fail the error names both causes.
func (c *Hybrid) Initialize(ctx context.Context) error {
	first, second := c.cfg.Prefer, c.other(c.cfg.Prefer)

	firstErr := c.backend(first).Initialize(ctx)
	if firstErr == nil {
		c.mu.Lock()
		c.active = first
		c.markReady(first)
		c.mu.Unlock()
		c.log.Info("backend initialized", "active", first)
		return nil
	}
	if !c.cfg.FallbackEnabled {
		return fmt.Errorf("initializing %s backend: %w", first, firstErr)
	}

	c.log.Warn("preferred backend failed, trying fallback", "preferred", first, "error", firstErr)
	if secondErr := c.backend(second).Initialize(ctx); secondErr != nil {
		return fmt.Errorf("both backends failed: %s: %v; %s: %v", first, firstErr, second, secondErr)
	}

	c.mu.Lock()
	c.active = second
	c.markReady(second)
	c.mu.Unlock()
	c.log.Info("backend initialized", "active", second, "preferred_error", firstErr)
	return nil
}

func (c *Hybrid) backend(k Kind) Handler {
	if k == KindRPC {
		return c.rpc
	}
	return c.sub
}

func (c *Hybrid) other(k Kind) Kind {
	if k == KindRPC {
		return KindSubprocess
	}
	return KindRPC
}

func (c *Hybrid) markReady(k Kind) {
	if k == KindRPC {
		c.rpcReady = true
	} else {
		c.subReady = true
	}
}

func (c *Hybrid) isReady(k Kind) bool {
	if k == KindRPC {
		return c.rpcReady
	}
	return c.subReady
}

func (c *Hybrid) activeBackend() (Handler, Kind, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == "" {
		return nil, "", fmt.Errorf("hybrid handler not initialized")
	}
	return c.backend(c.active), c.active, nil
}

// switchActive moves the active backend to the alternate, lazily
// initializing it when needed. A switch within the cooldown window is
// refused.
func (c *Hybrid) switchActive(ctx context.Context) (Handler, error) {
	if !c.cfg.FallbackEnabled {
		return nil, errSwitchRefused
	}

	c.mu.Lock()
	if since := time.Since(c.lastSwitch); since < c.cfg.Cooldown && !c.lastSwitch.IsZero() {
		c.mu.Unlock()
		c.log.Warn("switch refused by cooldown", "since_last", since)
		return nil, errSwitchRefused
	}
	target := c.other(c.active)
	ready := c.isReady(target)
	sessionID, projectPath := c.sessionID, c.projectPath
	c.mu.Unlock()

	alt := c.backend(target)
	if !ready {
		if err := alt.Initialize(ctx); err != nil {
			c.log.Warn("alternate backend failed to initialize", "target", target, "error", err)
			return nil, errSwitchRefused
		}
	}

	// Re-bind the current session so the retried operation has one to act
	// on. Best effort: the retry itself reports any remaining failure.
	if sessionID != "" {
		if _, err := alt.StartSession(ctx, projectPath, sessionID); err != nil {
			c.log.Warn("session re-bind on switch failed", "target", target, "error", err)
		}
	}

	c.mu.Lock()
	c.markReady(target)
	c.active = target
	c.lastSwitch = time.Now()
	c.mu.Unlock()

	c.log.Info("switched active backend", "active", target)
	return alt, nil
}

// withFallback runs op on the active backend; on failure it attempts one
// switch-and-retry. A refused switch surfaces the original error; a failed
// retry surfaces the retry's error.
func (c *Hybrid) withFallback(ctx context.Context, op func(Handler) error) error {
	h, kind, err := c.activeBackend()
	if err != nil {
		return err
	}

	opErr := op(h)
	if opErr == nil {
		return nil
	}

	c.log.Warn("operation failed on active backend", "active", kind, "error", opErr)
	alt, switchErr := c.switchActive(ctx)
	if switchErr != nil {
		return opErr
	}
	return op(alt)
}

// StartSession starts a session on the active backend and records it for
// re-binding across switches.
func (c *Hybrid) StartSession(ctx context.Context, projectPath, sessionID string) (string, error) {
	var id string
	err := c.withFallback(ctx, func(h Handler) error {
		var err error
		id, err = h.StartSession(ctx, projectPath, sessionID)
		return err
	})
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.sessionID = id
	c.projectPath = projectPath
	c.mu.Unlock()
	return id, nil
}

func (c *Hybrid) SendMessage(ctx context.Context, text string) (string, error) {
	var resp string
	err := c.withFallback(ctx, func(h Handler) error {
		var err error
		resp, err = h.SendMessage(ctx, text)
		return err
	})
	return resp, err
}

// StreamMessage applies fallback only when opening the stream; a failure
// after the first chunk is not retried.
func (c *Hybrid) StreamMessage(ctx context.Context, text string) (<-chan string, error) {
	var stream <-chan string
	err := c.withFallback(ctx, func(h Handler) error {
		var err error
		stream, err = h.StreamMessage(ctx, text)
		return err
	})
	return stream, err
}

// EndSession ends the session on the active backend only; no fallback, an
// unreachable backend has nothing left to end.
func (c *Hybrid) EndSession(ctx context.Context) error {
	h, _, err := c.activeBackend()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = ""
	c.projectPath = ""
	c.mu.Unlock()
	return h.EndSession(ctx)
}

// SessionInfo reports the active backend's session.
func (c *Hybrid) SessionInfo() SessionInfo {
	h, _, err := c.activeBackend()
	if err != nil {
		return SessionInfo{Backend: KindHybrid}
	}
	return h.SessionInfo()
}

// Healthy reports the active backend's health.
func (c *Hybrid) Healthy(ctx context.Context) bool {
	h, _, err := c.activeBackend()
	if err != nil {
		return false
	}
	return h.Healthy(ctx)
}

func (c *Hybrid) ContextInfo(ctx context.Context) (ContextInfo, error) {
	var info ContextInfo
	err := c.withFallback(ctx, func(h Handler) error {
		var err error
		info, err = h.ContextInfo(ctx)
		return err
	})
	return info, err
}

func (c *Hybrid) ClearContext(ctx context.Context) error {
	return c.withFallback(ctx, func(h Handler) error {
		return h.ClearContext(ctx)
	})
}

func (c *Hybrid) AddContextFile(ctx context.Context, path, content string) error {
	return c.withFallback(ctx, func(h Handler) error {
		return h.AddContextFile(ctx, path, content)
	})
}

func (c *Hybrid) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	var res *CommandResult
	err := c.withFallback(ctx, func(h Handler) error {
		var err error
		res, err = h.ExecuteCommand(ctx, command, timeout)
		return err
	})
	return res, err
}

// Capabilities merges both backends' capabilities when both initialized
// successfully; otherwise reports the active backend's unmodified.
func (c *Hybrid) Capabilities() Capabilities {
	c.mu.Lock()
	both := c.subReady && c.rpcReady
	active := c.active
	c.mu.Unlock()

	if both {
		return mergeCapabilities(c.sub.Capabilities(), c.rpc.Capabilities())
	}
	if active == "" {
		active = c.cfg.Prefer
	}
	return c.backend(active).Capabilities()
}

// OnOutput taps the active backend's raw output stream when it exposes
// one. Backends without a stream get a no-op removal.
func (c *Hybrid) OnOutput(fn func(chunk string)) (remove func()) {
	h, _, err := c.activeBackend()
	if err != nil {
		return func() {}
	}
	if src, ok := h.(interface {
		OnOutput(fn func(chunk string)) (remove func())
	}); ok {
		return src.OnOutput(fn)
	}
	return func() {}
}

// ActiveBackend reports which backend is currently serving operations.
func (c *Hybrid) ActiveBackend() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// mergeCapabilities ORs booleans, takes the max of numeric limits and
// unions model lists.
func mergeCapabilities(a, b Capabilities) Capabilities {
	seen := make(map[string]bool)
	var models []string
	for _, m := range append(append([]string{}, a.Models...), b.Models...) {
		if !seen[m] {
			seen[m] = true
			models = append(models, m)
		}
	}
	sort.Strings(models)

	return Capabilities{
		Streaming:          a.Streaming || b.Streaming,
		ContextWindow:      max(a.ContextWindow, b.ContextWindow),
		FileUpload:         a.FileUpload || b.FileUpload,
		Models:             models,
		SessionPersistence: a.SessionPersistence || b.SessionPersistence,
		ConcurrentSessions: a.ConcurrentSessions || b.ConcurrentSessions,
		Interactive:        a.Interactive || b.Interactive,
		BatchProcessing:    a.BatchProcessing || b.BatchProcessing,
		CustomTools:        a.CustomTools || b.CustomTools,
		ExternalServers:    a.ExternalServers || b.ExternalServers,
	}
}
