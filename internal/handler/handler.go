// Package handler defines the transport abstraction between session
// management and an AI coding agent: a long-lived subprocess, a remote
// RPC agent server, or a hybrid of the two with failover.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNoSession indicates an operation that requires an active session was
// called before StartSession or after EndSession.
var ErrNoSession = errors.New("no active session")

// ConfigError reports a handler kind that is not available.
type ConfigError struct {
	Requested string
	Available []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("unknown handler type %q (available: %s)",
		e.Requested, strings.Join(e.Available, ", "))
}

// Kind selects a transport backend.
type Kind string

const (
	KindSubprocess Kind = "subprocess"
	KindRPC        Kind = "rpc"
	KindHybrid     Kind = "hybrid"
)

// Kinds lists every backend the factory can build.
func Kinds() []string {
	return []string{string(KindSubprocess), string(KindRPC), string(KindHybrid)}
}

// ParseKind validates a configuration string against the known backends.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSubprocess, KindRPC, KindHybrid:
		return Kind(s), nil
	default:
		return "", &ConfigError{Requested: s, Available: Kinds()}
	}
}

// Capabilities describes what a backend supports. Immutable after
// construction.
type Capabilities struct {
	Streaming          bool
	ContextWindow      int
	FileUpload         bool
	Models             []string
	SessionPersistence bool
	ConcurrentSessions bool
	Interactive        bool
	BatchProcessing    bool
	CustomTools        bool
	ExternalServers    bool
}

// SessionInfo is a point-in-time summary of a handler's bound session.
type SessionInfo struct {
	SessionID    string
	ProjectPath  string
	Backend      Kind
	Active       bool
	StartedAt    time.Time
	LastActivity time.Time
}

// ContextInfo summarizes the conversation context the backend is holding.
type ContextInfo struct {
	TokenCount int
	MaxTokens  int
	FileCount  int
}

// CommandResult is the transport-agnostic outcome of a one-shot command,
// shared by the subprocess and RPC execution paths.
type CommandResult struct {
	Success  bool
	Output   string
	Error    string
	Metadata map[string]interface{}
}

// Handler is the contract every transport backend implements. All
// operations except Initialize and StartSession fail with ErrNoSession
// when no session is active. Capabilities never fails.
type Handler interface {
	Initialize(ctx context.Context) error

	// StartSession binds the handler to a session rooted at projectPath.
	// A non-empty sessionID resumes an earlier session; otherwise a fresh
	// id is issued and returned.
	StartSession(ctx context.Context, projectPath, sessionID string) (string, error)

	SendMessage(ctx context.Context, text string) (string, error)

	// StreamMessage returns a finite channel of response chunks. The
	// channel is closed when the response is complete; a fresh stream must
	// be requested per message.
	StreamMessage(ctx context.Context, text string) (<-chan string, error)

	EndSession(ctx context.Context) error
	SessionInfo() SessionInfo
	Healthy(ctx context.Context) bool
	ContextInfo(ctx context.Context) (ContextInfo, error)
	ClearContext(ctx context.Context) error
	AddContextFile(ctx context.Context, path, content string) error

	// ExecuteCommand runs a one-shot command independent of any pending
	// interactive state. A zero timeout uses the configured default.
	ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error)

	Capabilities() Capabilities
}

// Extended holds the optional operations a backend may support. Use the
// package-level helpers (Pause, Resume, ...) to call them with safe no-op
// fallbacks for backends that do not.
type Extended interface {
	PauseSession(ctx context.Context) error
	ResumeSession(ctx context.Context) error
	ExportConversation(ctx context.Context) (string, error)
	SetModel(ctx context.Context, model string) error
	SetTemperature(ctx context.Context, temperature float64) error
}

// Pause suspends the session if the backend supports it.
func Pause(ctx context.Context, h Handler) error {
	if e, ok := h.(Extended); ok {
		return e.PauseSession(ctx)
	}
	return nil
}

// Resume unsuspends the session if the backend supports it.
func Resume(ctx context.Context, h Handler) error {
	if e, ok := h.(Extended); ok {
		return e.ResumeSession(ctx)
	}
	return nil
}

// Export returns the conversation transcript if the backend supports it.
func Export(ctx context.Context, h Handler) (string, error) {
	if e, ok := h.(Extended); ok {
		return e.ExportConversation(ctx)
	}
	return "", nil
}

// SetModel switches the backend's model if supported.
func SetModel(ctx context.Context, h Handler, model string) error {
	if e, ok := h.(Extended); ok {
		return e.SetModel(ctx, model)
	}
	return nil
}

// SetTemperature adjusts the backend's sampling temperature if supported.
func SetTemperature(ctx context.Context, h Handler, temperature float64) error {
	if e, ok := h.(Extended); ok {
		return e.SetTemperature(ctx, temperature)
	}
	return nil
}

// Cleanup releases the handler's resources. Backends that need more than
// ending the session implement the optional interface; the default is
// EndSession.
func Cleanup(ctx context.Context, h Handler) error {
	if c, ok := h.(interface {
		Cleanup(ctx context.Context) error
	}); ok {
		return c.Cleanup(ctx)
	}
	return h.EndSession(ctx)
}

// Config carries the resolved transport settings a handler needs. Parsing
// configuration files happens elsewhere.
type Config struct {
	// Subprocess transport.
	Binary         string
	DefaultFlags   []string
	Model          string
	OutputFormat   string // "text" or "stream-json"
	CommandTimeout time.Duration
	StartupTimeout time.Duration
	WriteTimeout   time.Duration
	PollInterval   time.Duration
	BufferLines    int

	// RPC transport.
	RPCEndpoint        string
	RPCProtocolVersion string
	RPCTimeout         time.Duration
	RPCAPIKey          string

	// Hybrid composition.
	Prefer          Kind
	FallbackEnabled bool
	Cooldown        time.Duration
}

// New builds a handler for the given backend kind. The set of backends is
// closed; an unknown kind fails with a ConfigError naming the requested
// type and the available ones.
func New(kind Kind, cfg Config, log *slog.Logger) (Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	switch kind {
	case KindSubprocess:
		return NewSubprocess(cfg, log), nil
	case KindRPC:
		return NewRPC(cfg, log), nil
	case KindHybrid:
		return NewHybrid(cfg, log), nil
	default:
		return nil, &ConfigError{Requested: string(kind), Available: Kinds()}
	}
}
