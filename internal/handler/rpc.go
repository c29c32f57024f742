package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gangwaybot/gangway/internal/agentrpc"
)

// ErrNotConnected indicates the RPC channel was never established.
var ErrNotConnected = errors.New("rpc channel not connected")

// RPC adapts the handler contract onto a remote agent server. The channel
// is opened by Initialize; StartSession only allocates a local record.
type RPC struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	client       *agentrpc.Client
	server       *agentrpc.ServerInfo
	tools        []agentrpc.Tool
	sessionID    string
	projectPath  string
	startedAt    time.Time
	lastActivity time.Time
	contextFiles int
}

// NewRPC creates an RPC handler. No connection is made until Initialize.
func NewRPC(cfg Config, log *slog.Logger) *RPC {
	if log == nil {
		log = slog.Default()
	}
	return &RPC{
		cfg: cfg,
		log: log.With("handler", KindRPC),
	}
}

// Initialize establishes the channel: performs the protocol handshake and
// caches the remote tool list.
func (r *RPC) Initialize(ctx context.Context) error {
	if r.cfg.RPCEndpoint == "" {
		return fmt.Errorf("rpc endpoint not configured")
	}

	opts := []agentrpc.Option{agentrpc.WithTimeout(r.cfg.RPCTimeout)}
	if r.cfg.RPCProtocolVersion != "" {
		opts = append(opts, agentrpc.WithProtocolVersion(r.cfg.RPCProtocolVersion))
	}
	if r.cfg.RPCAPIKey != "" {
		opts = append(opts, agentrpc.WithAPIKey(r.cfg.RPCAPIKey))
	}
	client := agentrpc.NewClient(r.cfg.RPCEndpoint, opts...)

	info, err := client.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initializing rpc channel: %w", err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("listing remote tools: %w", err)
	}

	r.mu.Lock()
	r.client = client
	r.server = info
	r.tools = tools
	r.mu.Unlock()

	r.log.Info("rpc channel ready", "server", info.Name, "version", info.Version, "tools", len(tools))
	return nil
}

func (r *RPC) connected() (*agentrpc.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, ErrNotConnected
	}
	return r.client, nil
}

// StartSession allocates a local session record. The channel itself was
// opened in Initialize.
func (r *RPC) StartSession(ctx context.Context, projectPath, sessionID string) (string, error) {
	if _, err := r.connected(); err != nil {
		return "", err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	r.mu.Lock()
	r.sessionID = sessionID
	r.projectPath = projectPath
	r.startedAt = time.Now()
	r.lastActivity = r.startedAt
	r.contextFiles = 0
	r.mu.Unlock()

	r.log.Info("session started", "session", sessionID, "project", projectPath)
	return sessionID, nil
}

func (r *RPC) requireSession() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return ErrNotConnected
	}
	if r.sessionID == "" {
		return ErrNoSession
	}
	r.lastActivity = time.Now()
	return nil
}

// SendMessage echoes the input. There is no message-exchange wire contract
// with agent servers yet; this shim keeps the handler usable for tool
// invocation while making the limitation visible in the response.
func (r *RPC) SendMessage(ctx context.Context, text string) (string, error) {
	if err := r.requireSession(); err != nil {
		return "", err
	}
	return "rpc echo: " + text, nil
}

// StreamMessage yields the SendMessage shim response as a single chunk.
func (r *RPC) StreamMessage(ctx context.Context, text string) (<-chan string, error) {
	resp, err := r.SendMessage(ctx, text)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	out <- resp
	close(out)
	return out, nil
}

// EndSession releases the local session record. The channel stays open for
// a later StartSession.
func (r *RPC) EndSession(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessionID == "" {
		return ErrNoSession
	}
	r.log.Info("session ended", "session", r.sessionID)
	r.sessionID = ""
	r.projectPath = ""
	return nil
}

// SessionInfo reports the local session record.
func (r *RPC) SessionInfo() SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SessionInfo{
		SessionID:    r.sessionID,
		ProjectPath:  r.projectPath,
		Backend:      KindRPC,
		Active:       r.sessionID != "" && r.client != nil,
		StartedAt:    r.startedAt,
		LastActivity: r.lastActivity,
	}
}

// Healthy probes the channel by listing remote resources; any failure
// there counts as unhealthy.
func (r *RPC) Healthy(ctx context.Context) bool {
	client, err := r.connected()
	if err != nil {
		return false
	}
	if _, err := client.ListResources(ctx); err != nil {
		r.log.Warn("health probe failed", "error", err)
		return false
	}
	return true
}

// ContextInfo reports what little the remote contract exposes.
func (r *RPC) ContextInfo(ctx context.Context) (ContextInfo, error) {
	if err := r.requireSession(); err != nil {
		return ContextInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return ContextInfo{
		MaxTokens: r.Capabilities().ContextWindow,
		FileCount: r.contextFiles,
	}, nil
}

// ClearContext resets the local context bookkeeping.
func (r *RPC) ClearContext(ctx context.Context) error {
	if err := r.requireSession(); err != nil {
		return err
	}
	r.mu.Lock()
	r.contextFiles = 0
	r.mu.Unlock()
	return nil
}

// AddContextFile records the file locally; no remote contract carries it.
func (r *RPC) AddContextFile(ctx context.Context, path, content string) error {
	if err := r.requireSession(); err != nil {
		return err
	}
	r.mu.Lock()
	r.contextFiles++
	r.mu.Unlock()
	r.log.Debug("context file recorded", "path", path, "bytes", len(content))
	return nil
}

// ExecuteCommand invokes the first remote tool whose name contains "exec"
// or "command". A server without such a tool yields a structured failure,
// not an error.
func (r *RPC) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	client, err := r.connected()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	tools := r.tools
	r.mu.Unlock()

	var tool string
	for _, t := range tools {
		name := strings.ToLower(t.Name)
		if strings.Contains(name, "exec") || strings.Contains(name, "command") {
			tool = t.Name
			break
		}
	}
	if tool == "" {
		return &CommandResult{
			Success: false,
			Error:   "remote server exposes no execution tool",
			Metadata: map[string]interface{}{
				"backend": string(KindRPC),
				"tools":   len(tools),
			},
		}, nil
	}

	if timeout <= 0 {
		timeout = r.cfg.RPCTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := client.CallTool(ctx, tool, map[string]interface{}{"command": command})
	if err != nil {
		return nil, fmt.Errorf("calling tool %s: %w", tool, err)
	}

	out := &CommandResult{
		Success: !res.IsError,
		Output:  res.Content,
		Metadata: map[string]interface{}{
			"backend":     string(KindRPC),
			"tool":        tool,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	if res.IsError {
		out.Error = res.Content
	}
	if res.Structured != nil {
		out.Metadata["structured"] = res.Structured
	}
	return out, nil
}

// Capabilities describes the RPC backend.
func (r *RPC) Capabilities() Capabilities {
	return Capabilities{
		Streaming:          false,
		ContextWindow:      100000,
		FileUpload:         false,
		Models:             nil,
		SessionPersistence: false,
		ConcurrentSessions: true,
		Interactive:        false,
		BatchProcessing:    true,
		CustomTools:        true,
		ExternalServers:    true,
	}
}

// Tools returns the cached remote tool list.
func (r *RPC) Tools() []agentrpc.Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools
}
