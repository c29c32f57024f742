package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gangwaybot/gangway/internal/proc"
)

// Timing for the snapshot-based read-back of interactive output.
const (
	defaultResponseDelay  = 2 * time.Second
	defaultStreamQuiet    = 2 * time.Second
	responseSnapshotLines = 50
)

// Subprocess drives the agent CLI as a long-lived child process. One
// handler owns at most one process at a time.
type Subprocess struct {
	cfg Config
	log *slog.Logger

	// responseDelay is how long SendMessage waits before snapshotting the
	// output buffer; streamQuiet is the silence that ends a stream.
	responseDelay time.Duration
	streamQuiet   time.Duration

	mu           sync.Mutex
	handle       *proc.Handle
	sessionID    string
	projectPath  string
	startedAt    time.Time
	contextFiles int
	tokenCount   int
}

// NewSubprocess creates a subprocess handler. The process is not spawned
// until StartSession.
func NewSubprocess(cfg Config, log *slog.Logger) *Subprocess {
	if log == nil {
		log = slog.Default()
	}
	return &Subprocess{
		cfg:           cfg,
		log:           log.With("handler", KindSubprocess),
		responseDelay: defaultResponseDelay,
		streamQuiet:   defaultStreamQuiet,
	}
}

// Initialize verifies the transport is configured. The subprocess backend
// has no connection to establish.
func (s *Subprocess) Initialize(ctx context.Context) error {
	if s.cfg.Binary == "" {
		return fmt.Errorf("transport binary not configured")
	}
	return nil
}

// BuildSessionArgs assembles the command line for a session process. A
// non-empty resumeToken asks the agent to resume an earlier conversation.
func BuildSessionArgs(cfg Config, resumeToken string) []string {
	args := []string{cfg.Binary}
	if cfg.OutputFormat != "" && cfg.OutputFormat != "text" {
		args = append(args, "--output-format", cfg.OutputFormat)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if resumeToken != "" {
		args = append(args, "--resume", resumeToken)
	}
	return append(args, cfg.DefaultFlags...)
}

func (s *Subprocess) procOptions() proc.Options {
	format := proc.FormatText
	if s.cfg.OutputFormat == "stream-json" {
		format = proc.FormatStreamJSON
	}
	return proc.Options{
		StartupTimeout: s.cfg.StartupTimeout,
		WriteTimeout:   s.cfg.WriteTimeout,
		PollInterval:   s.cfg.PollInterval,
		BufferLines:    s.cfg.BufferLines,
		Format:         format,
	}
}

// StartSession validates the project path, spawns the agent process and
// waits for readiness. The returned id is the local session id; the
// agent's own token, if surfaced in structured output, is available via
// ProcessInfo.
func (s *Subprocess) StartSession(ctx context.Context, projectPath, sessionID string) (string, error) {
	abs, err := proc.ValidateWorkDir(projectPath)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.handle != nil && s.handle.Running() {
		s.mu.Unlock()
		return "", fmt.Errorf("session %s already running", s.sessionID)
	}

	resume := ""
	if sessionID != "" {
		resume = sessionID
	} else {
		sessionID = uuid.NewString()
	}

	h := proc.New(s.procOptions(), s.log.With("session", sessionID))
	s.handle = h
	s.sessionID = sessionID
	s.projectPath = abs
	s.startedAt = time.Now()
	s.contextFiles = 0
	s.tokenCount = 0
	s.mu.Unlock()

	args := BuildSessionArgs(s.cfg, resume)
	if err := h.Start(abs, args, nil); err != nil {
		s.mu.Lock()
		s.handle = nil
		s.sessionID = ""
		s.mu.Unlock()
		return "", fmt.Errorf("starting session: %w", err)
	}

	s.log.Info("session started", "session", sessionID, "project", abs, "pid", h.Pid())
	return sessionID, nil
}

func (s *Subprocess) activeHandle() (*proc.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, ErrNoSession
	}
	return s.handle, nil
}

// SendMessage writes the text to the session process and returns a
// snapshot of recent output after a short delay. Request/response
// correlation over an interactive CLI is approximate; callers needing
// chunk boundaries should use StreamMessage.
func (s *Subprocess) SendMessage(ctx context.Context, text string) (string, error) {
	h, err := s.activeHandle()
	if err != nil {
		return "", err
	}

	before, _ := h.BufferSizes()
	if err := h.WriteLine(text); err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}

	s.mu.Lock()
	s.tokenCount += estimateTokens(text)
	delay := s.responseDelay
	s.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	after, _ := h.BufferSizes()
	fresh := after - before
	if fresh <= 0 || fresh > responseSnapshotLines {
		fresh = responseSnapshotLines
	}
	return h.Snapshot(fresh), nil
}

// StreamMessage writes the text and returns a channel of output chunks in
// arrival order. The channel closes once the process has been silent for
// the quiet period or ctx is cancelled. Each call opens a fresh stream.
func (s *Subprocess) StreamMessage(ctx context.Context, text string) (<-chan string, error) {
	h, err := s.activeHandle()
	if err != nil {
		return nil, err
	}

	// Subscribe before writing so the first chunk cannot be missed. The
	// intermediate channel keeps the read loop from blocking on a slow
	// consumer; overflow is dropped, matching the snapshot path's lossiness.
	relay := make(chan string, 256)
	remove := h.OnStdout(func(chunk string) {
		select {
		case relay <- chunk:
		default:
		}
	})

	if err := h.WriteLine(text); err != nil {
		remove()
		return nil, fmt.Errorf("sending message: %w", err)
	}

	s.mu.Lock()
	s.tokenCount += estimateTokens(text)
	quiet := s.streamQuiet
	s.mu.Unlock()

	out := make(chan string)
	go func() {
		defer remove()
		defer close(out)
		timer := time.NewTimer(quiet)
		defer timer.Stop()
		for {
			select {
			case chunk := <-relay:
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(quiet)
			case <-timer.C:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// EndSession terminates the session process gracefully, escalating to a
// forced kill on timeout.
func (s *Subprocess) EndSession(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	id := s.sessionID
	s.handle = nil
	s.sessionID = ""
	s.mu.Unlock()

	if h == nil {
		return ErrNoSession
	}
	if err := h.Terminate(5 * time.Second); err != nil {
		return fmt.Errorf("ending session %s: %w", id, err)
	}
	s.log.Info("session ended", "session", id)
	return nil
}

// SessionInfo reports the bound session. Zero value when none is active.
func (s *Subprocess) SessionInfo() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		SessionID:   s.sessionID,
		ProjectPath: s.projectPath,
		Backend:     KindSubprocess,
		StartedAt:   s.startedAt,
	}
	if s.handle != nil {
		info.Active = s.handle.Running()
		info.LastActivity = s.handle.LastActivity()
	}
	return info
}

// Healthy reports whether the session process is alive.
func (s *Subprocess) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	return h != nil && h.HealthCheck()
}

// ContextInfo returns a rough token estimate; the CLI does not expose its
// real context accounting.
func (s *Subprocess) ContextInfo(ctx context.Context) (ContextInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ContextInfo{}, ErrNoSession
	}
	return ContextInfo{
		TokenCount: s.tokenCount,
		MaxTokens:  s.Capabilities().ContextWindow,
		FileCount:  s.contextFiles,
	}, nil
}

// ClearContext asks the agent to drop its conversation context.
func (s *Subprocess) ClearContext(ctx context.Context) error {
	h, err := s.activeHandle()
	if err != nil {
		return err
	}
	if err := h.WriteLine("/clear"); err != nil {
		return fmt.Errorf("clearing context: %w", err)
	}
	s.mu.Lock()
	s.tokenCount = 0
	s.contextFiles = 0
	s.mu.Unlock()
	return nil
}

// AddContextFile feeds file content to the session as a framed message.
func (s *Subprocess) AddContextFile(ctx context.Context, path, content string) error {
	h, err := s.activeHandle()
	if err != nil {
		return err
	}
	framed := fmt.Sprintf("Here is the content of %s:\n```\n%s\n```", path, content)
	if err := h.WriteLine(framed); err != nil {
		return fmt.Errorf("adding context file %s: %w", path, err)
	}
	s.mu.Lock()
	s.contextFiles++
	s.tokenCount += estimateTokens(content)
	s.mu.Unlock()
	return nil
}

// ExecuteCommand always runs command as an independent one-shot process,
// never through the session process, so pending interactive state cannot
// block it.
func (s *Subprocess) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	s.mu.Lock()
	dir := s.projectPath
	s.mu.Unlock()
	return s.ExecuteCommandIn(ctx, dir, command, timeout)
}

// ExecuteCommandIn runs a one-shot command in an explicit working
// directory, without requiring a bound session.
func (s *Subprocess) ExecuteCommandIn(ctx context.Context, dir, command string, timeout time.Duration) (*CommandResult, error) {
	spec := proc.OneShot{
		Binary:    s.cfg.Binary,
		Args:      append([]string{"-p"}, s.cfg.DefaultFlags...),
		Dir:       dir,
		Timeout:   timeout,
		ParseJSON: s.cfg.OutputFormat == "json",
	}
	if spec.Dir == "" {
		spec.Dir = "."
	}
	if spec.Timeout <= 0 {
		spec.Timeout = s.cfg.CommandTimeout
	}

	res, err := proc.RunOneShot(ctx, spec, command, s.log)
	if err != nil {
		return nil, err
	}

	out := &CommandResult{
		Success: res.Success,
		Output:  res.Output,
		Error:   res.Error,
		Metadata: map[string]interface{}{
			"duration_ms": res.Duration.Milliseconds(),
			"backend":     string(KindSubprocess),
		},
	}
	if res.Parsed != nil {
		out.Metadata["parsed"] = res.Parsed
	}
	return out, nil
}

// Capabilities describes the subprocess backend.
func (s *Subprocess) Capabilities() Capabilities {
	return Capabilities{
		Streaming:          true,
		ContextWindow:      200000,
		FileUpload:         true,
		Models:             []string{"sonnet", "opus", "haiku"},
		SessionPersistence: true,
		ConcurrentSessions: true,
		Interactive:        true,
		BatchProcessing:    false,
		CustomTools:        false,
		ExternalServers:    false,
	}
}

// ProcessInfo exposes the underlying process for observability.
type ProcessInfo struct {
	Pid          int
	Running      bool
	StartedAt    time.Time
	LastActivity time.Time
	StdoutLines  int
	StderrLines  int
	SessionToken string

	// PromptBlocked is set when the last output looked like an interactive
	// confirmation prompt and nothing has been written since.
	PromptBlocked bool
}

// ProcessInfo returns a point-in-time view of the session process. Zero
// value when no session is bound.
func (s *Subprocess) ProcessInfo() ProcessInfo {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return ProcessInfo{}
	}
	stdout, stderr := h.BufferSizes()
	return ProcessInfo{
		Pid:           h.Pid(),
		Running:       h.Running(),
		StartedAt:     h.StartedAt(),
		LastActivity:  h.LastActivity(),
		StdoutLines:   stdout,
		StderrLines:   stderr,
		SessionToken:  h.SessionToken(),
		PromptBlocked: h.PromptBlocked(),
	}
}

// OnOutput registers a callback for raw session output chunks. Returns a
// removal function. Satisfies the optional output-source interface used by
// observation surfaces.
func (s *Subprocess) OnOutput(fn func(chunk string)) (remove func()) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return func() {}
	}
	return h.OnStdout(fn)
}

// PauseSession is accepted but has no process-level effect.
func (s *Subprocess) PauseSession(ctx context.Context) error {
	s.log.Debug("pause requested")
	return nil
}

// ResumeSession is accepted but has no process-level effect.
func (s *Subprocess) ResumeSession(ctx context.Context) error {
	s.log.Debug("resume requested")
	return nil
}

// ExportConversation returns the accumulated session output.
func (s *Subprocess) ExportConversation(ctx context.Context) (string, error) {
	h, err := s.activeHandle()
	if err != nil {
		return "", err
	}
	return h.Snapshot(0), nil
}

// SetModel takes effect on the next StartSession; a live process keeps
// the model it was launched with.
func (s *Subprocess) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	s.cfg.Model = model
	s.mu.Unlock()
	return nil
}

// SetTemperature is accepted for interface completeness; the CLI does not
// expose a temperature control.
func (s *Subprocess) SetTemperature(ctx context.Context, temperature float64) error {
	s.log.Debug("temperature ignored", "temperature", temperature)
	return nil
}

func estimateTokens(text string) int {
	return len(text) / 4
}
