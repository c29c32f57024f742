// Package proc owns the lifecycle of one child agent process: spawn,
// readiness detection, async stdout/stderr streaming into bounded ring
// buffers, stdin writes with bounded drain, and graceful-then-forced
// termination. A Handle is exclusively owned by the handler that created it.
package proc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gangwaybot/gangway/internal/textscan"
)

// Process error sentinels. Callers match with errors.Is.
var (
	ErrNotRunning          = errors.New("process not running")
	ErrStartupTimeout      = errors.New("startup timeout")
	ErrExitedDuringStartup = errors.New("process exited during startup")
	ErrWriteTimeout        = errors.New("write timeout")
	ErrDangerousCommand    = errors.New("command contains dangerous characters")
	ErrTimeout             = errors.New("command timed out")
)

// Format selects how the child's stdout is interpreted.
type Format int

const (
	// FormatText treats stdout as opaque terminal text.
	FormatText Format = iota
	// FormatStreamJSON parses each complete stdout line as a self-describing
	// JSON record (the agent CLI's --output-format stream-json mode).
	FormatStreamJSON
)

// Default timeouts and bounds.
const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultPollInterval   = time.Second
	DefaultBufferLines    = 500

	staleActivityWarn = 5 * time.Minute
)

// Options configures a Handle.
type Options struct {
	StartupTimeout time.Duration
	WriteTimeout   time.Duration
	PollInterval   time.Duration
	BufferLines    int
	Format         Format

	// Ready overrides the readiness heuristic. Defaults to textscan.LooksReady.
	Ready func(chunk string) bool
}

func (o *Options) fillDefaults() {
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BufferLines <= 0 {
		o.BufferLines = DefaultBufferLines
	}
	if o.Ready == nil {
		o.Ready = textscan.LooksReady
	}
}

// Handle supervises one child process and its stdio streams.
type Handle struct {
	opts Options
	log  *slog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	running       bool
	promptBlocked bool
	startedAt     time.Time
	lastActivity  time.Time
	token         string
	exitErr       error
	partial       string // incomplete structured stdout line

	stdoutBuf *ringBuffer
	stderrBuf *ringBuffer

	stdoutFns map[int]func(string)
	stderrFns map[int]func(string)
	nextCB    int

	ready     chan struct{}
	readyOnce *sync.Once
	waitDone  chan struct{}
	done      chan struct{} // closed to stop read loops
	wg        sync.WaitGroup
}

// New creates a Handle. The process is not spawned until Start.
func New(opts Options, log *slog.Logger) *Handle {
	opts.fillDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Handle{
		opts:      opts,
		log:       log,
		stdoutBuf: newRingBuffer(opts.BufferLines),
		stderrBuf: newRingBuffer(opts.BufferLines),
		stdoutFns: make(map[int]func(string)),
		stderrFns: make(map[int]func(string)),
	}
}

// ValidateWorkDir resolves dir to an absolute path and verifies it exists and
// is a directory.
func ValidateWorkDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving working directory %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory does not exist: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory is not a directory: %s", abs)
	}
	return abs, nil
}

// Start spawns the process and blocks until it signals readiness, fails, or
// the startup timeout elapses. args[0] is the binary; env entries are
// appended to the parent environment.
func (h *Handle) Start(workDir string, args []string, env []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no command given")
	}

	abs, err := ValidateWorkDir(workDir)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.cmd != nil {
		h.mu.Unlock()
		return fmt.Errorf("process already running (pid %d)", h.cmd.Process.Pid)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = abs
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		h.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		h.mu.Unlock()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		h.mu.Unlock()
		return fmt.Errorf("spawning %s: %w", args[0], err)
	}

	now := time.Now()
	h.cmd = cmd
	h.stdin = stdin
	h.startedAt = now
	h.lastActivity = now
	h.exitErr = nil
	h.partial = ""
	h.ready = make(chan struct{})
	h.readyOnce = &sync.Once{}
	h.waitDone = make(chan struct{})
	h.done = make(chan struct{})
	ready := h.ready
	waitDone := h.waitDone
	h.mu.Unlock()

	h.log.Debug("process started", "pid", cmd.Process.Pid, "dir", abs, "command", strings.Join(args, " "))

	h.wg.Add(3)
	go func() {
		defer h.wg.Done()
		h.readLoop(stdout, "stdout")
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(stderr, "stderr")
	}()
	go func() {
		defer h.wg.Done()
		h.monitorExit(cmd, waitDone)
	}()

	select {
	case <-ready:
		// Not running until readiness: writes during startup are refused.
		h.mu.Lock()
		h.running = true
		h.mu.Unlock()
		h.log.Info("process ready", "pid", cmd.Process.Pid, "elapsed", time.Since(now))
		return nil
	case <-waitDone:
		_ = h.Terminate(0)
		return fmt.Errorf("spawning %s: %w", args[0], ErrExitedDuringStartup)
	case <-time.After(h.opts.StartupTimeout):
		_ = h.Terminate(2 * time.Second)
		return fmt.Errorf("spawning %s: %w", args[0], ErrStartupTimeout)
	}
}

// readLoop streams one pipe into its ring buffer and callbacks. A dedicated
// reader goroutine feeds chunks through a channel; the loop re-checks
// shutdown every poll interval so it stays responsive even when the pipe is
// silent. Decoding errors are replaced, never fatal.
func (h *Handle) readLoop(r io.Reader, stream string) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("read loop panic", "stream", stream, "panic", rec)
		}
	}()

	chunks := make(chan string, 8)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunks <- strings.ToValidUTF8(string(buf[:n]), "�")
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			// The reader may be blocked on a full channel; drain until the
			// pipe closes so it can exit.
			go func() {
				for range chunks {
				}
			}()
			return
		case chunk, ok := <-chunks:
			if !ok {
				h.log.Debug("pipe closed", "stream", stream)
				return
			}
			h.consume(stream, chunk)
		case <-ticker.C:
			// Re-check shutdown; nothing else to do on an idle tick.
		}
	}
}

// consume records a chunk and notifies callbacks.
func (h *Handle) consume(stream, chunk string) {
	h.mu.Lock()
	h.lastActivity = time.Now()
	var fns []func(string)
	if stream == "stdout" {
		h.stdoutBuf.Append(chunk)
		for _, fn := range h.stdoutFns {
			fns = append(fns, fn)
		}
		if h.opts.Format == FormatStreamJSON {
			h.scanRecordsLocked(chunk)
		}
		if textscan.LooksLikeInteractivePrompt(chunk) {
			h.promptBlocked = true
		}
	} else {
		h.stderrBuf.Append(chunk)
		for _, fn := range h.stderrFns {
			fns = append(fns, fn)
		}
	}
	ready := h.ready
	once := h.readyOnce
	h.mu.Unlock()

	if stream == "stdout" && h.opts.Ready(chunk) {
		once.Do(func() { close(ready) })
	}

	for _, fn := range fns {
		fn(chunk)
	}
}

// scanRecordsLocked parses complete structured lines from chunk, carrying
// partial lines across reads. Malformed lines are dropped silently; the
// stream interleaves plain terminal text with records. Caller holds mu.
func (h *Handle) scanRecordsLocked(chunk string) {
	data := h.partial + chunk
	lines := strings.Split(data, "\n")
	h.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		rec, ok := textscan.ParseRecord(line)
		if !ok {
			continue
		}
		if rec.SessionToken != "" {
			h.token = rec.SessionToken
		}
	}
}

// monitorExit is the sole caller of cmd.Wait. Terminate coordinates through
// waitDone instead of calling Wait itself.
func (h *Handle) monitorExit(cmd *exec.Cmd, waitDone chan struct{}) {
	err := cmd.Wait()

	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()

	h.log.Debug("process exited", "pid", cmd.Process.Pid, "error", err)
	close(waitDone)
}

// WriteLine writes text (newline-terminated) to the child's stdin, bounded
// by the write timeout. Bumps the activity timestamp on success.
func (h *Handle) WriteLine(text string) error {
	h.mu.Lock()
	stdin := h.stdin
	running := h.running
	h.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("writing to process: %w", ErrNotRunning)
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	errc := make(chan error, 1)
	go func() {
		_, err := stdin.Write([]byte(text))
		errc <- err
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("writing to process: %w", err)
		}
	case <-time.After(h.opts.WriteTimeout):
		return fmt.Errorf("writing to process: %w", ErrWriteTimeout)
	}

	h.mu.Lock()
	h.lastActivity = time.Now()
	h.promptBlocked = false
	h.mu.Unlock()
	return nil
}

// Terminate stops the process: graceful signal first, force kill after
// timeout. Idempotent; a Handle with no process returns immediately.
// Buffers are cleared and the process reference dropped on return.
func (h *Handle) Terminate(timeout time.Duration) error {
	h.mu.Lock()
	cmd := h.cmd
	if cmd == nil {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	if h.done != nil {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
	if h.stdin != nil {
		h.stdin.Close()
		h.stdin = nil
	}
	waitDone := h.waitDone
	h.mu.Unlock()

	if cmd.Process != nil {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			h.log.Debug("graceful signal failed", "error", err)
		}
		select {
		case <-waitDone:
		case <-time.After(timeout):
			h.log.Warn("graceful shutdown timed out, killing", "pid", cmd.Process.Pid)
			_ = cmd.Process.Kill()
			<-waitDone
		}
	}

	h.wg.Wait()

	h.mu.Lock()
	h.cmd = nil
	h.promptBlocked = false
	h.stdoutBuf.Reset()
	h.stderrBuf.Reset()
	h.partial = ""
	h.mu.Unlock()
	return nil
}

// HealthCheck reports whether the process is alive. Staleness (no activity
// for five minutes) is logged but is not itself a failure.
func (h *Handle) HealthCheck() bool {
	h.mu.Lock()
	running := h.running
	cmd := h.cmd
	last := h.lastActivity
	waitDone := h.waitDone
	blocked := h.promptBlocked
	h.mu.Unlock()

	if !running || cmd == nil {
		return false
	}

	select {
	case <-waitDone:
		return false
	default:
	}

	if blocked {
		h.log.Warn("process waiting on interactive prompt", "pid", cmd.Process.Pid)
	}
	if since := time.Since(last); since > staleActivityWarn {
		h.log.Warn("process idle", "pid", cmd.Process.Pid, "idle", since.Round(time.Second))
	}
	return true
}

// PromptBlocked reports whether the last stdout read looked like an
// interactive confirmation prompt with no input written since. A blocked
// session is alive but will not progress until something answers it.
func (h *Handle) PromptBlocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.promptBlocked
}

// Running reports whether the process is currently running.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Pid returns the child's process id, or zero if not running.
func (h *Handle) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// SessionToken returns the externally-issued session token most recently
// seen in structured output, or empty.
func (h *Handle) SessionToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// LastActivity returns the time of the most recent read or write.
func (h *Handle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Snapshot returns the last n stdout lines.
func (h *Handle) Snapshot(n int) string {
	return h.stdoutBuf.Tail(n)
}

// BufferSizes returns the number of buffered stdout and stderr lines.
func (h *Handle) BufferSizes() (stdout, stderr int) {
	return h.stdoutBuf.Len(), h.stderrBuf.Len()
}

// OnStdout registers a callback invoked for each stdout chunk, in read
// order. Returns a function that removes the callback.
func (h *Handle) OnStdout(fn func(chunk string)) (remove func()) {
	return h.register(h.stdoutFns, fn)
}

// OnStderr registers a callback invoked for each stderr chunk.
func (h *Handle) OnStderr(fn func(chunk string)) (remove func()) {
	return h.register(h.stderrFns, fn)
}

func (h *Handle) register(m map[int]func(string), fn func(string)) func() {
	h.mu.Lock()
	id := h.nextCB
	h.nextCB++
	m[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(m, id)
		h.mu.Unlock()
	}
}
