package proc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// dangerousChars are shell metacharacters rejected in one-shot commands.
// One-shot invocations never go through a shell, but rejecting these keeps a
// command string from smuggling shell syntax into tools that might re-eval it.
const dangerousChars = "&|;`$()<>\n\r"

// DefaultOneShotTimeout bounds one-shot executions when the caller gives none.
const DefaultOneShotTimeout = 60 * time.Second

// SanitizeCommand rejects command strings containing shell metacharacters.
func SanitizeCommand(command string) error {
	if strings.ContainsAny(command, dangerousChars) {
		return fmt.Errorf("rejecting command %q: %w", command, ErrDangerousCommand)
	}
	return nil
}

// OneShot describes a single independent process invocation, separate from
// any long-lived session process.
type OneShot struct {
	Binary    string
	Args      []string // flags placed before the command argument
	Dir       string
	Timeout   time.Duration
	ParseJSON bool // parse combined output as a JSON object
}

// OneShotResult is the transport-agnostic outcome of a one-shot execution.
type OneShotResult struct {
	Success  bool
	Output   string
	Parsed   map[string]any // non-nil only when ParseJSON succeeded
	Error    string
	Duration time.Duration
}

// RunOneShot executes command via a fresh process invocation and captures
// combined output. Validation failures and timeouts return errors; a
// non-zero exit or a JSON parse failure degrade to Success=false with the
// raw output attached.
func RunOneShot(ctx context.Context, spec OneShot, command string, log *slog.Logger) (*OneShotResult, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := SanitizeCommand(command); err != nil {
		return nil, err
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultOneShotTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, spec.Args...), command)
	cmd := exec.CommandContext(ctx, spec.Binary, args...)
	cmd.Dir = spec.Dir

	start := time.Now()
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		log.Warn("one-shot command timed out", "command", command, "timeout", timeout)
		return nil, fmt.Errorf("executing %q: %w", command, ErrTimeout)
	}

	result := &OneShotResult{
		Output:   strings.TrimSpace(string(out)),
		Duration: elapsed,
	}

	if err != nil {
		result.Error = err.Error()
		return result, nil
	}

	result.Success = true
	if spec.ParseJSON {
		var parsed map[string]any
		if jsonErr := json.Unmarshal([]byte(result.Output), &parsed); jsonErr != nil {
			// Parse failure is a degraded result, not an error.
			result.Success = false
			result.Error = fmt.Sprintf("parsing output: %v", jsonErr)
		} else {
			result.Parsed = parsed
		}
	}
	return result, nil
}
