package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gangwaybot/gangway/internal/handler"
	"github.com/gangwaybot/gangway/internal/queue"
)

var (
	batchFile     string
	batchDir      string
	batchTimeout  time.Duration
	batchParallel int
	batchLimit    int
	batchDryRun   bool
)

var batchCmd = &cobra.Command{
	Use:   "batch [command...]",
	Short: "Run a batch of one-shot agent commands",
	Long: `Runs each command as an independent one-shot agent invocation.
Commands come from the arguments, or one per line from --file.`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVarP(&batchFile, "file", "f", "", "read commands from file, one per line")
	batchCmd.Flags().StringVarP(&batchDir, "dir", "C", ".", "project directory")
	batchCmd.Flags().DurationVarP(&batchTimeout, "timeout", "t", 0, "per-command timeout (default from config)")
	batchCmd.Flags().IntVarP(&batchParallel, "parallel", "p", 1, "concurrent executions")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "run at most this many commands (0 = all)")
	batchCmd.Flags().BoolVarP(&batchDryRun, "dry-run", "n", false, "list what would run without executing")
	rootCmd.AddCommand(batchCmd)
}

// oneShotRunner adapts the subprocess backend's one-shot path to the
// dispatcher's executor.
type oneShotRunner struct {
	cfg handler.Config
	log *slog.Logger
}

func (r oneShotRunner) ExecuteNonInteractive(ctx context.Context, command, projectPath string, timeout time.Duration) (*handler.CommandResult, error) {
	sub := handler.NewSubprocess(r.cfg, r.log)
	return sub.ExecuteCommandIn(ctx, projectPath, command, timeout)
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	commands := append([]string{}, args...)
	if batchFile != "" {
		fromFile, err := readCommandFile(batchFile)
		if err != nil {
			return err
		}
		commands = append(commands, fromFile...)
	}
	if len(commands) == 0 {
		return fmt.Errorf("no commands given; pass arguments or --file")
	}

	q := queue.New(len(commands))
	for _, c := range commands {
		if _, err := q.Add(c, batchDir, batchTimeout); err != nil {
			return err
		}
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	d := queue.NewDispatcher(q, oneShotRunner{cfg: cfg.HandlerConfig(), log: log}).
		WithDryRun(batchDryRun).
		WithLimit(batchLimit).
		WithParallelism(batchParallel)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, dispatchErr := d.Dispatch(ctx)

	for _, r := range result.Completed {
		if batchDryRun {
			fmt.Printf("would run: %s\n", r.Task.Command)
			continue
		}
		switch {
		case r.Err != nil:
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", r.Task.Command, r.Err)
		case r.Result != nil && !r.Result.Success:
			fmt.Fprintf(os.Stderr, "FAIL %s: %s\n", r.Task.Command, r.Result.Error)
		default:
			fmt.Printf("OK %s\n", r.Task.Command)
			if r.Result != nil && r.Result.Output != "" {
				fmt.Println(indent(r.Result.Output))
			}
		}
	}
	if len(result.Skipped) > 0 {
		fmt.Printf("skipped %d commands past the limit\n", len(result.Skipped))
	}
	return dispatchErr
}

func readCommandFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening command file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
