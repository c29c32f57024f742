package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gangwaybot/gangway/internal/handler"
)

var (
	execDir     string
	execTimeout time.Duration
	execJSON    bool
)

var execCmd = &cobra.Command{
	Use:   "exec <command...>",
	Short: "Run a one-shot agent command without a session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execDir, "dir", "C", ".", "project directory")
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "command timeout (default from config)")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "request JSON output from the agent")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	hcfg := cfg.HandlerConfig()
	if execJSON {
		hcfg.OutputFormat = "json"
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sub := handler.NewSubprocess(hcfg, log)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := sub.ExecuteCommandIn(ctx, execDir, strings.Join(args, " "), execTimeout)
	if err != nil {
		return err
	}
	if !res.Success {
		fmt.Fprintln(os.Stderr, res.Error)
		return fmt.Errorf("command failed")
	}
	fmt.Println(res.Output)
	return nil
}
