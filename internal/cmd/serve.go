package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gangwaybot/gangway/internal/announce"
	"github.com/gangwaybot/gangway/internal/config"
	"github.com/gangwaybot/gangway/internal/realtime"
	"github.com/gangwaybot/gangway/internal/session"
	"github.com/gangwaybot/gangway/internal/slackbot"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge: session manager, Slack bot and observation server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	announcer := announce.New(announce.Config{
		URL:           cfg.Announce.URL,
		SubjectPrefix: cfg.Announce.SubjectPrefix,
	}, log)
	if err := announcer.Connect(); err != nil {
		log.Warn("lifecycle announcements disabled", "error", err)
	}
	defer announcer.Close()

	mgr := session.NewManager(session.Options{
		MaxSessions:    cfg.Manager.MaxSessions,
		SessionTimeout: cfg.Manager.SessionTimeout.Duration,
		DataDir:        cfg.Manager.DataDir,
		Handler:        cfg.HandlerConfig(),
		Kind:           cfg.HandlerKind(),
	}, log)

	rt := realtime.NewServer(mgr, log)

	// Lifecycle events fan out to NATS and websocket observers.
	mgr.SetNotify(func(event, sessionID string) {
		announcer.Notify(event, sessionID)
		rt.NotifyLifecycle(event, sessionID)
	})

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting session manager: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Stop(stopCtx); err != nil {
			log.Warn("stopping session manager", "error", err)
		}
	}()

	errCh := make(chan error, 2)

	httpSrv := &http.Server{
		Addr:    cfg.Realtime.Listen,
		Handler: rt.Handler(),
	}
	go func() {
		log.Info("observation server listening", "addr", cfg.Realtime.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("observation server: %w", err)
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	if cfg.Slack.BotToken != "" {
		bot, err := slackbot.New(slackbot.Config{
			BotToken:  cfg.Slack.BotToken,
			AppToken:  cfg.Slack.AppToken,
			ChannelID: cfg.Slack.Channel,
			Debug:     cfg.Slack.Debug,
		}, mgr)
		if err != nil {
			return fmt.Errorf("creating slack bot: %w", err)
		}
		go func() {
			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("slack bot: %w", err)
			}
		}()
	} else {
		log.Info("slack disabled, no bot token configured")
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
