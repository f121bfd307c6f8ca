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
	"github.com/spf13/viper"

	"github.com/joescharf/zenova/internal/dispatch"
	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/plane"
	"github.com/joescharf/zenova/internal/queue"
	"github.com/joescharf/zenova/internal/runner"
	"github.com/joescharf/zenova/internal/session"
	"github.com/joescharf/zenova/internal/settings"
	"github.com/joescharf/zenova/internal/webhook"
	"github.com/joescharf/zenova/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook dispatch server",
	Long: `Start the HTTP server that receives Plane webhooks and dispatches
agents. By default it listens on port 4000. Use --port to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 4000, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	d, err := getDB()
	if err != nil {
		return err
	}
	defer d.Close()

	sessions := session.NewSQLiteStore(d)
	taskQueue := queue.New(d)
	settingsStore := settings.New(d)

	agents, err := dispatch.LoadAgents(viper.GetString("agents_config"))
	if err != nil {
		logger.Warn("agents config unavailable, using the default agent",
			"path", viper.GetString("agents_config"), "error", err)
		agents = []models.AgentDefinition{{Name: "claude", MaxConcurrency: 1}}
	}

	planeClient := plane.NewClient(
		viper.GetString("plane.api_url"),
		viper.GetString("plane.api_token"),
	)

	workers := worker.NewManager(worker.NewAutoRuntime("docker"), logger)
	runs := runner.New(sessions, planeClient, workers, settingsStore,
		viper.GetString("anthropic.model"), logger)

	srv := webhook.NewServer(webhook.Config{
		Sessions:      sessions,
		Queue:         taskQueue,
		Workers:       workers,
		Runner:        runs,
		Dispatcher:    dispatch.NewDispatcher(agents),
		Settings:      settingsStore,
		Plane:         planeClient,
		DB:            d,
		Agents:        agents,
		WorkspaceSlug: viper.GetString("workspace_slug"),
		WebhookSecret: viper.GetString("webhook_secret"),
		BotUserID:     viper.GetString("bot_user_id"),
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go session.NewReaper(sessions, logger).Run(ctx)

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "agents", len(agents))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
