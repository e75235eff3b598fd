package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astrid-app/astrid-agent/internal/config"
	"github.com/astrid-app/astrid-agent/internal/httpapi"
	"github.com/astrid-app/astrid-agent/internal/orchestrator"
	"github.com/astrid-app/astrid-agent/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent HTTP server",
	Long: `Run the agent as a long-lived service.

The server accepts task comments, CI reports and signed runtime webhooks,
and drives each task's workflow in the background. Workflow events are
forwarded to webhook.url when one is configured. Edits to the config file
are applied without a restart.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	notifier := webhook.NewNotifier(cfg.Webhook, a.logger)
	if notifier.Enabled() {
		orchestrator.ObserveWebhook(a.bus, notifier, cfg.Webhook.Timeout, a.logger)
	}
	resolver := webhook.NewSecretResolver(a.store, cfg.Webhook.Secret, cfg.Webhook.MaxAge, 0)

	runner := orchestrator.NewRunner(context.WithoutCancel(ctx), a.orch, a.logger)
	server, err := httpapi.NewServer(runner, a.store, resolver, a.metrics, a.logger, &httpapi.Config{Addr: cfg.Server.Addr})
	if err != nil {
		return err
	}

	watchConfig(a)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "astrid-agent listening on %s\n", cfg.Server.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", "error", err)
	}
	// In-flight phases finish so their workflows are not left between states.
	runner.Wait()
	return nil
}

// watchConfig reloads the config file on change. Invalid edits are logged
// and the running config is kept.
func watchConfig(a *app) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := config.Load()
		if err != nil {
			a.logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		a.reload(cfg)
		a.logger.Info("config reloaded", "file", e.Name)
	})
	viper.WatchConfig()
}
