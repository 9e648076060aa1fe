package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ouroboros/internal/chat"
	"ouroboros/internal/config"
	"ouroboros/internal/logging"
)

var bootBranch string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor against Telegram",
	Long: `Boots from the working branch (or stable after a crash), then serves chat
commands and tasks until interrupted. Config edits to log level apply live.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&bootBranch, "branch", "", "Force the boot branch by name (ignored by restarted processes)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.RequireServeSecrets(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel := chat.NewTelegram(chat.TelegramConfig{
		Token:       cfg.Chat.TelegramToken,
		PollTimeout: cfg.GetPollTimeout(),
	})
	override := bootBranch
	if override == "" {
		override = cfg.Branches.Boot
	}
	a, err := newApp(ctx, cfg, appOptions{channel: channel, deploy: true, bootBranch: override})
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.boot
	logging.Boot("Running %s at %s (%s)", report.Decision.Branch, report.SHA, report.Decision.Reason)
	if report.Verification != "" {
		logging.Boot("%s", report.Verification)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A broken watcher only loses hot reload.
		err := config.Watch(gctx, resolveConfigPath(), func(c *config.Config) {
			if err := logging.SetLevel(c.Logging.Level); err != nil {
				logging.ConfigWarn("Ignoring log level %q: %v", c.Logging.Level, err)
				return
			}
			logging.Config("Log level now %s", c.Logging.Level)
		})
		if err != nil {
			logging.ConfigWarn("Config watch stopped: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stop()
		return a.sup.Run(gctx)
	})
	runErr := g.Wait()

	if err := a.launcher.Shutdown(); err != nil {
		logging.BootWarn("Clear running flag: %v", err)
	}
	logging.Boot("Stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
