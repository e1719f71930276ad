package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/clipyard/internal/bot"
	"github.com/zulandar/clipyard/internal/config"
	"github.com/zulandar/clipyard/internal/dashboard"
	"github.com/zulandar/clipyard/internal/db"
	"github.com/zulandar/clipyard/internal/history"
	"github.com/zulandar/clipyard/internal/link"
	"github.com/zulandar/clipyard/internal/logging"
	"github.com/zulandar/clipyard/internal/media"
	"github.com/zulandar/clipyard/internal/session"
	"github.com/zulandar/clipyard/internal/telegraph"
	discordadapter "github.com/zulandar/clipyard/internal/telegraph/discord"
	slackadapter "github.com/zulandar/clipyard/internal/telegraph/slack"
	telegramadapter "github.com/zulandar/clipyard/internal/telegraph/telegram"
	"github.com/zulandar/clipyard/internal/workflow"
	"gorm.io/gorm"
)

// closeDB releases the history database. Swapped in tests.
var closeDB = db.Close

// closeHistory closes the history database, logging any failure.
func closeHistory(gormDB *gorm.DB) {
	if err := closeDB(gormDB); err != nil {
		slog.Warn("start: close history db", "err", err)
	}
}

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bot",
		Long:  "Connects to the configured chat platform and serves download requests until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, resolveConfigPath(configPath))
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(logging.New(cfg.LogLevel, cmd.ErrOrStderr()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon, cleanup, err := buildDaemon(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer cleanup()

	return daemon.Run(ctx)
}

// buildDaemon wires every component from cfg. The returned cleanup
// releases the history database, if any.
func buildDaemon(cfg *config.Config, out io.Writer) (*bot.Daemon, func(), error) {
	cleanup := func() {}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return nil, cleanup, err
	}

	provider, err := media.NewYTDLP(media.YTDLPOpts{
		Dir:          cfg.DownloadDir,
		Executable:   cfg.Provider.Executable,
		ProbeTimeout: cfg.Provider.ProbeTimeout(),
		FetchTimeout: cfg.Provider.FetchTimeout(),
		AudioFormat:  cfg.Provider.AudioFormat,
		AudioQuality: cfg.Provider.AudioQuality,
	})
	if err != nil {
		return nil, cleanup, err
	}

	store := session.NewStore(session.StoreOpts{TTL: cfg.Session.TTL()})
	sweeper, err := session.NewSweeper(session.SweeperOpts{
		Store:    store,
		TTL:      cfg.Session.TTL(),
		Interval: cfg.Session.SweepInterval(),
	})
	if err != nil {
		return nil, cleanup, err
	}

	var recorder workflow.Recorder
	var deliveries dashboard.DeliveryLog
	if cfg.History.Enabled() {
		gormDB, err := db.Connect(cfg.History)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = func() { closeHistory(gormDB) }
		if err := db.AutoMigrate(gormDB); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		hist, err := history.New(gormDB)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		recorder, deliveries = hist, hist
	}

	extractor := link.New()
	ctrl, err := workflow.New(workflow.Opts{
		Store:     store,
		Extractor: extractor,
		Provider:  provider,
		Messenger: adapter,
		Recorder:  recorder,
		Platform:  cfg.Platform,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	var status func(context.Context) error
	if cfg.Status.Port > 0 {
		status = func(ctx context.Context) error {
			return dashboard.Start(ctx, dashboard.StartOpts{
				Sessions: store,
				History:  deliveries,
				Port:     cfg.Status.Port,
				Out:      out,
			})
		}
	}

	daemon, err := bot.NewDaemon(bot.DaemonOpts{
		Adapter:   adapter,
		Handler:   ctrl,
		Sweeper:   sweeper,
		Status:    status,
		Platforms: extractor.Platforms(),
		Out:       out,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return daemon, cleanup, nil
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Platform {
	case config.PlatformTelegram:
		return telegramadapter.New(telegramadapter.AdapterOpts{BotToken: cfg.BotToken})
	case config.PlatformDiscord:
		return discordadapter.New(discordadapter.AdapterOpts{BotToken: cfg.BotToken})
	case config.PlatformSlack:
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.BotToken,
		})
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}
