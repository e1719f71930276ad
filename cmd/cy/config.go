package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/clipyard/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		Long:  "Loads the config file and environment overrides, validates them and prints the resolved settings with secrets masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, resolveConfigPath(configPath))
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runConfigCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	source := configPath
	if source == "" {
		source = "(environment only)"
	}
	fmt.Fprintf(out, "Config OK: %s\n\n", source)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "platform\t%s\n", cfg.Platform)
	fmt.Fprintf(w, "bot_token\t%s\n", config.Masked(cfg.BotToken))
	if cfg.Platform == config.PlatformSlack {
		fmt.Fprintf(w, "slack.app_token\t%s\n", config.Masked(cfg.Slack.AppToken))
	}
	fmt.Fprintf(w, "download_dir\t%s\n", cfg.DownloadDir)
	fmt.Fprintf(w, "log_level\t%s\n", cfg.LogLevel)
	fmt.Fprintf(w, "session.ttl\t%s\n", cfg.Session.TTL())
	fmt.Fprintf(w, "session.sweep_interval\t%s\n", cfg.Session.SweepInterval())
	executable := cfg.Provider.Executable
	if executable == "" {
		executable = "yt-dlp (PATH)"
	}
	fmt.Fprintf(w, "provider.executable\t%s\n", executable)
	fmt.Fprintf(w, "provider.probe_timeout\t%s\n", cfg.Provider.ProbeTimeout())
	fmt.Fprintf(w, "provider.fetch_timeout\t%s\n", cfg.Provider.FetchTimeout())
	fmt.Fprintf(w, "provider.audio\t%s @ %s\n", cfg.Provider.AudioFormat, cfg.Provider.AudioQuality)
	fmt.Fprintf(w, "history\t%s\n", describeHistory(cfg.History))
	if cfg.Status.Port > 0 {
		fmt.Fprintf(w, "status\t:%d\n", cfg.Status.Port)
	} else {
		fmt.Fprintf(w, "status\tdisabled\n")
	}
	return w.Flush()
}

func describeHistory(h config.HistoryConfig) string {
	switch h.Driver {
	case config.DriverSQLite:
		return "sqlite " + h.Path
	case config.DriverMySQL:
		return fmt.Sprintf("mysql %s@%s:%d/%s (password %s)", h.User, h.Host, h.Port, h.Database, config.Masked(h.Password))
	}
	return "disabled"
}
