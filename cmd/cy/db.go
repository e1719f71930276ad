package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/clipyard/internal/config"
	"github.com/zulandar/clipyard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "History database commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the history tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, resolveConfigPath(configPath))
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.History.Enabled() {
		return fmt.Errorf("history is disabled (set history.driver to sqlite or mysql)")
	}

	gormDB, err := db.Connect(cfg.History)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	fmt.Fprintf(out, "Connected to %s\n", describeHistory(cfg.History))

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}
