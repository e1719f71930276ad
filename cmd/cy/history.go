package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/clipyard/internal/config"
	"github.com/zulandar/clipyard/internal/db"
	"github.com/zulandar/clipyard/internal/history"
	"github.com/zulandar/clipyard/internal/models"
	"golang.org/x/term"
)

// isTerminal reports whether w is an interactive terminal. Swapped in tests.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent deliveries",
		Long:  "Prints the most recent download outcomes from the history database, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, resolveConfigPath(configPath), limit)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "number of deliveries to show")
	return cmd
}

func runHistory(cmd *cobra.Command, configPath string, limit int) error {
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

	store, err := history.New(gormDB)
	if err != nil {
		return err
	}
	rows, err := store.Recent(context.Background(), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No deliveries recorded.")
		return nil
	}
	if isTerminal(out) {
		return printDeliveryTable(out, rows)
	}
	printDeliveryTSV(out, rows)
	return nil
}

const deliveryHeader = "TIME\tPLATFORM\tSOURCE\tTYPE\tFORMAT\tOUTCOME\tDURATION\tURL"

func printDeliveryTable(out io.Writer, rows []models.Delivery) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, deliveryHeader)
	for _, d := range rows {
		fmt.Fprintln(w, deliveryLine(d, true))
	}
	return w.Flush()
}

// printDeliveryTSV writes one tab-separated line per delivery, for pipes.
func printDeliveryTSV(out io.Writer, rows []models.Delivery) {
	fmt.Fprintln(out, deliveryHeader)
	for _, d := range rows {
		fmt.Fprintln(out, deliveryLine(d, false))
	}
}

func deliveryLine(d models.Delivery, human bool) string {
	outcome := d.Outcome
	if d.ErrorKind != "" {
		outcome += " (" + d.ErrorKind + ")"
	}
	when := d.CreatedAt.UTC().Format(time.RFC3339)
	url := d.URL
	if human {
		when = d.CreatedAt.Local().Format("2006-01-02 15:04")
		url = truncate(url, 60)
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s",
		when, orDash(d.Platform), orDash(d.Source), orDash(d.MediaType), orDash(d.FormatID),
		outcome, d.Duration().Round(time.Millisecond), url)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
