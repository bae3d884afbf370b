package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"shardfleet/internal/journal"
)

var (
	historyType  string
	historySince time.Duration
	historyLimit int
)

// historyCmd reads the lifecycle journal
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent fleet lifecycle events",
	Long: `Lists the newest events recorded by fleet run: ready, disconnect,
restart and kill notices, plus anything workers logged.

Example:
  fleet history --type cluster --since 1h`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyType, "type", "", "Only show events of this type")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Only show events newer than this")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of events")
}

func runHistory(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if _, err := os.Stat(cfg.Journal.Path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(out, "No journal at %s yet\n", cfg.Journal.Path)
		return nil
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	q := journal.Query{Type: historyType, Limit: historyLimit}
	if historySince > 0 {
		q.Since = time.Now().Add(-historySince)
	}
	events, err := j.Recent(cmd.Context(), q)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "No events")
		return nil
	}

	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{e.Title, e.Type, e.Description, e.Timestamp.Format(time.DateTime)})
	}
	colorOf := func(row int) (lipgloss.Color, bool) {
		if row < 0 || row >= len(events) {
			return "", false
		}
		return embedColor(events[row].Color)
	}
	fmt.Fprintln(out, renderTable([]string{"EVENT", "TYPE", "DETAILS", "TIME"}, rows, colorOf))
	return nil
}
