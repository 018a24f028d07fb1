package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/farmhand/internal/history"
	"github.com/mattjoyce/farmhand/internal/storage"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failedStyle = cellStyle.Foreground(lipgloss.Color("#FF0000"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

const maxArgvWidth = 60

func runHistory(args []string) int {
	fs := newFlagSet("history")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("n", 20, "Number of tasks to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if _, err := os.Stat(cfg.History.Path); err != nil {
		fmt.Fprintf(os.Stderr, "No task history at %s (enable history in the config)\n", cfg.History.Path)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer db.Close()

	store := history.NewStore(db)
	entries, err := store.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		return 0
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to count history: %v\n", err)
		return 1
	}
	renderHistory(os.Stdout, entries, counts)
	return 0
}

func renderHistory(w io.Writer, entries []history.Entry, counts map[history.Route]int) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no tasks recorded"))
		return
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			string(e.Route),
			e.Tool(),
			strconv.Itoa(e.ExitCode),
			e.Duration.Round(time.Millisecond).String(),
			truncate(strings.Join(e.Argv, " "), maxArgvWidth),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD"))).
		Headers("TIME", "ROUTE", "TOOL", "EXIT", "DURATION", "COMMAND").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 3 && rows[row][3] != "0" {
				return failedStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, dimStyle.Render(summarize(counts)))
}

func summarize(counts map[history.Route]int) string {
	routes := make([]string, 0, len(counts))
	total := 0
	for r, n := range counts {
		routes = append(routes, fmt.Sprintf("%s=%d", r, n))
		total += n
	}
	sort.Strings(routes)
	return fmt.Sprintf("%d tasks recorded (%s)", total, strings.Join(routes, " "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
