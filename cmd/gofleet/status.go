package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/basket/gofleet/internal/persistence"
)

func runStatusCommand(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	pool := fs.String("pool", "", "only show tasks in this pool")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: gofleet status [--pool name]")
		return 2
	}
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	return withTaskStore(ctx, func(tasks persistence.TaskStore) error {
		var (
			rows []persistence.TaskRow
			err  error
		)
		if *pool != "" {
			rows, err = tasks.ListTasks(ctx, *pool)
		} else {
			rows, err = tasks.ListAllTasks(ctx)
		}
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		fmt.Println(renderStatus(rows, time.Now(), color))
		return nil
	})
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errorStyle  = cellStyle.Foreground(lipgloss.Color("196"))
	idleStyle   = cellStyle.Foreground(lipgloss.Color("240"))
)

const (
	colCurrent = 2
	colError   = 6
)

// renderStatus draws the task table. Without color every cell is plain.
func renderStatus(rows []persistence.TaskRow, now time.Time, color bool) string {
	if len(rows) == 0 {
		return "no tasks"
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("AGENT", "POOL", "CURRENT", "QUEUED", "CANCEL", "INCARNATION", "LAST ERROR", "UPDATED")
	for _, r := range rows {
		cancel := ""
		if r.Cancel {
			cancel = "yes"
		}
		t.Row(
			r.AgentID,
			r.Pool,
			orDash(r.Current),
			orDash(r.Queued),
			cancel,
			shortID(r.Incarnation),
			truncate(r.LastError, 40),
			since(r.UpdatedAt, now),
		)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		if !color || row < 0 || row >= len(rows) {
			return cellStyle
		}
		r := rows[row]
		switch {
		case col == colError && r.LastError != "":
			return errorStyle
		case col == colCurrent && r.Current == "":
			return idleStyle
		}
		return cellStyle
	})
	return t.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orDash(id)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}
