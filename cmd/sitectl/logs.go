package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/audit"
)

func newLogsCmd(env *cliEnv, opts *globalOptions) *cobra.Command {
	var (
		limit  int
		bodies bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List recorded outbound API calls, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd.Context(), env, opts, limit, bodies)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show (0 for all)")
	cmd.Flags().BoolVar(&bodies, "bodies", false, "Include masked request and response bodies")
	return cmd
}

func runLogs(ctx context.Context, env *cliEnv, opts *globalOptions, limit int, bodies bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := openAuditStore(opts.auditPath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(env.out, "%s\n", text.FgYellow.Sprint("No API calls recorded yet."))
		return nil
	}
	renderEntries(env.out, entries, bodies)
	return nil
}

func renderEntries(w io.Writer, entries []audit.Entry, bodies bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)

	header := table.Row{
		text.FgHiCyan.Sprint("TIME"),
		text.FgHiCyan.Sprint("METHOD"),
		text.FgHiCyan.Sprint("URL"),
		text.FgHiCyan.Sprint("STATUS"),
	}
	if bodies {
		header = append(header, text.FgHiCyan.Sprint("REQUEST"), text.FgHiCyan.Sprint("RESPONSE"))
	}
	t.AppendHeader(header)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: 60},
		{Number: 5, WidthMax: 40},
		{Number: 6, WidthMax: 40},
	})

	for _, e := range entries {
		row := table.Row{
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Method,
			e.URL,
			formatStatus(e.Status),
		}
		if bodies {
			row = append(row, e.RequestBody, e.ResponseBody)
		}
		t.AppendRow(row)
	}
	t.Render()
	fmt.Fprintf(w, "%s %d entries\n", text.FgHiBlue.Sprint("Total:"), len(entries))
}

func formatStatus(status int) string {
	s := strconv.Itoa(status)
	switch {
	case status == 0 || status >= 500:
		return text.FgRed.Sprint(s)
	case status >= 400:
		return text.FgYellow.Sprint(s)
	default:
		return text.FgGreen.Sprint(s)
	}
}
