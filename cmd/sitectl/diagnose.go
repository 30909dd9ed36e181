package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/diagnostics"
)

var errDiagnosticsFailed = errors.New("configuration has errors")

func newDiagnoseCmd(env *cliEnv, opts *globalOptions) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Check the WordPress OAuth configuration",
		Long: `Check the WordPress OAuth configuration for common mistakes.

With --probe the authorize endpoint, discovery document and signing keys
are fetched as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDiagnose(cmd.Context(), env, opts, probe)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "Also run connectivity checks")
	return cmd
}

func runDiagnose(ctx context.Context, env *cliEnv, opts *globalOptions, probe bool) error {
	logger, err := opts.logger(env)
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	report := diagnostics.Run(ctx, cfg.OAuth(), diagnostics.Options{Probe: probe, Logger: logger})
	renderReport(env.out, report)

	if report.Count(diagnostics.Error) > 0 {
		return errDiagnosticsFailed
	}
	return nil
}

func renderReport(w io.Writer, report diagnostics.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("CHECK"),
		text.FgHiCyan.Sprint("VERDICT"),
		text.FgHiCyan.Sprint("FINDING"),
	})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 3, WidthMax: 72}})
	for _, res := range report.Results {
		finding := res.Message
		if res.Remediation != "" {
			finding += "\n" + text.FgHiBlack.Sprint(res.Remediation)
		}
		t.AppendRow(table.Row{res.Name, formatVerdict(res.Verdict), finding})
	}
	t.Render()

	fmt.Fprintf(w, "%s %d ok, %d warnings, %d errors\n",
		text.FgHiBlue.Sprint("Summary:"),
		report.Count(diagnostics.OK),
		report.Count(diagnostics.Warning),
		report.Count(diagnostics.Error),
	)
}

func formatVerdict(v diagnostics.Verdict) string {
	switch v {
	case diagnostics.OK:
		return text.FgGreen.Sprint("ok")
	case diagnostics.Warning:
		return text.FgYellow.Sprint("warning")
	case diagnostics.Error:
		return text.FgRed.Sprint("error")
	default:
		return text.FgHiBlack.Sprint(string(v))
	}
}
