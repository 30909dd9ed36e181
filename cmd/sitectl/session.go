package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/session"
)

func newWhoamiCmd(env *cliEnv, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the session stored in the keychain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWhoami(cmd.Context(), env, opts)
		},
	}
}

func newLogoutCmd(env *cliEnv, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the WordPress token and clear the keychain session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogout(cmd.Context(), env, opts)
		},
	}
}

func runWhoami(ctx context.Context, env *cliEnv, opts *globalOptions) error {
	logger, err := opts.logger(env)
	if err != nil {
		return err
	}
	bridge := session.NewBridge(env.durable(opts.keyringService), nil, nil, logger)
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	defer bridge.Close()

	view := bridge.View()
	if !view.SignedIn {
		fmt.Fprintf(env.out, "%s Not signed in. Run: sitectl login\n", text.FgYellow.Sprint("!"))
		return errNotSignedIn
	}

	t := table.NewWriter()
	t.SetOutputMirror(env.out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("KEY"), text.FgHiCyan.Sprint("VALUE")})
	t.AppendRows([]table.Row{
		{"Source", view.Source},
		{"User ID", view.UserID},
		{"Email", view.Email},
		{"Name", view.Name},
		{"Administrator", formatBool(view.IsAdmin)},
	})
	t.Render()
	return nil
}

func runLogout(ctx context.Context, env *cliEnv, opts *globalOptions) error {
	logger, err := opts.logger(env)
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	auditLog, closeAudit, err := opts.openAudit(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	client := newOAuthClient(cfg.OAuth(), cfg, auditLog, logger)
	bridge := session.NewBridge(env.durable(opts.keyringService), nil, client, logger)
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	defer bridge.Close()

	notice, err := bridge.SignOut(ctx)
	fmt.Fprintln(env.out, formatNotice(notice))
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

func formatNotice(n session.Notice) string {
	switch n.Level {
	case session.LevelSuccess:
		return text.FgGreen.Sprint("✓") + " " + n.Message
	case session.LevelWarning:
		return text.FgYellow.Sprint("!") + " " + n.Message
	case session.LevelError:
		return text.FgRed.Sprint("✗") + " " + n.Message
	default:
		return n.Message
	}
}

func formatBool(v bool) string {
	if v {
		return text.FgGreen.Sprint("yes")
	}
	return "no"
}
