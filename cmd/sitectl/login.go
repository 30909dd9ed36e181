package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/server"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/session"
)

type loginResult struct {
	completion *oauth.Completion
	err        error
}

func newLoginCmd(env *cliEnv, opts *globalOptions) *cobra.Command {
	var (
		listen  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with WordPress and keep the session in the keychain",
		Long: `Sign in with the WordPress OAuth server.

sitectl listens on a loopback address for the OAuth callback and prints the
authorize URL. Open it in a browser; once WordPress redirects back the
session is stored in the operating system keychain.

The redirect URI http://<listen>/auth/wordpress/callback must be registered
with the WordPress OAuth client.

Examples:
  sitectl login
  sitectl login --listen 127.0.0.1:9000 --timeout 2m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd.Context(), env, opts, listen, timeout)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8765", "Loopback address receiving the OAuth callback")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the browser to return")
	return cmd
}

func runLogin(ctx context.Context, env *cliEnv, opts *globalOptions, listen string, timeout time.Duration) error {
	logger, err := opts.logger(env)
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}

	auditLog, closeAudit, err := opts.openAudit(cfg, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer closeAudit()

	oc := cfg.OAuth()
	oc.RedirectURI = "http://" + ln.Addr().String() + server.CallbackPath
	client := newOAuthClient(oc, cfg, auditLog, logger)

	durable := env.durable(opts.keyringService)
	bridge := session.NewBridge(durable, nil, client, logger)
	flow := oauth.NewFlow(client, durable, bridge)
	flow.OnTransition(func(from, to oauth.State) {
		logger.Debug("oauth transition", "from", from, "to", to)
	})

	authURL, err := flow.Initiate()
	if err != nil {
		_ = ln.Close()
		return &authFailedError{err: err}
	}

	results := make(chan loginResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(server.CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		completion, err := flow.HandleCallback(r.Context(), oauth.CallbackParamsFromQuery(r.URL.Query()))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, oauth.UserMessage(err)+"\n")
		} else {
			_, _ = io.WriteString(w, "Signed in. You can close this window and return to the terminal.\n")
		}
		select {
		case results <- loginResult{completion: completion, err: err}:
		default:
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("callback listener", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := contextWithShutdownTimeout()
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(env.out, "Open this URL in a browser to sign in:\n\n  %s\n\n", authURL)
	if env.presentURL != nil {
		env.presentURL(authURL)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(env.errOut))
	s.Suffix = " Waiting for WordPress to redirect back..."
	s.Start()

	var res loginResult
	select {
	case res = <-results:
	case <-time.After(timeout):
		res.err = fmt.Errorf("no callback received within %s", timeout)
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	s.Stop()

	if res.err != nil {
		fmt.Fprintf(env.out, "%s %s\n", text.FgRed.Sprint("✗"), oauth.UserMessage(res.err))
		return &authFailedError{err: res.err}
	}

	view := session.Describe(&session.ProviderSession{Identity: res.completion.Identity, IsAdmin: res.completion.IsAdmin})
	role := ""
	if view.IsAdmin {
		role = " " + text.FgHiBlack.Sprint("(administrator)")
	}
	fmt.Fprintf(env.out, "%s Signed in as %s%s\n", text.FgGreen.Sprint("✓"), displayName(view), role)
	return nil
}

func displayName(v session.View) string {
	switch {
	case v.Name != "" && v.Email != "":
		return fmt.Sprintf("%s <%s>", v.Name, v.Email)
	case v.Email != "":
		return v.Email
	case v.Name != "":
		return v.Name
	default:
		return "user " + v.UserID
	}
}
