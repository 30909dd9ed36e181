package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/audit"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/server"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
)

// Exit codes for sitectl commands.
const (
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no stored session was found.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the OAuth flow failed.
	ExitCodeAuthFailed = 3
)

var errNotSignedIn = errors.New("not signed in")

// authFailedError wraps a failed sign-in so it maps to ExitCodeAuthFailed.
type authFailedError struct {
	err error
}

func (e *authFailedError) Error() string { return "sign-in failed: " + e.err.Error() }
func (e *authFailedError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if errors.Is(err, errNotSignedIn) {
		return ExitCodeAuthRequired
	}
	var failed *authFailedError
	if errors.As(err, &failed) {
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

// cliEnv carries the process-level dependencies of every command.
type cliEnv struct {
	out    io.Writer
	errOut io.Writer
	// durable opens the session storage for a keychain service.
	durable func(service string) storage.Durable
	// presentURL is called with the authorize URL after it is printed.
	presentURL func(authURL string)
}

func defaultEnv(out, errOut io.Writer) *cliEnv {
	return &cliEnv{
		out:     out,
		errOut:  errOut,
		durable: func(service string) storage.Durable { return storage.NewKeyring(service) },
	}
}

type globalOptions struct {
	configPath     string
	keyringService string
	auditDB        string
	logLevel       string
}

func newRootCmd(env *cliEnv) *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "sitectl",
		Short: "Operate the WordPress sign-in bridge from a terminal",
		Long: `sitectl signs in to the WordPress site with the same OAuth flow the
web application uses, keeps the session in the operating system keychain,
and inspects the configuration and the outbound API call log.`,
		SilenceUsage: true,
	}
	cmd.SetOut(env.out)
	cmd.SetErr(env.errOut)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv("SITE_CONFIG"), "Path to YAML config (defaults and SITE_* variables apply when empty)")
	flags.StringVar(&opts.keyringService, "keyring-service", storage.DefaultKeyringService, "Keychain service holding the session")
	flags.StringVar(&opts.auditDB, "audit-db", "", "SQLite audit database (defaults to audit.sqlite_path)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "warn", "Logging level (debug, info, warn, error)")

	cmd.AddCommand(
		newLoginCmd(env, opts),
		newWhoamiCmd(env, opts),
		newLogoutCmd(env, opts),
		newDiagnoseCmd(env, opts),
		newLogsCmd(env, opts),
	)
	return cmd
}

func (o *globalOptions) logger(env *cliEnv) (*slog.Logger, error) {
	level, err := parseLogLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	return slog.New(slog.NewTextHandler(env.errOut, &slog.HandlerOptions{Level: level})), nil
}

func (o *globalOptions) loadConfig() (server.Config, error) {
	cfg, err := server.LoadConfig(o.configPath)
	if err != nil {
		return server.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (o *globalOptions) auditPath(cfg server.Config) string {
	if o.auditDB != "" {
		return o.auditDB
	}
	return cfg.Audit.SQLitePath
}

// openAuditStore opens the SQLite audit database, creating its directory.
func openAuditStore(path string) (*audit.SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	return audit.OpenSQLite(path)
}

// openAudit returns an audit log writing to the SQLite store and a func
// that drains and closes it.
func (o *globalOptions) openAudit(cfg server.Config, logger *slog.Logger) (*audit.Log, func(), error) {
	store, err := openAuditStore(o.auditPath(cfg))
	if err != nil {
		return nil, nil, err
	}
	log := audit.New(store, audit.Options{
		Ceiling: cfg.Audit.Ceiling,
		MaxBody: cfg.Audit.MaxBody,
		Logger:  logger,
	})
	closeFn := func() {
		ctx, cancel := contextWithShutdownTimeout()
		defer cancel()
		if err := log.Close(ctx); err != nil {
			logger.Warn("close audit log", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Warn("close audit store", "error", err)
		}
	}
	return log, closeFn, nil
}

func newOAuthClient(oc oauth.Config, cfg server.Config, log *audit.Log, logger *slog.Logger) *oauth.Client {
	return oauth.NewClient(oauth.StaticConfig(oc),
		oauth.WithHTTPClient(log.Client(nil)),
		oauth.WithRedirectRecorder(log),
		oauth.WithLogger(logger),
		oauth.WithTimeout(cfg.WordPress.RequestTimeout),
	)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
