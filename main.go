package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/diagnostics"
	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("SITE_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "diagnose" {
		command = "diagnose"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "diagnose" {
		fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
		probe := fs.Bool("probe", false, "Also run connectivity checks against the WordPress site")
		_ = fs.Parse(commandArgs)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := runDiagnose(ctx, cfg, logger, *probe, nil); err != nil {
			logger.Error("diagnostics failed", "error", err)
			os.Exit(1)
		}
		logger.Info("diagnostics passed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	validateStartupURLs(ctx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     minTLSVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	// Drains queued audit entries after the listeners stop accepting requests.
	application.Close(shutdownCtx)
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func minTLSVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runDiagnose evaluates the WordPress OAuth settings and logs every finding.
// It returns an error when any check reports an Error verdict.
func runDiagnose(ctx context.Context, cfg server.Config, logger *slog.Logger, probe bool, httpClient *http.Client) (diagnostics.Report, error) {
	report := diagnostics.Run(ctx, cfg.OAuth(), diagnostics.Options{
		Probe:      probe,
		HTTPClient: httpClient,
		Logger:     logger,
	})

	for _, res := range report.Results {
		attrs := []any{"check", res.Name, "verdict", res.Verdict, "message", res.Message}
		if res.Remediation != "" {
			attrs = append(attrs, "remediation", res.Remediation)
		}
		switch res.Verdict {
		case diagnostics.Error:
			logger.Error("diagnose.result", attrs...)
		case diagnostics.Warning:
			logger.Warn("diagnose.result", attrs...)
		default:
			logger.Info("diagnose.result", attrs...)
		}
	}

	if n := report.Count(diagnostics.Error); n > 0 {
		return report, fmt.Errorf("%d check(s) failed", n)
	}
	return report, nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(os.Stdin, path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	for name, endpoint := range wordPressEndpoints(cfg) {
		if err := validateURL(ctx, endpoint); err != nil {
			logger.Error("wordpress endpoint validation failed", "endpoint", name, "url", endpoint, "error", err)
		} else {
			logger.Info("wordpress endpoint is accessible", "endpoint", name, "url", endpoint)
		}
	}

	if _, err := runDiagnose(ctx, cfg, logger, false, nil); err != nil {
		return err
	}

	logger.Info("configuration validation complete")
	return nil
}

func wordPressEndpoints(cfg server.Config) map[string]string {
	oc := cfg.OAuth()
	out := map[string]string{}
	for name, v := range map[string]string{
		"authorize": oc.AuthorizeEndpoint,
		"token":     oc.TokenEndpoint,
		"userinfo":  oc.UserInfoEndpoint,
		"rest_api":  cfg.ContentAPIBase(),
	} {
		if v != "" {
			out[name] = v
		}
	}
	return out
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for name, endpoint := range wordPressEndpoints(cfg) {
		if err := validateURL(ctx, endpoint); err != nil {
			logger.Warn("wordpress endpoint may not be accessible",
				"endpoint", name,
				"url", endpoint,
				"error", err,
				"note", "server will continue but sign-in may fail")
		} else {
			logger.Debug("wordpress endpoint is accessible", "endpoint", name, "url", endpoint)
		}
	}
}

// validateURL reports whether the server answers at all. OAuth endpoints
// commonly reject HEAD and GET with 4xx, so only transport failures and 5xx
// responses count as unreachable.
func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}

	return nil
}

func runSetup(in io.Reader, path string, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for WordPress sign-in. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		publicURL := strings.TrimSuffix(ask(reader, "Site public URL", cfg.Server.PublicURL), "/")
		if publicURL != "" {
			cfg.Server.PublicURL = publicURL
		}
		cfg.Server.DevListenAddr = ask(reader, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		raw := askRequired(reader, "Public domains, comma separated (e.g. www.example.com)")
		domains := normalizeList(raw, []string{raw})
		cfg.Server.TLS.Domains = domains
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domains[0], "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}

	cfg.WordPress.SiteURL = strings.TrimSuffix(askRequired(reader, "WordPress site URL (e.g. https://cms.example.com)"), "/")
	cfg.WordPress.ClientID = askRequired(reader, "WordPress OAuth client ID")
	cfg.WordPress.ClientSecret = askRequired(reader, "WordPress OAuth client secret")
	cfg.WordPress.Scope = ask(reader, "OAuth scope", cfg.WordPress.Scope)

	if askYesNo(reader, "Enable Supabase password sign-in?", false) {
		cfg.Supabase.URL = askRequired(reader, "Supabase project URL")
		cfg.Supabase.AnonKey = askRequired(reader, "Supabase anon key")
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, fmt.Errorf("setup produced invalid config: %w", err)
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path, "redirect_uri", cfg.OAuth().RedirectURI)
	fmt.Printf("Register %s as the redirect URI of the WordPress OAuth client.\n", cfg.OAuth().RedirectURI)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			log.Fatalf("setup aborted: %s is required", prompt)
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
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

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
