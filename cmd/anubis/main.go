// ABOUTME: Entry point for the Anubis malicious package triage bot.
// ABOUTME: Parses configuration, wires the scan engine to Discord and serves health, metrics and scan data.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jfeddern/anubis/internal/discord"
	"github.com/jfeddern/anubis/internal/election"
	"github.com/jfeddern/anubis/internal/engine"
	"github.com/jfeddern/anubis/internal/metrics"
	"github.com/jfeddern/anubis/internal/observability"
	"github.com/jfeddern/anubis/internal/providers"
	"github.com/jfeddern/anubis/internal/providers/dragonfly"
	"github.com/jfeddern/anubis/internal/server"
	"github.com/jfeddern/anubis/internal/watermark"

	"github.com/bwmarrin/discordgo"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd(defaultConfig()).Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfig() *engine.Config {
	return &engine.Config{
		Mode:             "single",
		Provider:         "dragonfly",
		Port:             9090,
		ScanInterval:     time.Minute,
		Threshold:        5,
		WatermarkStore:   "memory",
		DragonflyBaseURL: "https://dragonfly.mantissecurity.org",
		Environment:      "production",
		LeaseName:        "anubis",
	}
}

func newRootCmd(config *engine.Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "anubis",
		Short:        "Triage malicious PyPI package scans into Discord",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loadDotEnv()
			return applyEnvironment(config, os.Getenv)
		},
	}

	bindFlags(root, config)
	root.AddCommand(newRunCmd(config), newLookupCmd(config))
	return root
}

func bindFlags(cmd *cobra.Command, config *engine.Config) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&config.Mode, "mode", config.Mode, "Operation mode: single or cluster (lease-based leader election)")
	flags.StringVar(&config.Provider, "provider", config.Provider, "Scan provider: dragonfly, mock or local")
	flags.IntVar(&config.Port, "port", config.Port, "Port to expose health, metrics and scans on")
	flags.DurationVar(&config.ScanInterval, "scan-interval", config.ScanInterval, "Interval between scan cycles")
	flags.IntVar(&config.Threshold, "threshold", config.Threshold, "Score at or above which a package is alerted")
	flags.StringVar(&config.WatermarkStore, "watermark-store", config.WatermarkStore, "Watermark store: memory, postgres://... or s3://bucket/key")
	flags.StringVar(&config.DragonflyBaseURL, "dragonfly-url", config.DragonflyBaseURL, "Dragonfly API base URL")
	flags.StringVar(&config.DragonflyAuthURL, "dragonfly-auth-url", config.DragonflyAuthURL, "Dragonfly token endpoint")
	flags.StringVar(&config.ScanResultsFile, "scan-results-file", config.ScanResultsFile, "Path to JSON scan results (required for the local provider)")
	flags.StringVar(&config.GuildID, "guild-id", config.GuildID, "Discord guild to register commands in")
	flags.StringVar(&config.LeaseName, "lease-name", config.LeaseName, "Lease name for leader election")
	flags.StringVar(&config.LeaseNamespace, "lease-namespace", config.LeaseNamespace, "Lease namespace for leader election")
}

// applyEnvironment overrides flag values with environment variables when set
func applyEnvironment(config *engine.Config, getenv func(string) string) error {
	overrides := map[string]*string{
		"MODE":                           &config.Mode,
		"PROVIDER":                       &config.Provider,
		"WATERMARK_STORE":                &config.WatermarkStore,
		"DRAGONFLY_API_URL":              &config.DragonflyBaseURL,
		"DRAGONFLY_AUTH_URL":             &config.DragonflyAuthURL,
		"DRAGONFLY_AUDIENCE":             &config.DragonflyAudience,
		"DRAGONFLY_CLIENT_ID":            &config.DragonflyClientID,
		"DRAGONFLY_CLIENT_SECRET":        &config.DragonflyClientSecret,
		"DRAGONFLY_USERNAME":             &config.DragonflyUsername,
		"DRAGONFLY_PASSWORD":             &config.DragonflyPassword,
		"DRAGONFLY_ALERTS_CHANNEL_ID":    &config.AlertsChannelID,
		"DRAGONFLY_LOGS_CHANNEL_ID":      &config.LogsChannelID,
		"DRAGONFLY_REPORTING_CHANNEL_ID": &config.ReportingChannelID,
		"DRAGONFLY_ALERTS_ROLE_ID":       &config.AlertsRoleID,
		"DRAGONFLY_SECURITY_ROLE_ID":     &config.SecurityRoleID,
		"DRAGONFLY_RECIPIENT":            &config.ReportRecipient,
		"SCAN_RESULTS_FILE":              &config.ScanResultsFile,
		"BOT_TOKEN":                      &config.DiscordToken,
		"BOT_GUILD_ID":                   &config.GuildID,
		"BOT_SENTRY_DSN":                 &config.SentryDSN,
		"ENVIRONMENT":                    &config.Environment,
		"LEASE_NAME":                     &config.LeaseName,
		"LEASE_NAMESPACE":                &config.LeaseNamespace,
	}
	for key, target := range overrides {
		if value := getenv(key); value != "" {
			*target = value
		}
	}

	if config.LeaseNamespace == "" {
		config.LeaseNamespace = getenv("POD_NAMESPACE")
	}

	if value := getenv("PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid PORT environment variable %q: %w", value, err)
		}
		config.Port = port
	}
	if value := getenv("DRAGONFLY_THRESHOLD"); value != "" {
		threshold, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid DRAGONFLY_THRESHOLD environment variable %q: %w", value, err)
		}
		config.Threshold = threshold
	}
	if value := getenv("DRAGONFLY_INTERVAL"); value != "" {
		interval, err := parseInterval(value)
		if err != nil {
			return fmt.Errorf("invalid DRAGONFLY_INTERVAL environment variable %q: %w", value, err)
		}
		config.ScanInterval = interval
	}
	return nil
}

// parseInterval accepts a Go duration or a bare number of seconds
func parseInterval(value string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func validateProviderConfig(config *engine.Config) error {
	switch config.Provider {
	case "dragonfly":
		var missing []string
		for name, value := range map[string]string{
			"DRAGONFLY_API_URL":   config.DragonflyBaseURL,
			"DRAGONFLY_AUTH_URL":  config.DragonflyAuthURL,
			"DRAGONFLY_CLIENT_ID": config.DragonflyClientID,
			"DRAGONFLY_USERNAME":  config.DragonflyUsername,
			"DRAGONFLY_PASSWORD":  config.DragonflyPassword,
		} {
			if value == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			return fmt.Errorf("dragonfly provider is missing configuration: %s", strings.Join(missing, ", "))
		}
	case "local":
		if config.ScanResultsFile == "" {
			return fmt.Errorf("scan results file is required for the local provider")
		}
	case "mock":
	default:
		return fmt.Errorf("unsupported provider %q: must be dragonfly, mock or local", config.Provider)
	}
	return nil
}

func validateConfig(config *engine.Config) error {
	if err := validateProviderConfig(config); err != nil {
		return err
	}

	switch config.Mode {
	case "single":
	case "cluster":
		if config.LeaseName == "" || config.LeaseNamespace == "" {
			return fmt.Errorf("lease name and namespace are required in cluster mode")
		}
		if config.WatermarkStore == "" || config.WatermarkStore == "memory" {
			return fmt.Errorf("cluster mode requires a shared watermark store (postgres:// or s3://)")
		}
	default:
		return fmt.Errorf("unsupported mode %q: must be single or cluster", config.Mode)
	}

	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port %d is out of range", config.Port)
	}
	if config.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be positive, got %s", config.ScanInterval)
	}
	if config.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative, got %d", config.Threshold)
	}

	if config.DiscordToken == "" {
		return fmt.Errorf("BOT_TOKEN is required")
	}
	if config.GuildID == "" {
		return fmt.Errorf("BOT_GUILD_ID is required")
	}
	if config.AlertsChannelID == "" || config.LogsChannelID == "" {
		return fmt.Errorf("alerts and logs channel IDs are required")
	}
	if config.SecurityRoleID == "" {
		return fmt.Errorf("DRAGONFLY_SECURITY_ROLE_ID is required")
	}
	return nil
}

func loadDotEnv() {
	for _, file := range []string{".env.server", ".env"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", file, err)
		}
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func release() string {
	sha := os.Getenv("GIT_SHA")
	if sha == "" {
		sha = "development"
	}
	return "anubis@" + sha
}

func providerConfig(config *engine.Config) *providers.ProviderConfig {
	return &providers.ProviderConfig{
		Provider: config.Provider,
		Dragonfly: dragonfly.Config{
			BaseURL:      config.DragonflyBaseURL,
			AuthURL:      config.DragonflyAuthURL,
			Audience:     config.DragonflyAudience,
			ClientID:     config.DragonflyClientID,
			ClientSecret: config.DragonflyClientSecret,
			Username:     config.DragonflyUsername,
			Password:     config.DragonflyPassword,
		},
		ResultsFile: config.ScanResultsFile,
	}
}

func newRunCmd(config *engine.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot and the periodic scan loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateConfig(config); err != nil {
				return err
			}

			logger := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, config, logger)
			if err != nil {
				logger.WithError(err).Error("Failed to initialize Anubis")
				return err
			}
			defer app.Close()

			return app.Run(ctx)
		},
	}
}

func newLookupCmd(config *engine.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <name> [version]",
		Short: "Print the scan result of one package as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateProviderConfig(config); err != nil {
				return err
			}

			logger := newLogger()
			logger.SetOutput(cmd.ErrOrStderr())

			scans, err := providers.CreateScanService(providerConfig(config), logger)
			if err != nil {
				return err
			}

			version := ""
			if len(args) == 2 {
				version = args[1]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			result, err := scans.GetPackage(ctx, args[0], version)
			if err != nil {
				return fmt.Errorf("failed to look up %s: %w", args[0], err)
			}
			if result == nil {
				return fmt.Errorf("no scan found for %s %s", args[0], version)
			}

			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal scan result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

// App holds the long-lived components of a running bot
type App struct {
	config  *engine.Config
	logger  *logrus.Logger
	errors  observability.Reporter
	store   watermark.Store
	session *discordgo.Session
	engine  *engine.Engine
	bot     *discord.Bot
}

func NewApp(ctx context.Context, config *engine.Config, logger *logrus.Logger) (*App, error) {
	logger.WithFields(logrus.Fields{
		"mode":            config.Mode,
		"provider":        config.Provider,
		"port":            config.Port,
		"scan_interval":   config.ScanInterval,
		"threshold":       config.Threshold,
		"watermark_store": redactURL(config.WatermarkStore),
	}).Info("Initializing Anubis")

	errs, err := observability.New(config.SentryDSN, config.Environment, release(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize error reporting: %w", err)
	}

	store, err := watermark.Open(ctx, config.WatermarkStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open watermark store: %w", err)
	}

	scans, err := providers.CreateScanService(providerConfig(config), logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create scan service: %w", err)
	}

	session, err := discordgo.New("Bot " + config.DiscordToken)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds

	notifier := discord.NewChannelNotifier(session, discord.Channels{
		AlertsChannelID:    config.AlertsChannelID,
		LogsChannelID:      config.LogsChannelID,
		ReportingChannelID: config.ReportingChannelID,
		AlertsRoleID:       config.AlertsRoleID,
	}, logger)

	scanEngine := engine.NewEngine(ctx, scans, notifier, errs, store, config, logger)

	bot := discord.New(ctx, session, scanEngine, scans, notifier, errs, discord.Config{
		GuildID:         config.GuildID,
		SecurityRoleID:  config.SecurityRoleID,
		ReportRecipient: config.ReportRecipient,
	}, logger)
	session.AddHandler(bot.HandleInteraction)

	return &App{
		config:  config,
		logger:  logger,
		errors:  errs,
		store:   store,
		session: session,
		engine:  scanEngine,
		bot:     bot,
	}, nil
}

// Run serves HTTP and runs the bot until ctx is done. In cluster mode the bot only
// runs while this replica holds the lease.
func (a *App) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           newRouter(a.engine, a.logger),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.WithField("port", a.config.Port).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	botDone := make(chan error, 1)
	go func() {
		botDone <- a.runBot(runCtx)
	}()

	var runErr error
	select {
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
		cancel()
		<-botDone
	case runErr = <-botDone:
	}

	a.logger.Info("Shutting down HTTP server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}

	return runErr
}

func (a *App) runBot(ctx context.Context) error {
	if a.config.Mode != "cluster" {
		a.lead(ctx)
		return nil
	}

	client, err := election.NewClientset(a.logger)
	if err != nil {
		return err
	}
	elector, err := election.NewElector(client, election.DefaultConfig(a.config.LeaseName, a.config.LeaseNamespace), a.logger)
	if err != nil {
		return err
	}
	return elector.Run(ctx, a.lead)
}

// lead connects to Discord and runs the scan loop until ctx is done
func (a *App) lead(ctx context.Context) {
	logger := a.logger.WithField("component", "bot")

	if err := a.session.Open(); err != nil {
		logger.WithError(err).Error("Failed to open Discord session")
		a.errors.CaptureError(fmt.Errorf("failed to open Discord session: %w", err), map[string]string{"operation": "connect"})
		return
	}
	defer func() {
		if err := a.session.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Discord session")
		}
	}()

	if a.session.State.User == nil {
		logger.Error("Discord session has no bot user, skipping command registration")
	} else if err := a.bot.RegisterCommands(a.session.State.User.ID); err != nil {
		logger.WithError(err).Error("Failed to register commands")
		a.errors.CaptureError(err, map[string]string{"operation": "register_commands"})
	}

	a.engine.ReloadWatermark()
	if err := a.engine.Start(ctx); err != nil && !errors.Is(err, engine.ErrAlreadyRunning) {
		logger.WithError(err).Error("Failed to start scan loop")
	}

	<-ctx.Done()

	if err := a.engine.Stop(true); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		logger.WithError(err).Warn("Failed to stop scan loop")
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.engine.Wait(waitCtx); err != nil {
		logger.WithError(err).Warn("Scan loop did not exit in time")
	}
}

func (a *App) Close() {
	a.store.Close()
	if !a.errors.Flush(5 * time.Second) {
		a.logger.Warn("Not all errors were delivered before shutdown")
	}
}

func newRouter(data metrics.ScanDataProvider, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(securityMiddleware(logger))
	r.Handle("/health", http.HandlerFunc(healthHandler))
	r.Handle("/metrics", metrics.CreateMetricsHandler(data, logger))
	r.Handle("/scans", server.CreateScansHandler(data, logger))
	return r
}

func securityMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'none'; object-src 'none'; frame-ancestors 'none'")

			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"remote_ip":  r.RemoteAddr,
				"user_agent": r.UserAgent(),
			}).Debug("HTTP request received")

			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok"}`)
}

// redactURL hides credentials in store URLs before logging
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
