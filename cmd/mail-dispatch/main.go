// Package main is the entry point for the mail dispatch engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/admin"
	"github.com/shineum/mail-dispatch/internal/audit"
	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/intercept"
	"github.com/shineum/mail-dispatch/internal/oauth"
	"github.com/shineum/mail-dispatch/internal/queue"
	"github.com/shineum/mail-dispatch/internal/secret"
	"github.com/shineum/mail-dispatch/internal/smtp"
	"github.com/shineum/mail-dispatch/internal/store"
	smtptls "github.com/shineum/mail-dispatch/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before configuration (ignored when missing)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to load env file", "path", *envFile, "error", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("mail-dispatch stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("mail-dispatch stopped")
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	var opts []store.Option
	if cfg.Encryption.Key != "" {
		cipher, err := secret.New([]byte(cfg.Encryption.Key))
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		opts = append(opts, store.WithCipher(cipher))
	}

	st, err := store.Open(ctx, store.Dialect(cfg.Database.Driver), cfg.Database.DSN, opts...)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	tokens, err := newTokenManager(ctx, cfg, st)
	if err != nil {
		return err
	}

	registry, method, err := newTransports(ctx, cfg, tokens)
	if err != nil {
		return err
	}

	auditLog := audit.NewLog(st)
	dispatcher, err := dispatch.New(dispatch.Config{
		Method:       method,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BatchSize:    cfg.Queue.BatchSize,
		Workers:      cfg.Queue.Workers,
		CycleTimeout: cfg.Queue.CycleTimeout,
		SendTimeout:  cfg.Queue.SendTimeout,
		ReclaimAfter: cfg.Queue.ReclaimAfter,
		Backoff:      queue.Backoff{Base: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax},
	}, st, registry, auditLog)
	if err != nil {
		return err
	}

	scheduler := dispatch.NewScheduler(dispatcher, dispatch.SchedulerConfig{
		Interval:       cfg.Queue.PollInterval,
		PruneInterval:  cfg.Queue.PruneInterval,
		QueueRetention: cfg.Queue.Retention,
		AuditRetention: cfg.Audit.Retention,
	})

	deps := admin.Deps{
		Processor: dispatcher,
		Queue:     st,
		Audit:     auditLog,
		Health:    st,
	}
	if tokens != nil {
		deps.Consent = tokens
	}
	adminServer := admin.New(admin.Config{Addr: cfg.Admin.Listen, Token: cfg.Admin.Token}, deps)

	slog.Info("starting mail-dispatch",
		"method", method,
		"database", cfg.Database.Driver,
		"intercept_enabled", cfg.Intercept.Enabled,
		"admin_listen", cfg.Admin.Listen,
	)

	var ingress *smtp.Server
	if cfg.Intercept.Enabled {
		if ingress, err = newIngress(cfg, dispatcher); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return adminServer.ListenAndServe(ctx)
	})
	if ingress != nil {
		g.Go(func() error {
			return ingress.ListenAndServe(ctx)
		})
	}

	return g.Wait()
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// newTokenManager builds the delegated token manager when Gmail OAuth
// credentials are configured. A Redis URL adds the cross-process refresh
// lock.
func newTokenManager(ctx context.Context, cfg *config.Config, st *store.Store) (*oauth.Manager, error) {
	if cfg.Gmail.ClientID == "" {
		return nil, nil
	}

	var opts []oauth.Option
	if cfg.Redis.URL != "" {
		client, err := oauth.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, oauth.WithLocker(oauth.NewRedisLocker(client)))
		slog.Info("using redis refresh lock")
	}

	stateSecret := cfg.Gmail.StateSecret
	if stateSecret == "" {
		stateSecret = cfg.Encryption.Key
	}
	return oauth.NewManager(oauth.Config{
		ClientID:     cfg.Gmail.ClientID,
		ClientSecret: cfg.Gmail.ClientSecret,
		RedirectURL:  cfg.Gmail.RedirectURL,
		StateSecret:  []byte(stateSecret),
	}, st, opts...)
}

// newIngress builds the SMTP intercept listener in front of the shim.
func newIngress(cfg *config.Config, d *dispatch.Dispatcher) (*smtp.Server, error) {
	mode, err := intercept.ParseMode(cfg.Intercept.Mode)
	if err != nil {
		return nil, err
	}
	shim, err := intercept.New(mode, d)
	if err != nil {
		return nil, err
	}

	hosts := smtptls.DefaultHosts
	if cfg.Intercept.Domain != "" {
		hosts = append([]string{cfg.Intercept.Domain}, hosts...)
	}
	tlsConfig, source, err := smtptls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, hosts...)
	if err != nil {
		return nil, fmt.Errorf("setting up TLS: %w", err)
	}
	slog.Info("intercept ingress configured",
		"mode", shim.Mode(),
		"listen", cfg.Intercept.Listen,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", source,
	)

	return smtp.New(smtp.Config{
		Addr:              cfg.Intercept.Listen,
		Domain:            cfg.Intercept.Domain,
		Username:          cfg.Intercept.Username,
		Password:          cfg.Intercept.Password,
		TLSConfig:         tlsConfig,
		AllowInsecureAuth: cfg.Intercept.AllowInsecureAuth,
		MaxMessageBytes:   cfg.Intercept.MaxMessageSize,
	}, shim), nil
}
