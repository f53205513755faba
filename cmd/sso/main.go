// Command sso runs the identity server: login, sessions, magic links,
// step-up PINs, and the OAuth 2.1 authorization server, backed by
// Redis or process memory.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sso "github.com/nimbusid/sso"
	"github.com/nimbusid/sso/directory"
	"github.com/nimbusid/sso/instrumentation"
	"github.com/nimbusid/sso/security"
	"github.com/nimbusid/sso/server"
	"github.com/nimbusid/sso/session"
	"github.com/nimbusid/sso/storage"
	"github.com/nimbusid/sso/storage/memory"
	redisstore "github.com/nimbusid/sso/storage/redis"
	"github.com/nimbusid/sso/token"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := sso.LoadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, stopStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopStore()

	signer, err := security.NewSigner([]byte(cfg.SigningSecret))
	if err != nil {
		return err
	}
	auditor := security.NewAuditor(logger, cfg.AuditEnabled)

	sessions := session.NewService(store, auditor, logger, cfg.SessionTTL)
	defer sessions.Close()

	issuer, err := token.NewIssuer(signer, store, auditor, logger, token.IssuerConfig{
		Issuer:          cfg.IssuerURL,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return err
	}

	users := directory.NewInMemory()
	bootstrapUsers(users, cfg, logger)

	core, err := server.New(
		users,
		&logDeliverer{logger: logger},
		sessions,
		token.NewPinService(store, auditor, logger),
		token.NewSingleUseService(signer, store, auditor, logger),
		issuer,
		store,
		store,
		&server.Config{
			IssuerURL:           cfg.IssuerURL,
			MagicLinkTTL:        cfg.MagicLinkTTL,
			PasswordResetTTL:    cfg.PasswordResetTTL,
			AuthCodeTTL:         cfg.AuthCodeTTL,
			StepUpEveryNthLogin: cfg.StepUpEveryNthLogin,
			MaxClientsPerIP:     cfg.MaxClientsPerIP,
		},
		logger,
	)
	if err != nil {
		return err
	}
	core.SetAuditor(auditor)

	if cfg.RateLimitPerSecond > 0 {
		rl := security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger)
		defer rl.Stop()
		core.SetRateLimiter(rl)
	}

	if cfg.MetricsEnabled {
		inst, err := instrumentation.New(instrumentation.Config{
			ServiceName: "sso",
			Enabled:     true,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = inst.Shutdown(shutdownCtx)
		}()
		core.SetInstrumentation(inst)
		if ms, ok := store.(*memory.Store); ok {
			ms.SetInstrumentation(inst)
		}
	}

	go sessionCleanupLoop(ctx, sessions, logger)

	mux := http.NewServeMux()
	sso.NewHandler(core, cfg, logger).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting SSO server",
			"addr", cfg.ListenAddr,
			"issuer", cfg.IssuerURL,
			"environment", cfg.Environment,
			"backend", backendName(cfg))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func setupLogger(cfg *sso.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// openStore picks Redis when configured, process memory otherwise.
func openStore(ctx context.Context, cfg *sso.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.RedisAddr != "" {
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}

	store := memory.New()
	return store, store.Stop, nil
}

func backendName(cfg *sso.Config) string {
	if cfg.RedisAddr != "" {
		return "redis"
	}
	return "memory"
}

// bootstrapUsers seeds the in-memory directory from the environment so
// a development deployment has someone to log in as.
func bootstrapUsers(users *directory.InMemory, cfg *sso.Config, logger *slog.Logger) {
	email := os.Getenv("SSO_BOOTSTRAP_EMAIL")
	password := os.Getenv("SSO_BOOTSTRAP_PASSWORD")
	if email == "" || password == "" {
		if !cfg.IsProduction() {
			logger.Warn("No bootstrap user configured; set SSO_BOOTSTRAP_EMAIL and SSO_BOOTSTRAP_PASSWORD")
		}
		return
	}

	id, err := users.AddUser(email, "Administrator", password, "admin")
	if err != nil {
		logger.Error("Failed to create bootstrap user", "error", err)
		return
	}
	logger.Info("Bootstrap user created", "user_id", id)
}

// sessionCleanupLoop purges long-dead session records. Live expiry is
// enforced at validation time; this only bounds storage growth.
func sessionCleanupLoop(ctx context.Context, sessions *session.Service, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sessions.Cleanup(ctx, 30*24*time.Hour)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Session cleanup failed", "error", err)
			} else if removed > 0 {
				logger.Debug("Session cleanup completed", "removed", removed)
			}
		}
	}
}

// logDeliverer writes deliveries to the log. Production replaces this
// with a real mail or SMS integration behind server.Deliverer.
type logDeliverer struct {
	logger *slog.Logger
}

func (d *logDeliverer) DeliverMagicLink(_ context.Context, email, link string) error {
	d.logger.Info("Magic link issued", "email", email, "link", link)
	return nil
}

func (d *logDeliverer) DeliverPin(_ context.Context, email, pin string) error {
	d.logger.Info("Step-up PIN issued", "email", email, "pin", pin)
	return nil
}

func (d *logDeliverer) DeliverPasswordReset(_ context.Context, email, link string) error {
	d.logger.Info("Password reset link issued", "email", email, "link", link)
	return nil
}
