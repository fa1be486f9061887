package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	imapadapter "github.com/V1an1337/MailAdmin/internal/adapter/driven/imap"
	oauthadapter "github.com/V1an1337/MailAdmin/internal/adapter/driven/oauth"
	sqliteadapter "github.com/V1an1337/MailAdmin/internal/adapter/driven/sqlite"
	httphandler "github.com/V1an1337/MailAdmin/internal/adapter/driving/http"
	"github.com/V1an1337/MailAdmin/internal/application"
	"github.com/V1an1337/MailAdmin/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"imap_addr", cfg.IMAPAddr,
		"refresh_enabled", cfg.RefreshEnabled,
		"refresh_days", cfg.RefreshDays,
		"encrypted", cfg.HasSecretKey(),
	)

	key, err := sqliteadapter.ParseSecretKey(cfg.SecretKey)
	if err != nil {
		return err
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer.DB); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire adapters.
	mailboxStore, err := sqliteadapter.NewMailboxRepo(db, key)
	if err != nil {
		return err
	}
	refresher := oauthadapter.NewClient(cfg.TokenURL)
	reader := imapadapter.NewReader(cfg.IMAPAddr, slog.Default())

	// 6. Wire application services.
	policy := application.NewTokenPolicy(cfg.RefreshDays)
	tokenSvc := application.NewTokenService(mailboxStore, refresher, policy)
	keepaliveSvc := application.NewKeepaliveService(mailboxStore, tokenSvc, policy, cfg.RefreshPace)
	mailboxSvc := application.NewMailboxService(mailboxStore)
	mailSvc := application.NewMailService(mailboxStore, tokenSvc, reader)

	// 7. Start the keepalive worker.
	var workers sync.WaitGroup
	if cfg.RefreshEnabled {
		workers.Add(1)
		go func() {
			defer workers.Done()
			keepaliveSvc.Start(ctx)
		}()
	} else {
		slog.Info("token keepalive disabled")
	}

	// 8. Create HTTP handler with routes and middleware.
	apiHandler := httphandler.NewHandler(mailboxSvc, mailSvc, keepaliveSvc, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, cfg.APIKey, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("mailadmin started", "listen_addr", cfg.ListenAddr)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with 10s timeout for in-flight IMAP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	workers.Wait()

	slog.Info("shutdown complete")
	return nil
}
