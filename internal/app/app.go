package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"

	"bybx/internal/activation"
	"bybx/internal/config"
	"bybx/internal/infrastructure"
	customMiddleware "bybx/internal/middleware"
	"bybx/internal/security"
	handlers "bybx/internal/transport/http"
	"bybx/pkg/contracts"
)

// Application is the activation service container
type Application struct {
	Config        *config.Config
	Router        chi.Router
	Server        *http.Server
	Store         *activation.Store
	Service       *activation.Service
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication wires the activation service from cfg. The caller owns
// logger setup so that commands can share it with config errors.
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	logger.Info("application starting",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("git_commit", contracts.GitCommit),
		slog.String("addr", cfg.Server.Addr()),
	)

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, os.Stderr, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := app.initializeServices(); err != nil {
		_ = otelProviders.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.setupRouter(); err != nil {
		app.Store.Close()
		_ = otelProviders.Shutdown(context.Background())
		return nil, err
	}
	app.createServer()

	return app, nil
}

func (a *Application) initializeServices() error {
	if dir := filepath.Dir(a.Config.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	secret := []byte(a.Config.Storage.Secret)
	store, err := activation.NewStore(a.Config.Storage.Path, secret)
	if err != nil {
		return fmt.Errorf("failed to open activation store: %w", err)
	}

	binder, err := activation.NewBinder(secret)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create binder: %w", err)
	}

	a.Store = store
	a.Service = activation.NewService(store, binder, infrastructure.WithComponent(a.Logger, "activation"))
	a.Logger.Info("activation store opened", slog.String("path", a.Config.Storage.Path))
	return nil
}

func (a *Application) setupRouter() error {
	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}
	trustedProxies, err := a.Config.Security.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	var signer *security.ReleaseSigner
	if secret := a.Config.Security.ReleaseSigningSecret; secret != "" {
		if signer, err = security.NewReleaseSigner([]byte(secret)); err != nil {
			return fmt.Errorf("failed to create release signer: %w", err)
		}
	}

	a.Router = handlers.NewRouter(handlers.RouterOptions{
		Service:        a.Service,
		Logger:         a.Logger,
		OTel:           otelMiddleware,
		MetricsHandler: a.OTelProviders.MetricsHandler,
		RateLimit:      a.Config.Security.RateLimit,
		AdminAPIKeys:   a.Config.Security.AdminAPIKeys,
		TrustedProxies: trustedProxies,
		ReleaseSigner:  signer,
		RequestTimeout: a.Config.Server.RequestTimeout,
		MaxBodySize:    a.Config.Server.MaxBodySize,
		MaxUploadSize:  a.Config.Server.MaxUploadSize,
		IncludeStack:   a.Config.Logging.Level == "debug",
	})
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
		ErrorLog:       slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Start listens on the configured address and serves in the background
func (a *Application) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()
	a.serveErr = make(chan error, 1)

	tlsEnabled := a.Config.Server.TLSCertFile != ""
	go func() {
		var err error
		if tlsEnabled {
			err = a.Server.ServeTLS(listener, a.Config.Server.TLSCertFile, a.Config.Server.TLSKeyFile)
		} else {
			err = a.Server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- err
		}
		close(a.serveErr)
	}()

	a.Logger.InfoContext(ctx, "activation service listening",
		slog.String("addr", listener.Addr().String()),
		slog.Bool("tls", tlsEnabled),
		slog.Bool("admin_api", len(a.Config.Security.AdminAPIKeys) > 0),
		slog.Int("trusted_proxies", len(a.Config.Security.TrustedProxies)),
		slog.Bool("signed_releases", a.Config.Security.ReleaseSigningSecret != ""),
	)
	return nil
}

// Addr returns the bound address once started
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop gracefully stops the server and releases the store
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	a.Logger.InfoContext(ctx, "application shutdown complete")
	return errors.Join(errs...)
}

// Run serves until ctx is done, SIGINT/SIGTERM arrives or the server fails
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("received shutdown signal")
	case err, ok := <-a.serveErr:
		if ok {
			serveErr = fmt.Errorf("server error: %w", err)
			a.Logger.Error("server error", slog.String("error", err.Error()))
		}
	}

	// The parent context is already canceled here.
	stopErr := a.Stop(context.WithoutCancel(ctx))
	return errors.Join(serveErr, stopErr)
}
