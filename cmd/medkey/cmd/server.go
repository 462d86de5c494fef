package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/medkey/access"
	"github.com/jmcleod/medkey/api"
	"github.com/jmcleod/medkey/audit"
	"github.com/jmcleod/medkey/emergency"
	"github.com/jmcleod/medkey/internal/config"
	"github.com/jmcleod/medkey/internal/util"
	"github.com/jmcleod/medkey/registry"
)

var (
	listenAddr string
	tlsCert    string
	tlsKey     string
	logLevel   string
)

const sweepInterval = 5 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the key service",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Address to listen on (overrides listen)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides log.level)")
}

// serverConfig loads the configuration file and applies flag overrides.
func serverConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if tlsCert != "" || tlsKey != "" {
		cfg.TLS = config.TLSConfig{Cert: tlsCert, Key: tlsKey}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := serverConfig()
	if err != nil {
		return err
	}
	logOut := cmd.ErrOrStderr()
	logger := newLogger(cfg.Log, logOut)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openLedger(ctx, cfg, logger, logOut)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("closing storage", "error", err)
		}
	}()
	if err := openBlobs(cfg, b, logger, logOut); err != nil {
		return err
	}

	admins, err := cfg.AdminIdentities()
	if err != nil {
		return err
	}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	auditLog := audit.New(logger, audit.WithAlerts(func(e audit.AlertEvent) {
		logger.Warn("security alert",
			"type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
	}))
	keys := registry.New(b.ledger,
		registry.WithAdmins(admins...),
		registry.WithAudit(auditLog),
		registry.WithLogger(logger))
	acc := access.New(b.ledger, keys,
		access.WithDomain(cfg.Signing.Domain),
		access.WithAudit(auditLog),
		access.WithLogger(logger))
	em := emergency.New(b.ledger, acc,
		emergency.WithWindow(cfg.Emergency.Window),
		emergency.WithAudit(auditLog),
		emergency.WithLogger(logger))
	a := api.New(keys, acc, em, b.blobs,
		api.WithAudit(auditLog),
		api.WithLogger(logger),
		api.WithTrustedProxies(proxies))
	go a.RunSweeper(ctx, sweepInterval)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.Router())

	tlsConfig, err := serverTLS(cfg.TLS, cmd)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(cmd.OutOrStdout())
	logger.Info("server started",
		"listen", cfg.Listen,
		"storage", cfg.Storage.Backend,
		"head_cache", cfg.HeadCache.Backend,
		"blobs", cfg.Blobs.Backend)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func serverTLS(cfg config.TLSConfig, cmd *cobra.Command) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.Cert != "" {
		cert, err = tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

