package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/database"
	"github.com/modelgate/modelgate/internal/logging"
	"github.com/modelgate/modelgate/internal/monitor"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/server"
)

// Server command flags
var (
	serverListenAddr   string
	serverDatabasePath string
	serverConfigPath   string
	serverLogLevel     string
	serverLogFile      string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	Long:  `Start the gateway server using configuration from the environment.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverListenAddr, "addr", "", "Address to listen on (overrides LISTEN_ADDR)")
	serverCmd.Flags().StringVar(&serverDatabasePath, "db", "", "Path to SQLite database (overrides DATABASE_PATH)")
	serverCmd.Flags().StringVarP(&serverConfigPath, "config", "c", "", "Path to YAML provider configuration (overrides PROVIDER_CONFIG_PATH)")
	serverCmd.Flags().StringVar(&serverLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	serverCmd.Flags().StringVar(&serverLogFile, "log-file", "", "Path to log file (overrides LOG_FILE, default: stdout)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	if serverListenAddr != "" {
		cfg.ListenAddr = serverListenAddr
	}
	if serverDatabasePath != "" {
		cfg.DatabasePath = serverDatabasePath
	}
	if serverConfigPath != "" {
		cfg.ProviderConfigPath = serverConfigPath
	}
	if serverLogLevel != "" {
		cfg.LogLevel = serverLogLevel
	}
	if serverLogFile != "" {
		cfg.LogFile = serverLogFile
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	db, err := database.New(database.Config{
		Path:            cfg.DatabasePath,
		MaxOpenConns:    cfg.DatabasePoolSize,
		MaxIdleConns:    cfg.DatabasePoolSize / 2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	providerCfgs, err := config.LoadProviders(cfg.ProviderConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load provider configuration: %w", err)
	}

	upstreamClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	registry, err := provider.NewRegistryFromConfig(providerCfgs, upstreamClient)
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}
	for _, p := range registry.Providers() {
		logger.Info("registered provider",
			zap.String("provider", p.Name()),
			zap.Strings("models", p.Models()))
	}

	bridge := monitor.NewBridge(db, db, monitor.Config{
		BaseURL:    cfg.MonitorAPIBaseURL,
		APIKey:     cfg.MonitorAPIKey,
		WebhookURL: cfg.WebhookURL,
		Client:     upstreamClient,
	}, logger)

	srv := server.New(cfg, auth.NewValidator(db), registry, bridge, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
