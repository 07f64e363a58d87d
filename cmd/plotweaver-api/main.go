package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/config"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/database"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/locks"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/server"
	"github.com/MarcoPoloResearchLab/plotweaver/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "plotweaver-api",
		Short: "PlotWeaver collaboration backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-seconds", defaults.GetInt("auth.token_ttl_seconds"), "Access token TTL in seconds")
	cmd.PersistentFlags().Int("max-connections", defaults.GetInt("limits.max_connections"), "Maximum concurrent websocket connections")
	cmd.PersistentFlags().Int("heartbeat-seconds", defaults.GetInt("limits.heartbeat_seconds"), "Heartbeat interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_seconds", "token-ttl-seconds")
	bindFlag(cmd, "limits.max_connections", "max-connections")
	bindFlag(cmd, "limits.heartbeat_seconds", "heartbeat-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	credentialManager, err := auth.NewManager(auth.ManagerConfig{
		SigningSecret:    []byte(appConfig.SigningSecret),
		TokenTTL:         time.Duration(appConfig.TokenTTLSeconds) * time.Second,
		RefreshThreshold: time.Duration(appConfig.RefreshThresholdSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	sessions := auth.NewSessionManager(credentialManager)

	limits := ratelimit.NewManager(ratelimit.Config{
		MaxMessagesPerMinute:     appConfig.MessagesPerMinute,
		MaxConnectionsPerAddress: appConfig.ConnectionsPerAddress,
	}, logger)

	connections := registry.NewRegistry(registry.Config{
		MaxConnections:    appConfig.MaxConnections,
		MaxMessageSize:    appConfig.MaxMessageBytes,
		HeartbeatInterval: time.Duration(appConfig.HeartbeatSeconds) * time.Second,
		// Sweep- and heartbeat-initiated disconnects release collaborator
		// state without waiting for the read loop to notice the close.
		OnDisconnect: func(connectionID, address string) {
			sessions.Disconnect(connectionID)
			limits.Connections.OnDisconnect(address, connectionID)
			limits.Messages.Forget(connectionID)
		},
	}, logger)

	lockEngine := locks.NewEngine(locks.Config{}, connections, logger)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		AuthManager: credentialManager,
		Sessions:    sessions,
		Users:       userService,
		Registry:    connections,
		Locks:       lockEngine,
		RateLimits:  limits,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go limits.Run(signalCtx)
	go connections.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
