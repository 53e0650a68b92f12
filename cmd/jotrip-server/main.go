package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/accounts"
	"github.com/MarcoPoloResearchLab/jotrip/internal/auth"
	"github.com/MarcoPoloResearchLab/jotrip/internal/blobstore"
	"github.com/MarcoPoloResearchLab/jotrip/internal/config"
	"github.com/MarcoPoloResearchLab/jotrip/internal/database"
	"github.com/MarcoPoloResearchLab/jotrip/internal/logging"
	"github.com/MarcoPoloResearchLab/jotrip/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionIssuer   = "jotrip-server"
	sessionAudience = "jotrip-sync"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jotrip-server",
		Short: "Jotrip encrypted sync server",
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
	cmd.PersistentFlags().String("database-path", "jotrip-server.db", "SQLite database path")
	cmd.PersistentFlags().String("blobs-backend", defaults.GetString("blobs.backend"), "Blob backend (sqlite, s3)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Rotating log file path (stderr when empty)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret; enables POST /session")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "blobs.backend", "blobs-backend")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
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
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{Level: appConfig.Log.Level, FilePath: appConfig.Log.File})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenServer(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	backend, err := newBlobBackend(ctx, appConfig, db)
	if err != nil {
		return err
	}

	blobService, err := blobstore.NewService(blobstore.ServiceConfig{
		Database: db,
		Backend:  backend,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Accounts:       accountService,
		Blobs:          blobService,
		Realtime:       server.NewRealtimeDispatcher(),
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: appConfig.RateLimitRPS,
			Burst:             appConfig.RateLimitBurst,
		},
	}
	if appConfig.SessionSigningSecret != "" {
		tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SessionSigningSecret),
			Issuer:        sessionIssuer,
			Audience:      sessionAudience,
			TokenTTL:      appConfig.SessionTTL,
		})
		if err != nil {
			return err
		}
		deps.Sessions = tokenIssuer
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpServer.BaseContext = func(_ net.Listener) context.Context {
		return signalCtx
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("blob_backend", appConfig.BlobBackend),
			zap.Bool("sessions", deps.Sessions != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newBlobBackend(ctx context.Context, appConfig config.ServerConfig, db *gorm.DB) (blobstore.Backend, error) {
	if appConfig.BlobBackend != config.BlobBackendS3 {
		return blobstore.NewSQLiteBackend(db), nil
	}
	return blobstore.NewS3Backend(ctx, blobstore.S3Config{
		Bucket:          appConfig.S3.Bucket,
		Region:          appConfig.S3.Region,
		Endpoint:        appConfig.S3.Endpoint,
		AccessKeyID:     appConfig.S3.AccessKeyID,
		SecretAccessKey: appConfig.S3.SecretAccessKey,
		Prefix:          appConfig.S3.Prefix,
	})
}
