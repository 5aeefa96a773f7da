package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencivic/quill/internal/auth"
	"github.com/opencivic/quill/internal/config"
	"github.com/opencivic/quill/internal/database"
	"github.com/opencivic/quill/internal/logging"
	"github.com/opencivic/quill/internal/permissions"
	"github.com/opencivic/quill/internal/realtime"
	"github.com/opencivic/quill/internal/records"
	"github.com/opencivic/quill/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quill-api",
		Short: "Quill collaborative records backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCommand())

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
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Session token issuer")
	cmd.PersistentFlags().Bool("realtime-enabled", defaults.GetBool("realtime.enabled"), "Enable the realtime collaboration endpoint")
	cmd.PersistentFlags().String("snapshot-storage", defaults.GetString("realtime.snapshot_storage"), "Snapshot storage backend (database, filesystem)")
	cmd.PersistentFlags().String("snapshot-dir", defaults.GetString("realtime.snapshot_dir"), "Snapshot directory for filesystem storage")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "realtime.enabled", "realtime-enabled")
	bindFlag(cmd, "realtime.snapshot_storage", "snapshot-storage")
	bindFlag(cmd, "realtime.snapshot_dir", "snapshot-dir")
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

func newMintTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		roles       []string
		ttlMinutes  int
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
			})
			token, expiresIn, err := issuer.IssueSessionToken(userID, displayName, roles)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in: %d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier (required)")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{permissions.RoleEditor}, "Roles granted to the token")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 30, "Token lifetime in minutes")
	cobra.CheckErr(cmd.MarkFlagRequired("user"))
	return cmd
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

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	recordsService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: records.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var realtimeServer *realtime.Server
	var roomManager *realtime.RoomManager
	var hookAuditor *server.HookAuditor
	if appConfig.Realtime.Enabled {
		hooks := realtime.NewHookEmitter()
		storage, err := newSnapshotStorage(appConfig.Realtime, db)
		if err != nil {
			return err
		}
		snapshotManager, err := realtime.NewSnapshotManager(realtime.SnapshotManagerConfig{
			Storage: storage,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		roomManager, err = realtime.NewRoomManager(realtime.RoomManagerConfig{
			Snapshots:           snapshotManager,
			Hooks:               hooks,
			Logger:              logger,
			CleanupTimeout:      appConfig.Realtime.CleanupTimeout,
			SnapshotInterval:    appConfig.Realtime.SnapshotInterval,
			SnapshotMaxUpdates:  appConfig.Realtime.SnapshotMaxUpdates,
			SnapshotMaxAge:      appConfig.Realtime.SnapshotMaxAge,
			PresenceIdleTimeout: appConfig.Realtime.PresenceIdleTimeout,
		})
		if err != nil {
			return err
		}
		limiter := realtime.NewRateLimiter(realtime.RateLimitConfig{
			MessagesPerSecond:  appConfig.RateLimit.MessagesPerSecond,
			ConnectionsPerIP:   appConfig.RateLimit.ConnectionsPerIP,
			ConnectionsPerUser: appConfig.RateLimit.ConnectionsPerUser,
		}, nil)
		realtimeServer, err = realtime.NewServer(realtime.ServerConfig{
			Rooms:       roomManager,
			Tokens:      server.NewSessionTokenValidator(sessionValidator),
			Resources:   server.NewResourceCatalog(recordsService, nil),
			Permissions: server.NewPolicyPermissionChecker(permissions.NewDefaultPolicy()),
			Limiter:     limiter,
			Hooks:       hooks,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		hookAuditor, err = server.NewHookAuditor(server.HookAuditorConfig{
			Hooks:   hooks,
			Records: recordsService,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		RecordsService:   recordsService,
		Realtime:         realtimeServer,
		RealtimePath:     appConfig.Realtime.Path,
		Logger:           logger,
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

	if hookAuditor != nil {
		go hookAuditor.Run(signalCtx)
	}

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if roomManager != nil {
			roomManager.Close(shutdownCtx)
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func newSnapshotStorage(cfg config.RealtimeConfig, db *gorm.DB) (realtime.SnapshotStorage, error) {
	switch cfg.SnapshotStorage {
	case "filesystem":
		return realtime.NewFilesystemSnapshotStorage(cfg.SnapshotDir)
	default:
		return realtime.NewDatabaseSnapshotStorage(db)
	}
}
