package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumeno/telebridge/internal/auth"
	"github.com/lumeno/telebridge/internal/config"
	"github.com/lumeno/telebridge/internal/database"
	"github.com/lumeno/telebridge/internal/logging"
	"github.com/lumeno/telebridge/internal/matrix"
	"github.com/lumeno/telebridge/internal/puppet"
	"github.com/lumeno/telebridge/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "telebridge",
		Short: "Telegram-Matrix puppet bridge core",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Provisioning API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("homeserver-domain", "", "Homeserver domain used in proxy user ids")
	cmd.PersistentFlags().String("homeserver-address", "", "Homeserver base URL")
	cmd.PersistentFlags().String("appservice-token", "", "Appservice access token")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "homeserver.domain", "homeserver-domain")
	bindFlag(cmd, "homeserver.address", "homeserver-address")
	bindFlag(cmd, "appservice.token", "appservice-token")
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

func runBridge(ctx context.Context) error {
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

	store, err := puppet.NewStore(db)
	if err != nil {
		return err
	}

	idTemplate, err := matrix.NewIDTemplate(appConfig.UsernameTemplate, appConfig.HomeserverDomain)
	if err != nil {
		return err
	}
	displaynameTemplate, err := matrix.NewDisplaynameTemplate(appConfig.DisplaynameTemplate)
	if err != nil {
		return err
	}

	matrixClient, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: appConfig.HomeserverURL,
		AccessToken:   viper.GetString("appservice.token"),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()

	puppetService, err := puppet.NewService(puppet.ServiceConfig{
		Store:                 store,
		Intents:               matrixClient,
		Auth:                  matrixClient,
		Events:                dispatcher,
		Logger:                logger,
		IDTemplate:            idTemplate,
		DisplaynameTemplate:   displaynameTemplate,
		DisplaynamePreference: appConfig.DisplaynamePreference,
		DisplaynameMaxLength:  appConfig.DisplaynameMaxLength,
		AllowAvatarRemove:     appConfig.AllowAvatarRemove,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SharedSecret: []byte(appConfig.ProvisioningSharedSecret),
		SigningKey:   []byte(appConfig.ProvisioningSigningKey),
		Issuer:       "telebridge",
		Audience:     "telebridge-provisioning",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Puppets:      puppetService,
		Realtime:     dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if appConfig.SyncWithCustomPuppets {
		go func() {
			if err := puppetService.StartCustomPuppets(signalCtx); err != nil {
				logger.Warn("double-puppet warm start failed", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("provisioning server starting", zap.String("address", appConfig.HTTPAddress))
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
