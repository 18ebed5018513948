package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/config"
	"github.com/MarcoPoloResearchLab/carelog/internal/logging"
	"github.com/MarcoPoloResearchLab/carelog/internal/offline"
	"github.com/MarcoPoloResearchLab/carelog/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "carelog",
		Short:         "Offline-first caregiving event log and sync engine",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newFlushCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newProjectionCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Binding API listen address")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Durable store driver (sqlite, file)")
	cmd.PersistentFlags().String("store-path", defaults.GetString("store.path"), "Durable store path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote event API base URL")
	cmd.PersistentFlags().Int("remote-timeout-seconds", defaults.GetInt("remote.timeout_seconds"), "Remote call timeout in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("time-zone", defaults.GetString("snapshot.time_zone"), "IANA time zone for snapshot calendar boundaries")
	cmd.PersistentFlags().String("rejection-policy", defaults.GetString("sync.rejection_policy"), "Rejected mutation policy (retry, dead_letter)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.path", "store-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.timeout_seconds", "remote-timeout-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "snapshot.time_zone", "time-zone")
	bindFlag(cmd, "sync.rejection_policy", "rejection-policy")
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

// engine is the assembled engine shared by every subcommand.
type engine struct {
	config   config.AppConfig
	logger   *zap.Logger
	service  *offline.Service
	realtime *server.RealtimeDispatcher
	close    func() error
}

func openEngine() (*engine, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	realtime := server.NewRealtimeDispatcher()
	service, closeStore, err := offline.Open(appConfig, realtime, logger)
	if err != nil {
		logger.Sync() //nolint:errcheck
		return nil, err
	}

	return &engine{
		config:   appConfig,
		logger:   logger,
		service:  service,
		realtime: realtime,
		close: func() error {
			defer logger.Sync() //nolint:errcheck
			return closeStore()
		},
	}, nil
}

func runServer(ctx context.Context) error {
	rt, err := openEngine()
	if err != nil {
		return err
	}
	defer rt.close() //nolint:errcheck

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Service:  rt.service,
		Realtime: rt.realtime,
		Logger:   rt.logger.Named("server"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("binding api starting",
			zap.String("address", rt.config.HTTPAddress),
			zap.String("store_driver", rt.config.StoreDriver),
		)
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
