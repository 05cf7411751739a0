package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/backend"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/config"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/core"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/database"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/logging"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/network"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicsync",
		Short: "Clinic records freshness and offline write queue",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local records API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline write queue",
	}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List writes waiting for replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listQueue(cmd.Context(), cmd)
		},
	})

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, queueCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("backend-url", "", "Records backend base URL")
	cmd.PersistentFlags().String("realtime-url", "", "Records backend websocket URL")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().StringSlice("watch", nil, "Scopes kept fresh while the process runs")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "backend.base_url", "backend-url")
	bindFlag(cmd, "backend.realtime_url", "realtime-url")
	bindFlag(cmd, "backend.signing_secret", "signing-secret")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "scopes.watch", "watch")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	tokenIssuer, err := backend.NewTokenIssuer(backend.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.BackendSigningSecret),
		Issuer:        appConfig.BackendIssuer,
		Audience:      appConfig.BackendAudience,
		Subject:       appConfig.BackendSubject,
		TokenTTL:      appConfig.BackendTokenTTL,
	})
	if err != nil {
		return err
	}

	client, err := backend.NewClient(backend.ClientConfig{
		BaseURL: appConfig.BackendBaseURL,
		Tokens:  tokenIssuer,
		Timeout: appConfig.BackendTimeout,
	})
	if err != nil {
		return err
	}

	source, hub, err := buildRealtimeSource(appConfig, tokenIssuer, logger)
	if err != nil {
		return err
	}

	monitor := network.NewMonitor(network.MonitorConfig{
		Prober:        client,
		ProbeInterval: appConfig.NetworkProbeInterval,
		ProbeTimeout:  appConfig.NetworkProbeTimeout,
		InitialOnline: true,
		Logger:        logger.Named("network"),
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := core.New(signalCtx, core.Config{
		Fetcher:    client,
		Sender:     client,
		Store:      queue.NewGormStore(db),
		IDProvider: queue.NewUUIDProvider(),
		Source:     source,
		Network:    monitor,
		Cache: core.CacheSettings{
			Staleness:       appConfig.CacheStaleness,
			RefreshInterval: appConfig.CacheRefreshInterval,
			FetchTimeout:    appConfig.CacheFetchTimeout,
		},
		Queue: core.QueueSettings{
			MaxAttempts:    appConfig.QueueMaxAttempts,
			BackoffBase:    appConfig.QueueBackoffBase,
			BackoffMax:     appConfig.QueueBackoffMax,
			AttemptTimeout: appConfig.QueueAttemptTimeout,
		},
		Realtime: core.RealtimeSettings{
			ReconnectBase: appConfig.RealtimeReconnectBase,
			ReconnectMax:  appConfig.RealtimeReconnectMax,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	for _, rawScope := range appConfig.WatchScopes {
		scope, err := records.NewScope(rawScope)
		if err != nil {
			return fmt.Errorf("scopes.watch: %w", err)
		}
		release, err := service.Watch(scope)
		if err != nil {
			return err
		}
		defer release()
	}

	dependencies := server.Dependencies{
		Core:   service,
		Logger: logger.Named("http"),
	}
	if hub != nil {
		dependencies.Tokens = tokenIssuer
		dependencies.Publisher = hub
	}
	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := service.Run(signalCtx); err != nil {
			errCh <- err
		}
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

// buildRealtimeSource dials the backend websocket when configured. Otherwise
// changes arrive through the notification callback route and fan out from an
// in-process hub.
func buildRealtimeSource(appConfig config.AppConfig, tokens realtime.TokenProvider, logger *zap.Logger) (realtime.Source, *realtime.Hub, error) {
	if appConfig.BackendRealtimeURL == "" {
		hub := realtime.NewHub()
		return hub, hub, nil
	}
	source, err := realtime.NewWebSocketSource(realtime.WebSocketConfig{
		Endpoint: appConfig.BackendRealtimeURL,
		Tokens:   tokens,
		Logger:   logger.Named("websocket"),
	})
	if err != nil {
		return nil, nil, err
	}
	return source, nil, nil
}

func listQueue(ctx context.Context, cmd *cobra.Command) error {
	databasePath := viper.GetString("database.path")
	db, err := database.OpenSQLite(databasePath, nil)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	writes, err := queue.NewGormStore(db).LoadQueued(ctx)
	if err != nil {
		return err
	}

	output := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(output, "CORRELATION ID\tSCOPE\tTARGET\tSEQ\tOP\tSTATE\tATTEMPTS\tLAST ERROR")
	for _, write := range writes {
		fmt.Fprintf(output, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			write.CorrelationID,
			write.Scope,
			write.Target,
			write.Sequence,
			write.Operation,
			write.State,
			write.Attempts,
			write.LastError,
		)
	}
	return output.Flush()
}
