package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/auth"
	"github.com/MarcoPoloResearchLab/spendcap/internal/config"
	"github.com/MarcoPoloResearchLab/spendcap/internal/database"
	"github.com/MarcoPoloResearchLab/spendcap/internal/events"
	"github.com/MarcoPoloResearchLab/spendcap/internal/ledger"
	"github.com/MarcoPoloResearchLab/spendcap/internal/logging"
	"github.com/MarcoPoloResearchLab/spendcap/internal/metrics"
	"github.com/MarcoPoloResearchLab/spendcap/internal/server"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "spendcap-api",
		Short: "Referral commission ledger with spend-capped payouts",
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
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before reading the environment")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Ledger store (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "PostgreSQL DSN (overrides env)")
	flags.Int("database-max-open-conns", defaults.GetInt("database.max_open_conns"), "Maximum open database connections")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("commission-rates", defaults.GetString("commission.rates"), "Comma separated commission rates by depth")
	flags.Duration("ledger-tx-timeout", defaults.GetDuration("ledger.tx_timeout"), "Timeout for a single ledger transaction")
	flags.Int("ledger-busy-retries", defaults.GetInt("ledger.busy_retries"), "Retries for contended ledger transactions")
	flags.Duration("ledger-busy-backoff", defaults.GetDuration("ledger.busy_backoff"), "Initial backoff between ledger retries")
	flags.Int("downline-default-depth", defaults.GetInt("downline.default_depth"), "Default depth for downline queries")
	flags.Int("downline-max-depth", defaults.GetInt("downline.max_depth"), "Maximum depth for downline queries")
	flags.String("kafka-brokers", "", "Comma separated Kafka brokers for purchase events")
	flags.String("kafka-topic", defaults.GetString("kafka.topic"), "Kafka topic for purchase events")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	flags.String("auth-cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.max_open_conns", "database-max-open-conns")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "commission.rates", "commission-rates")
	bindFlag(cmd, "ledger.tx_timeout", "ledger-tx-timeout")
	bindFlag(cmd, "ledger.busy_retries", "ledger-busy-retries")
	bindFlag(cmd, "ledger.busy_backoff", "ledger-busy-backoff")
	bindFlag(cmd, "downline.default_depth", "downline-default-depth")
	bindFlag(cmd, "downline.max_depth", "downline-max-depth")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "kafka.topic", "kafka-topic")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.cookie_name", "auth-cookie-name")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
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
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Options{
		Driver:       appConfig.DatabaseDriver,
		Path:         appConfig.DatabasePath,
		DSN:          appConfig.DatabaseDSN,
		MaxOpenConns: appConfig.DatabaseMaxOpenConns,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(sqlDB, appConfig.DatabaseDriver),
	)

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:        db,
		Rates:           appConfig.CommissionRates,
		Clock:           time.Now,
		IDProvider:      ledger.NewUUIDProvider(),
		Logger:          logger,
		Instrumentation: metrics.NewLedgerMetrics(registry),
		TxTimeout:       appConfig.LedgerTxTimeout,
		BusyRetries:     appConfig.LedgerBusyRetries,
		BusyBackoff:     appConfig.LedgerBusyBackoff,
		MaxSubtreeDepth: appConfig.DownlineMaxDepth,
	})
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NopPublisher{}
	if appConfig.KafkaEnabled() {
		publisher = events.NewKafkaPublisher(appConfig.KafkaBrokers, appConfig.KafkaTopic)
		logger.Info("purchase events enabled",
			zap.Strings("brokers", appConfig.KafkaBrokers),
			zap.String("topic", appConfig.KafkaTopic))
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("purchase event publisher close failed", zap.Error(closeErr))
		}
	}()

	var sessionValidator *auth.SessionValidator
	if appConfig.AuthEnabled() {
		sessionValidator, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.AuthSigningSecret),
			Issuer:        appConfig.AuthIssuer,
			CookieName:    appConfig.AuthCookieName,
		})
		if err != nil {
			return err
		}
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		LedgerService:    ledgerService,
		Realtime:         server.NewRealtimeDispatcher(),
		Events:           publisher,
		SessionValidator: sessionValidator,
		HTTPMetrics:      metrics.NewHTTPMetrics(registry),
		MetricsHandler:   metrics.Handler(registry),
		HealthCheck:      sqlDB.PingContext,
		DefaultDepth:     appConfig.DownlineDefaultDepth,
		Logger:           logger,
	})
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("commission_rates", appConfig.CommissionRates.String()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
