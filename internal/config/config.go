package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spendcap/internal/commission"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "SPENDCAP"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DriverSQLite
	defaultDatabasePath        = "spendcap.db"
	defaultDatabaseMaxOpen     = 1
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultCommissionRates     = "0.10,0.05"
	defaultLedgerTxTimeout     = 5 * time.Second
	defaultLedgerBusyRetries   = 3
	defaultLedgerBusyBackoff   = 25 * time.Millisecond
	defaultDownlineDepth       = 3
	defaultDownlineMaxDepth    = 16
	defaultKafkaTopic          = "spendcap.purchases"
	defaultAuthIssuer          = "tauth"
	defaultAuthCookieName      = "app_session"
	maxDownlineDepthUpperBound = 64

	// DriverSQLite selects the embedded pure-Go SQLite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects PostgreSQL through pgx.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	DatabaseMaxOpenConns int

	LogLevel  string
	LogFormat string

	CommissionRates commission.RateTable

	LedgerTxTimeout   time.Duration
	LedgerBusyRetries int
	LedgerBusyBackoff time.Duration

	DownlineDefaultDepth int
	DownlineMaxDepth     int

	KafkaBrokers []string
	KafkaTopic   string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
}

// AuthEnabled reports whether GET /me should be mounted.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
}

// KafkaEnabled reports whether purchase events should be published.
func (c AppConfig) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.max_open_conns", defaultDatabaseMaxOpen)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("commission.rates", defaultCommissionRates)
	configViper.SetDefault("ledger.tx_timeout", defaultLedgerTxTimeout)
	configViper.SetDefault("ledger.busy_retries", defaultLedgerBusyRetries)
	configViper.SetDefault("ledger.busy_backoff", defaultLedgerBusyBackoff)
	configViper.SetDefault("downline.default_depth", defaultDownlineDepth)
	configViper.SetDefault("downline.max_depth", defaultDownlineMaxDepth)
	configViper.SetDefault("kafka.brokers", "")
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	rates, err := commission.ParseRates(splitList(configViper.GetStringSlice("commission.rates")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("commission.rates: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		DatabaseMaxOpenConns: configViper.GetInt("database.max_open_conns"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		CommissionRates:      rates,
		LedgerTxTimeout:      configViper.GetDuration("ledger.tx_timeout"),
		LedgerBusyRetries:    configViper.GetInt("ledger.busy_retries"),
		LedgerBusyBackoff:    configViper.GetDuration("ledger.busy_backoff"),
		DownlineDefaultDepth: configViper.GetInt("downline.default_depth"),
		DownlineMaxDepth:     configViper.GetInt("downline.max_depth"),
		KafkaBrokers:         splitList(configViper.GetStringSlice("kafka.brokers")),
		KafkaTopic:           configViper.GetString("kafka.topic"),
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthCookieName:       configViper.GetString("auth.cookie_name"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.DatabaseMaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported", c.LogFormat)
	}
	if c.LedgerTxTimeout <= 0 {
		return fmt.Errorf("ledger.tx_timeout must be positive")
	}
	if c.LedgerBusyRetries < 0 {
		return fmt.Errorf("ledger.busy_retries must not be negative")
	}
	if c.LedgerBusyBackoff <= 0 {
		return fmt.Errorf("ledger.busy_backoff must be positive")
	}
	if c.DownlineMaxDepth < 1 || c.DownlineMaxDepth > maxDownlineDepthUpperBound {
		return fmt.Errorf("downline.max_depth must be between 1 and %d", maxDownlineDepthUpperBound)
	}
	if c.DownlineDefaultDepth < 1 || c.DownlineDefaultDepth > c.DownlineMaxDepth {
		return fmt.Errorf("downline.default_depth must be between 1 and downline.max_depth")
	}
	if c.KafkaEnabled() && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}
	if c.AuthEnabled() {
		if strings.TrimSpace(c.AuthIssuer) == "" {
			return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
		}
		if strings.TrimSpace(c.AuthCookieName) == "" {
			return fmt.Errorf("auth.cookie_name is required when auth.signing_secret is set")
		}
	}
	return nil
}

// splitList flattens comma separated entries, which is how lists arrive from the environment.
func splitList(values []string) []string {
	items := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
