package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix is passed to envconfig; tags carry the full variable names.
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App      AppConfig
	DB       DBConfig
	Pipeline PipelineConfig
	Outbox   OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"WIDGETRY_APP_ENV" default:"dev"`
	Port         string `envconfig:"WIDGETRY_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"WIDGETRY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"WIDGETRY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"WIDGETRY_DB_DSN"`

	Host     string `envconfig:"WIDGETRY_DB_HOST"`
	Port     int    `envconfig:"WIDGETRY_DB_PORT" default:"5432"`
	User     string `envconfig:"WIDGETRY_DB_USER"`
	Password string `envconfig:"WIDGETRY_DB_PASSWORD"`
	Name     string `envconfig:"WIDGETRY_DB_NAME"`
	SSLMode  string `envconfig:"WIDGETRY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"WIDGETRY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"WIDGETRY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"WIDGETRY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"WIDGETRY_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	AutoMigrate bool `envconfig:"WIDGETRY_DB_AUTO_MIGRATE" default:"false"`
}

func (d *DBConfig) ensureDSN() error {
	if d.DSN != "" {
		return nil
	}
	if d.Host == "" || d.User == "" || d.Name == "" {
		return fmt.Errorf("either WIDGETRY_DB_DSN or host/user/name settings are required")
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.Name,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	d.DSN = u.String()
	return nil
}

// PipelineConfig tunes the command pipeline's transaction retry policy.
type PipelineConfig struct {
	TxMaxAttempts int           `envconfig:"WIDGETRY_PIPELINE_TX_MAX_ATTEMPTS" default:"3"`
	TxRetryDelay  time.Duration `envconfig:"WIDGETRY_PIPELINE_TX_RETRY_DELAY" default:"50ms"`
}

// OutboxConfig tunes the relay worker.
type OutboxConfig struct {
	BatchSize      int           `envconfig:"WIDGETRY_OUTBOX_BATCH_SIZE" default:"50"`
	PollInterval   time.Duration `envconfig:"WIDGETRY_OUTBOX_POLL_INTERVAL" default:"500ms"`
	MaxAttempts    int           `envconfig:"WIDGETRY_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"WIDGETRY_OUTBOX_RETENTION" default:"168h"`
	PurgeInterval  time.Duration `envconfig:"WIDGETRY_OUTBOX_PURGE_INTERVAL" default:"1h"`
	MetricsPort    string        `envconfig:"WIDGETRY_OUTBOX_METRICS_PORT" default:"9091"`
	MetricsEnabled bool          `envconfig:"WIDGETRY_OUTBOX_METRICS_ENABLED" default:"true"`
}
