package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	GCS          GCSConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Engine       EngineConfig
	Maintenance  MaintenanceConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var err error
	if c.Engine.MaxConflictRetries < 1 {
		err = multierr.Append(err, fmt.Errorf("%s must be at least 1", EnvEngineMaxConflictRetries))
	}
	if c.Engine.ConflictBackoff < 0 {
		err = multierr.Append(err, fmt.Errorf("%s must not be negative", EnvEngineConflictBackoff))
	}
	if c.Maintenance.Interval <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", EnvMaintenanceInterval))
	}
	if c.Maintenance.RenderTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", EnvMaintenanceRenderTimeout))
	}
	if c.FeatureFlags.ResolveCache && c.Redis.URL == "" && c.Redis.Address == "" {
		err = multierr.Append(err, fmt.Errorf("%s requires %s or %s", EnvFeatureResolveCache, EnvRedisURL, EnvRedisAddr))
	}
	switch c.FeatureFlags.ContentStore {
	case ContentStoreMemory:
	case ContentStoreGCS:
		if c.GCS.BucketName == "" {
			err = multierr.Append(err, fmt.Errorf("%s is required when the gcs content store is enabled", EnvGCSBucket))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("%s must be %q or %q", EnvFeatureContentStore, ContentStoreGCS, ContentStoreMemory))
	}
	return err
}

type AppConfig struct {
	Env          string   `envconfig:"COMPOSITOR_APP_ENV" required:"true"`
	Port         string   `envconfig:"COMPOSITOR_APP_PORT" default:"8080"`
	LogLevel     string   `envconfig:"COMPOSITOR_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"COMPOSITOR_LOG_WARN_STACK" default:"false"`
	LogFormat    string   `envconfig:"COMPOSITOR_LOG_FORMAT" default:"json"`
	CORSOrigins  []string `envconfig:"COMPOSITOR_CORS_ALLOWED_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"COMPOSITOR_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"COMPOSITOR_DB_DSN"`
	Driver string `envconfig:"COMPOSITOR_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"COMPOSITOR_DB_HOST"`
	LegacyPort     int    `envconfig:"COMPOSITOR_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"COMPOSITOR_DB_USER"`
	LegacyPassword string `envconfig:"COMPOSITOR_DB_PASSWORD"`
	LegacyName     string `envconfig:"COMPOSITOR_DB_NAME"`
	LegacySSLMode  string `envconfig:"COMPOSITOR_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"COMPOSITOR_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"COMPOSITOR_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"COMPOSITOR_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"COMPOSITOR_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver targets SQLite.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"COMPOSITOR_REDIS_URL"`
	Address      string        `envconfig:"COMPOSITOR_REDIS_ADDR"`
	Password     string        `envconfig:"COMPOSITOR_REDIS_PASSWORD"`
	DB           int           `envconfig:"COMPOSITOR_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"COMPOSITOR_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"COMPOSITOR_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"COMPOSITOR_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"COMPOSITOR_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"COMPOSITOR_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate  bool   `envconfig:"COMPOSITOR_AUTO_MIGRATE" default:"false"`
	ResolveCache bool   `envconfig:"COMPOSITOR_FEATURE_RESOLVE_CACHE" default:"false"`
	ContentStore string `envconfig:"COMPOSITOR_CONTENT_STORE" default:"gcs"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"COMPOSITOR_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"COMPOSITOR_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"COMPOSITOR_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName   string        `envconfig:"COMPOSITOR_GCS_BUCKET_NAME"`
	ObjectPrefix string        `envconfig:"COMPOSITOR_GCS_OBJECT_PREFIX" default:"content"`
	Timeout      time.Duration `envconfig:"COMPOSITOR_GCS_TIMEOUT" default:"30s"`
}

type PubSubConfig struct {
	RenderRequestsTopic       string        `envconfig:"COMPOSITOR_PUBSUB_RENDER_REQUESTS_TOPIC" default:"render-requests"`
	RenderResultsSubscription string        `envconfig:"COMPOSITOR_PUBSUB_RENDER_RESULTS_SUBSCRIPTION" default:"render-results-sub"`
	DomainTopic               string        `envconfig:"COMPOSITOR_PUBSUB_DOMAIN_TOPIC" default:"compositor-domain-events"`
	IdempotencyTTL            time.Duration `envconfig:"COMPOSITOR_PUBSUB_IDEMPOTENCY_TTL" default:"168h"`
}

type OutboxConfig struct {
	BatchSize      int    `envconfig:"COMPOSITOR_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"COMPOSITOR_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"COMPOSITOR_OUTBOX_MAX_ATTEMPTS" default:"10"`
	MetricsPort    string `envconfig:"COMPOSITOR_OUTBOX_METRICS_PORT" default:"9091"`
}

// EngineConfig tunes the composition engine's retry and cache behavior.
type EngineConfig struct {
	MaxConflictRetries int           `envconfig:"COMPOSITOR_ENGINE_MAX_CONFLICT_RETRIES" default:"5"`
	ConflictBackoff    time.Duration `envconfig:"COMPOSITOR_ENGINE_CONFLICT_BACKOFF" default:"10ms"`
	ResolveCacheTTL    time.Duration `envconfig:"COMPOSITOR_ENGINE_RESOLVE_CACHE_TTL" default:"5m"`
	FormatCatalogPath  string        `envconfig:"COMPOSITOR_ENGINE_FORMAT_CATALOG"`
}

// MaintenanceConfig drives the maintenance worker. OutboxRetention of zero
// keeps settled outbox rows forever.
type MaintenanceConfig struct {
	Interval        time.Duration `envconfig:"COMPOSITOR_MAINTENANCE_INTERVAL" default:"15m"`
	LockTTL         time.Duration `envconfig:"COMPOSITOR_MAINTENANCE_LOCK_TTL" default:"10m"`
	RenderTimeout   time.Duration `envconfig:"COMPOSITOR_MAINTENANCE_RENDER_TIMEOUT" default:"30m"`
	OutboxRetention time.Duration `envconfig:"COMPOSITOR_MAINTENANCE_OUTBOX_RETENTION" default:"720h"`
	MetricsPort     string        `envconfig:"COMPOSITOR_MAINTENANCE_METRICS_PORT" default:"9092"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return errors.New(EnvDBDSN + " is required for the sqlite driver")
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
