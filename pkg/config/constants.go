package config

const (
	EnvPrefix = "COMPOSITOR"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ContentStoreGCS    = "gcs"
	ContentStoreMemory = "memory"

	EnvAppEnv   = "COMPOSITOR_APP_ENV"
	EnvPort     = "COMPOSITOR_APP_PORT"
	EnvLogLevel = "COMPOSITOR_LOG_LEVEL"

	EnvDBDSN    = "COMPOSITOR_DB_DSN"
	EnvDBDriver = "COMPOSITOR_DB_DRIVER"
	EnvDBHost   = "COMPOSITOR_DB_HOST"
	EnvDBUser   = "COMPOSITOR_DB_USER"
	EnvDBName   = "COMPOSITOR_DB_NAME"

	EnvRedisURL  = "COMPOSITOR_REDIS_URL"
	EnvRedisAddr = "COMPOSITOR_REDIS_ADDR"

	EnvFeatureResolveCache = "COMPOSITOR_FEATURE_RESOLVE_CACHE"
	EnvFeatureContentStore = "COMPOSITOR_CONTENT_STORE"

	EnvGCPProjectID = "COMPOSITOR_GCP_PROJECT_ID"
	EnvGCSBucket    = "COMPOSITOR_GCS_BUCKET_NAME"

	EnvPubSubRenderRequestsTopic = "COMPOSITOR_PUBSUB_RENDER_REQUESTS_TOPIC"
	EnvPubSubRenderResultsSub    = "COMPOSITOR_PUBSUB_RENDER_RESULTS_SUBSCRIPTION"
	EnvPubSubDomainTopic         = "COMPOSITOR_PUBSUB_DOMAIN_TOPIC"

	EnvEngineMaxConflictRetries = "COMPOSITOR_ENGINE_MAX_CONFLICT_RETRIES"
	EnvEngineConflictBackoff    = "COMPOSITOR_ENGINE_CONFLICT_BACKOFF"
	EnvEngineResolveCacheTTL    = "COMPOSITOR_ENGINE_RESOLVE_CACHE_TTL"

	EnvMaintenanceInterval      = "COMPOSITOR_MAINTENANCE_INTERVAL"
	EnvMaintenanceRenderTimeout = "COMPOSITOR_MAINTENANCE_RENDER_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
