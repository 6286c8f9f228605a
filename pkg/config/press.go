package config

import "time"

// Config holds runtime configuration for the control plane.
type Config struct {
	Environment string
	Addr        string

	DatabaseURL   string
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret        string
	SecretEncryption string

	// Registry settings for built images.
	RegistryHost      string
	RegistryNamespace string

	// Filesystem roots for source clones and build contexts.
	CloneRoot string
	BuildRoot string

	// Default build server used when a release group pins none.
	BuildServer string

	// GitHub App credentials for the source-code provider.
	GitHubAppID          int64
	GitHubAppPrivateKey  string
	GitHubWebhookSecret  string
	GitHubAPIBaseURL     string
	DeployMarker         string
	AutoDeployTag        string
	FailedBuildGating    bool
	SuspendedBuildsKey   string
	SuspendedBuildsCache time.Duration

	// Agent communication.
	AgentSecret          string
	AgentRequestTimeout  time.Duration
	AgentDeliveryBudget  time.Duration
	AgentLivenessWindow  time.Duration
	AgentPollMinimumAge  time.Duration
	CallbackSharedSecret string

	// Scheduler cadence and job execution limits.
	SweepInterval    time.Duration
	JobTimeout       time.Duration
	BuildJobTimeout  time.Duration
	BenchSyncMaxAge  time.Duration
	WorkerQueues     string
	WorkerConcurrent int

	// Webhook fan-out.
	OutboundTimeout time.Duration

	// Runtime defaults for bench configuration.
	BenchPortBase      int
	BenchRedisPortBase int
	ArchiveRetryDelay  time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("PRESS_ADDR", ":8500"),

		DatabaseURL:   GetString("DATABASE_URL", "postgres://press:press@db:5432/press?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		JWTSecret:        GetString("JWT_SECRET", "supersecuresecret"),
		SecretEncryption: GetString("SECRET_ENCRYPTION_KEY", "supersecuresecret"),

		RegistryHost:      GetString("REGISTRY_HOST", "registry.local"),
		RegistryNamespace: GetString("REGISTRY_NAMESPACE", "press"),

		CloneRoot: GetString("CLONE_ROOT", "/var/lib/press/clones"),
		BuildRoot: GetString("BUILD_ROOT", "/var/lib/press/builds"),

		BuildServer: GetString("BUILD_SERVER", ""),

		GitHubAppID:          GetInt64("GITHUB_APP_ID", 0),
		GitHubAppPrivateKey:  GetString("GITHUB_APP_PRIVATE_KEY", ""),
		GitHubWebhookSecret:  GetString("GITHUB_WEBHOOK_SECRET", "supersecret"),
		GitHubAPIBaseURL:     GetString("GITHUB_API_BASE_URL", ""),
		DeployMarker:         GetString("DEPLOY_MARKER", "[deploy]"),
		AutoDeployTag:        GetString("AUTO_DEPLOY_TAG", "auto-deploy"),
		FailedBuildGating:    GetBool("FAILED_BUILD_GATING", true),
		SuspendedBuildsKey:   GetString("SUSPENDED_BUILDS_KEY", "press:builds:suspended"),
		SuspendedBuildsCache: GetDuration("SUSPENDED_BUILDS_CACHE", 30*time.Second),

		AgentSecret:          GetString("AGENT_SECRET", ""),
		AgentRequestTimeout:  GetDuration("AGENT_REQUEST_TIMEOUT", 30*time.Second),
		AgentDeliveryBudget:  GetDuration("AGENT_DELIVERY_BUDGET", time.Minute),
		AgentLivenessWindow:  GetDuration("AGENT_LIVENESS_WINDOW", time.Minute),
		AgentPollMinimumAge:  GetDuration("AGENT_POLL_MINIMUM_AGE", 30*time.Second),
		CallbackSharedSecret: GetString("AGENT_CALLBACK_SECRET", ""),

		SweepInterval:    GetDuration("SWEEP_INTERVAL", time.Minute),
		JobTimeout:       GetDuration("JOB_TIMEOUT", 10*time.Minute),
		BuildJobTimeout:  GetDuration("BUILD_JOB_TIMEOUT", time.Hour),
		BenchSyncMaxAge:  GetDuration("BENCH_SYNC_MAX_AGE", 10*time.Minute),
		WorkerQueues:     GetString("WORKER_QUEUES", "default,build,agent,scheduler"),
		WorkerConcurrent: GetInt("WORKER_CONCURRENCY", 8),

		OutboundTimeout: GetDuration("OUTBOUND_WEBHOOK_TIMEOUT", 10*time.Second),

		BenchPortBase:      GetInt("BENCH_PORT_BASE", 18000),
		BenchRedisPortBase: GetInt("BENCH_REDIS_PORT_BASE", 12000),
		ArchiveRetryDelay:  GetDuration("ARCHIVE_RETRY_DELAY", 24*time.Hour),
	}
}
