package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	TokenEncryptionKey string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	GitHubAPIURL       string
	GCPEndpoint        string
	Provision          ProvisionConfig
}

// ProvisionConfig tunes the provisioning saga and rollback workflows.
type ProvisionConfig struct {
	DefaultRegion        string
	DefaultBranch        string
	CommitMessage        string
	Timeout              time.Duration
	EnableParallelism    int
	SettleAttempts       int
	SettleInitialBackoff time.Duration
	RemoteRetryAttempts  int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://runway:runway@db:5432/runway?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "api/db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		TokenEncryptionKey: GetString("TOKEN_ENCRYPTION_KEY", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:    time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		GitHubAPIURL:       GetString("GITHUB_API_URL", ""),
		GCPEndpoint:        GetString("GCP_ENDPOINT_OVERRIDE", ""),
		Provision:          LoadProvisionConfig(),
	}
}

// LoadProvisionConfig reads saga tuning knobs from the environment.
func LoadProvisionConfig() ProvisionConfig {
	return ProvisionConfig{
		DefaultRegion:        GetString("DEFAULT_REGION", "asia-northeast3"),
		DefaultBranch:        GetString("DEFAULT_BRANCH", "main"),
		CommitMessage:        GetString("COMMIT_MESSAGE", "Setup CI/CD with Cloud Run deployment"),
		Timeout:              time.Duration(GetInt("PROVISION_TIMEOUT_SECONDS", 300)) * time.Second,
		EnableParallelism:    GetInt("PROVISION_ENABLE_PARALLELISM", 4),
		SettleAttempts:       GetInt("SETTLE_ATTEMPTS", 5),
		SettleInitialBackoff: time.Duration(GetInt("SETTLE_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
		RemoteRetryAttempts:  GetInt("REMOTE_RETRY_ATTEMPTS", 3),
	}
}
