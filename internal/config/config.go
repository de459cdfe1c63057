// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Cache         CacheConfig         `yaml:"cache"`
	ChangeFeed    ChangeFeedConfig    `yaml:"change_feed"`
	Documents     DocumentsConfig     `yaml:"documents"`
	Contracts     ContractsConfig     `yaml:"contracts"`
	Certificates  CertificatesConfig  `yaml:"certificates"`
	Sanctions     SanctionsConfig     `yaml:"sanctions"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Integrations  IntegrationsConfig  `yaml:"integrations"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`

	// IdempotencyTTL is how long a response is replayed for a repeated
	// Idempotency-Key. Zero disables replay.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes authorization settings. An empty policy file
// selects the built-in role policy.
type CapabilityConfig struct {
	StaticPolicyFile string        `yaml:"static_policy_file"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// StoreConfig describes persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// RedisConfig describes the shared Redis connection used by the cache and
// the change feed.
type RedisConfig struct {
	AddrEnv     string `yaml:"addr_env"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// CacheConfig selects the cache backing validator and geocoding results and
// webhook deduplication.
type CacheConfig struct {
	Driver    string `yaml:"driver"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ChangeFeedConfig selects the change-event transport.
type ChangeFeedConfig struct {
	Driver  string `yaml:"driver"`
	Channel string `yaml:"channel"`
	Buffer  int    `yaml:"buffer"`
}

// DocumentsConfig describes where generated contract documents are stored.
type DocumentsConfig struct {
	Driver       string `yaml:"driver"`
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// ContractsConfig describes contract generation and reprocessing.
type ContractsConfig struct {
	NumberPrefix         string        `yaml:"number_prefix"`
	TemplatesDir         string        `yaml:"templates_dir"`
	DefaultTemplate      string        `yaml:"default_template"`
	OperationTimeout     time.Duration `yaml:"operation_timeout"`
	ReprocessTimeout     time.Duration `yaml:"reprocess_timeout"`
	ReprocessConcurrency int           `yaml:"reprocess_concurrency"`
	StuckAfter           time.Duration `yaml:"stuck_after"`
}

// CertificatesConfig describes accreditation certificates.
type CertificatesConfig struct {
	NumberPrefix string        `yaml:"number_prefix"`
	Validity     time.Duration `yaml:"validity"`
}

// SanctionsConfig describes the sanction schedule processor.
type SanctionsConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// WebhookConfig describes inbound signature webhook authentication.
type WebhookConfig struct {
	Scheme          string        `yaml:"scheme"`
	SecretEnv       string        `yaml:"secret_env"`
	SignatureHeader string        `yaml:"signature_header"`
	TokenHeader     string        `yaml:"token_header"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
}

// IntegrationsConfig describes the outbound collaborators.
type IntegrationsConfig struct {
	Signing   ServiceConfig `yaml:"signing"`
	TaxID     ServiceConfig `yaml:"tax_id"`
	License   ServiceConfig `yaml:"license"`
	Geocoding ServiceConfig `yaml:"geocoding"`
}

// ServiceConfig describes an external service.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	APIKeyEnv      string               `yaml:"api_key_env"`
	CacheTTL       time.Duration        `yaml:"cache_ttl"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// RateLimitConfig describes an outbound token bucket. Zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per service.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`

	ForceSampleErrors bool `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func defaultService(timeout time.Duration) ServiceConfig {
	return ServiceConfig{
		Timeout: timeout,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    200 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        2 * time.Second,
		},
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	validators := defaultService(10 * time.Second)
	validators.CacheTTL = 24 * time.Hour

	geocoding := defaultService(10 * time.Second)
	geocoding.CacheTTL = 30 * 24 * time.Hour
	geocoding.RateLimit = RateLimitConfig{PerSecond: 1, Burst: 1}

	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			IdempotencyTTL:  24 * time.Hour,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id",
					"X-Client-Info", "Apikey", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Capability: CapabilityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "ACCREDIT_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{
			AddrEnv:     "ACCREDIT_REDIS_ADDR",
			PasswordEnv: "ACCREDIT_REDIS_PASSWORD",
		},
		Cache: CacheConfig{
			Driver:    "memory",
			KeyPrefix: "accredit",
		},
		ChangeFeed: ChangeFeedConfig{
			Driver:  "memory",
			Channel: "accredit:changes",
			Buffer:  16,
		},
		Documents: DocumentsConfig{
			Driver:       "memory",
			Bucket:       "contracts",
			AccessKeyEnv: "ACCREDIT_S3_ACCESS_KEY",
			SecretKeyEnv: "ACCREDIT_S3_SECRET_KEY",
			UseSSL:       true,
		},
		Contracts: ContractsConfig{
			NumberPrefix:         "CTR",
			DefaultTemplate:      "default",
			OperationTimeout:     30 * time.Second,
			ReprocessTimeout:     5 * time.Minute,
			ReprocessConcurrency: 4,
			StuckAfter:           24 * time.Hour,
		},
		Certificates: CertificatesConfig{
			NumberPrefix: "CERT",
			Validity:     365 * 24 * time.Hour,
		},
		Sanctions: SanctionsConfig{
			CheckInterval: time.Hour,
		},
		Webhook: WebhookConfig{
			Scheme:          "hmac",
			SecretEnv:       "ACCREDIT_WEBHOOK_SECRET",
			SignatureHeader: "X-Signature",
			TokenHeader:     "X-Webhook-Token",
			DedupTTL:        7 * 24 * time.Hour,
		},
		Integrations: IntegrationsConfig{
			Signing:   defaultService(30 * time.Second),
			TaxID:     validators,
			License:   validators,
			Geocoding: geocoding,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if !slices.Contains([]string{"memory", "postgres"}, c.Store.Driver) {
		errs = append(errs, "store.driver must be memory or postgres")
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Cache.Driver) {
		errs = append(errs, "cache.driver must be memory or redis")
	}
	if !slices.Contains([]string{"memory", "redis"}, c.ChangeFeed.Driver) {
		errs = append(errs, "change_feed.driver must be memory or redis")
	}
	if !slices.Contains([]string{"memory", "minio"}, c.Documents.Driver) {
		errs = append(errs, "documents.driver must be memory or minio")
	}
	if c.Documents.Driver == "minio" && c.Documents.Endpoint == "" {
		errs = append(errs, "documents.endpoint is required for the minio driver")
	}
	if !slices.Contains([]string{"hmac", "token"}, c.Webhook.Scheme) {
		errs = append(errs, "webhook.scheme must be hmac or token")
	}
	if c.Webhook.SecretEnv == "" {
		errs = append(errs, "webhook.secret_env is required")
	}
	if c.Integrations.Signing.BaseURL == "" {
		errs = append(errs, "integrations.signing.base_url is required")
	}
	if c.Contracts.ReprocessConcurrency < 1 {
		errs = append(errs, "contracts.reprocess_concurrency must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ACCREDIT_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACCREDIT_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ACCREDIT_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("ACCREDIT_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("ACCREDIT_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("ACCREDIT_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("ACCREDIT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ACCREDIT_CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}
	if v := os.Getenv("ACCREDIT_CHANGE_FEED_DRIVER"); v != "" {
		cfg.ChangeFeed.Driver = v
	}
	if v := os.Getenv("ACCREDIT_DOCUMENTS_DRIVER"); v != "" {
		cfg.Documents.Driver = v
	}
	if v := os.Getenv("ACCREDIT_SIGNING_BASE_URL"); v != "" {
		cfg.Integrations.Signing.BaseURL = v
	}
}

// Secret reads the environment variable named by key. An empty name yields
// an empty value.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
