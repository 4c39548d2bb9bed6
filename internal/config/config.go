package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	AWS           AWSConfig           `yaml:"aws"`
	Storage       StorageConfig       `yaml:"storage"`
	Broker        BrokerConfig        `yaml:"broker"`
	CORS          CORSConfig          `yaml:"cors"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Audit         AuditConfig         `yaml:"audit"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Labeler       LabelerConfig       `yaml:"labeler"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type ServerConfig struct {
	Address             string        `yaml:"address"`
	Port                int           `yaml:"port"`
	ProxyProtocol       bool          `yaml:"proxy_protocol"`
	ShutdownTimeoutSecs int           `yaml:"shutdown_timeout_secs"`
	RequestTimeoutSecs  int           `yaml:"request_timeout_secs"`
	MaxUploadBytes      int64         `yaml:"max_upload_bytes"`
	TLS                 TLSConfig     `yaml:"tls"`
	AutoTLS             AutoTLSConfig `yaml:"auto_tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AutoTLSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Domains    []string `yaml:"domains"`
	CacheDir   string   `yaml:"cache_dir"`
	SelfSigned bool     `yaml:"self_signed"`
}

// AWSConfig holds the identity and storage resource identifiers. Each field
// can be overridden from the environment (see applyEnv).
type AWSConfig struct {
	Region         string `yaml:"region"`
	UserPoolID     string `yaml:"user_pool_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	IdentityPoolID string `yaml:"identity_pool_id"`
	UserPoolDomain string `yaml:"user_pool_domain"`
	Bucket         string `yaml:"bucket"`
	LabelsTable    string `yaml:"labels_table"`
	Endpoint       string `yaml:"endpoint"` // optional override for S3/DynamoDB (localstack, minio)
	Profile        string `yaml:"profile"`
}

// ProviderName is the login-map key the identity pool expects for tokens
// issued by the user pool.
func (a AWSConfig) ProviderName() string {
	return fmt.Sprintf("cognito-idp.%s.amazonaws.com/%s", a.Region, a.UserPoolID)
}

type StorageConfig struct {
	Backend     string `yaml:"backend"` // "aws" or "local"
	DataDir     string `yaml:"data_dir"`
	MetadataDir string `yaml:"metadata_dir"`
	ClientCache int    `yaml:"client_cache"`
}

type BrokerConfig struct {
	SafetyMarginSecs    int `yaml:"safety_margin_secs"`
	ExchangeTimeoutSecs int `yaml:"exchange_timeout_secs"`
	MaxAttempts         int `yaml:"max_attempts"`
	BackoffBaseMillis   int `yaml:"backoff_base_millis"`
	BackoffMaxMillis    int `yaml:"backoff_max_millis"`
	CacheSize           int `yaml:"cache_size"`
}

func (b BrokerConfig) SafetyMargin() time.Duration {
	return time.Duration(b.SafetyMarginSecs) * time.Second
}

func (b BrokerConfig) ExchangeTimeout() time.Duration {
	return time.Duration(b.ExchangeTimeoutSecs) * time.Second
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSecs     int      `yaml:"max_age_secs"`
}

// RateLimitConfig limits requests per client IP and, for authenticated
// calls, per bearer token.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSec    float64 `yaml:"requests_per_sec"`
	BurstSize         int     `yaml:"burst_size"`
	TokenRequestsPerS float64 `yaml:"token_requests_per_sec"`
	TokenBurstSize    int     `yaml:"token_burst_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type AuditConfig struct {
	RetentionDays     int `yaml:"retention_days"`
	PruneIntervalSecs int `yaml:"prune_interval_secs"`
}

type NotificationsConfig struct {
	MaxWorkers  int             `yaml:"max_workers"`
	QueueSize   int             `yaml:"queue_size"`
	TimeoutSecs int             `yaml:"timeout_secs"`
	MaxRetries  int             `yaml:"max_retries"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	NATS        NATSConfig      `yaml:"nats"`
	Redis       RedisConfig     `yaml:"redis"`
	Postgres    PostgresConfig  `yaml:"postgres"`
}

// WebhookConfig posts matching events to Endpoint. Events accepts exact
// names and "s3:ObjectCreated:*" style wildcards; empty means all events.
type WebhookConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Events   []string `yaml:"events"`
	Prefix   string   `yaml:"prefix"`
	Suffix   string   `yaml:"suffix"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Channel    string `yaml:"channel"`
	ListKey    string `yaml:"list_key"`
	ListMaxLen int64  `yaml:"list_max_len"` // 0 keeps the list unbounded
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	ConnStr string `yaml:"conn_str"`
	Table   string `yaml:"table"`
}

type LabelerConfig struct {
	Address       string     `yaml:"address"`
	Port          int        `yaml:"port"`
	Workers       int        `yaml:"workers"`
	QueueSize     int        `yaml:"queue_size"`
	MaxLabels     int32      `yaml:"max_labels"`
	MinConfidence float32    `yaml:"min_confidence"`
	Extensions    []string   `yaml:"extensions"`
	NATS          NATSConfig `yaml:"nats"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:             "0.0.0.0",
			Port:                8000,
			ShutdownTimeoutSecs: 30,
			RequestTimeoutSecs:  60,
			MaxUploadBytes:      20 << 20,
		},
		AWS: AWSConfig{
			Region:      "us-east-1",
			LabelsTable: "ImageLabels",
		},
		Storage: StorageConfig{
			Backend:     "aws",
			DataDir:     "./data",
			MetadataDir: "./metadata",
			ClientCache: 256,
		},
		Broker: BrokerConfig{
			SafetyMarginSecs:    60,
			ExchangeTimeoutSecs: 15,
			MaxAttempts:         3,
			BackoffBaseMillis:   200,
			BackoffMaxMillis:    2000,
			CacheSize:           10000,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			MaxAgeSecs:     600,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSec:    20,
			BurstSize:         40,
			TokenRequestsPerS: 10,
			TokenBurstSize:    20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditConfig{
			RetentionDays:     30,
			PruneIntervalSecs: 3600,
		},
		Notifications: NotificationsConfig{
			MaxWorkers:  4,
			QueueSize:   256,
			TimeoutSecs: 10,
			MaxRetries:  3,
		},
		Labeler: LabelerConfig{
			Address:       "0.0.0.0",
			Port:          8001,
			Workers:       2,
			QueueSize:     128,
			MaxLabels:     15,
			MinConfidence: 70,
			Extensions:    []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides AWS identifiers from the variables the deployment
// scripts export. USER_POOL_ID wins over COGNITO_USER_POOL_ID.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, names ...string) {
		for _, n := range names {
			if v, ok := lookup(n); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.AWS.Region, "AWS_REGION", "AWS_DEFAULT_REGION")
	set(&c.AWS.UserPoolID, "USER_POOL_ID", "COGNITO_USER_POOL_ID")
	set(&c.AWS.ClientID, "CLIENT_ID", "COGNITO_CLIENT_ID")
	set(&c.AWS.ClientSecret, "CLIENT_SECRET")
	set(&c.AWS.IdentityPoolID, "IDENTITY_POOL_ID")
	set(&c.AWS.UserPoolDomain, "USER_POOL_DOMAIN")
	set(&c.AWS.Bucket, "S3_BUCKET_NAME")
	set(&c.AWS.LabelsTable, "LABELS_TABLE")
	set(&c.AWS.Endpoint, "AWS_ENDPOINT_URL")
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Storage.Backend {
	case "aws":
		if c.AWS.Bucket == "" {
			errs = append(errs, errors.New("aws.bucket is required"))
		}
	case "local":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be aws or local, got %q", c.Storage.Backend))
	}
	if c.AWS.Region == "" {
		errs = append(errs, errors.New("aws.region is required"))
	}
	if c.Broker.MaxAttempts < 1 {
		errs = append(errs, errors.New("broker.max_attempts must be at least 1"))
	}
	if c.Broker.ExchangeTimeoutSecs < 1 {
		errs = append(errs, errors.New("broker.exchange_timeout_secs must be at least 1"))
	}
	if c.Broker.SafetyMarginSecs < 0 {
		errs = append(errs, errors.New("broker.safety_margin_secs must not be negative"))
	}
	if c.Broker.CacheSize < 1 {
		errs = append(errs, errors.New("broker.cache_size must be positive"))
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RequireIdentity reports missing identity settings. The BFF needs them,
// the labeler does not.
func (c *Config) RequireIdentity() error {
	var missing []string
	if c.AWS.UserPoolID == "" {
		missing = append(missing, "aws.user_pool_id")
	}
	if c.AWS.ClientID == "" {
		missing = append(missing, "aws.client_id")
	}
	if c.AWS.IdentityPoolID == "" && c.Storage.Backend == "aws" {
		missing = append(missing, "aws.identity_pool_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing identity settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func (c *Config) LabelerAddr() string {
	return fmt.Sprintf("%s:%d", c.Labeler.Address, c.Labeler.Port)
}
