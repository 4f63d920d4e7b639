package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Neo4j         Neo4jConfig         `yaml:"neo4j"`
	Auth          AuthConfig          `yaml:"auth"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig backs the audit outbox. When disabled the outbox lives in process.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	Issuer             string        `yaml:"issuer"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

type IngestionConfig struct {
	MaxPayloadBytes   int           `yaml:"max_payload_bytes"`
	ERPBaseURL        string        `yaml:"erp_base_url"`
	ERPFetchTimeout   time.Duration `yaml:"erp_fetch_timeout"`
	AuditWriteTimeout time.Duration `yaml:"audit_write_timeout"`
}

// ArchiveConfig selects where sealed manifests are copied.
// Provider is one of s3, gcs, azure or none.
type ArchiveConfig struct {
	Provider string `yaml:"provider"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`

	AWS   AWSArchiveConfig   `yaml:"aws"`
	GCP   GCPArchiveConfig   `yaml:"gcp"`
	Azure AzureArchiveConfig `yaml:"azure"`
}

type AWSArchiveConfig struct {
	Region          string `yaml:"region"`
	AssumeRoleARN   string `yaml:"assume_role_arn"`
	ExternalID      string `yaml:"external_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	KMSKeyID        string `yaml:"kms_key_id"`
	SigningKeyID    string `yaml:"signing_key_id"`
}

type GCPArchiveConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type AzureArchiveConfig struct {
	AccountURL   string `yaml:"account_url"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// SchedulerConfig holds cron specs for the background sweeps.
type SchedulerConfig struct {
	Disabled         bool   `yaml:"disabled"`
	AuditOutboxDrain string `yaml:"audit_outbox_drain"`
	QuarantineSweep  string `yaml:"quarantine_overdue_sweep"`
	RetentionSweep   string `yaml:"retention_expiry_sweep"`
}

type NotificationsConfig struct {
	MinSeverity string            `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Load reads a YAML config file, expanding ${VAR} references first.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"
		slog.Warn("using default JWT secret, set auth.jwt_secret in production")
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "evidence"
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	if c.Ingestion.MaxPayloadBytes == 0 {
		c.Ingestion.MaxPayloadBytes = 25 << 20
	}
	if c.Ingestion.ERPFetchTimeout == 0 {
		c.Ingestion.ERPFetchTimeout = 20 * time.Second
	}
	if c.Ingestion.AuditWriteTimeout == 0 {
		c.Ingestion.AuditWriteTimeout = 5 * time.Second
	}

	if c.Archive.Provider == "" {
		c.Archive.Provider = "none"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "sealed"
	}
	if c.Archive.AWS.Region == "" {
		c.Archive.AWS.Region = "us-east-1"
	}

	if c.Scheduler.AuditOutboxDrain == "" {
		c.Scheduler.AuditOutboxDrain = "@every 1m"
	}
	if c.Scheduler.QuarantineSweep == "" {
		c.Scheduler.QuarantineSweep = "@hourly"
	}
	if c.Scheduler.RetentionSweep == "" {
		c.Scheduler.RetentionSweep = "@daily"
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = "high"
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
