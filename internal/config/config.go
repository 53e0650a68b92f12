package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "JOTRIP"

	defaultHTTPAddress        = "0.0.0.0:4000"
	defaultServerDatabasePath = "jotrip-server.db"
	defaultClientDatabasePath = "jotrip.db"
	defaultLogLevel           = "info"
	defaultBlobBackend        = BlobBackendSQLite
	defaultRateLimitRPS       = 50
	defaultRateLimitBurst     = 200
	defaultSessionTTLMinutes  = 30
	defaultAllowedOrigins     = "*"
	defaultSyncInterval       = 10 * time.Minute
	defaultHTTPTimeout        = 30 * time.Second
)

// Blob backends selectable through blobs.backend.
const (
	BlobBackendSQLite = "sqlite"
	BlobBackendS3     = "s3"
)

// LogConfig selects the log level and optional rotating log file.
type LogConfig struct {
	Level string
	File  string
}

// S3Config locates the bucket used by the s3 blob backend.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// ServerConfig captures runtime configuration for the sync server.
type ServerConfig struct {
	HTTPAddress          string
	DatabasePath         string
	Log                  LogConfig
	BlobBackend          string
	S3                   S3Config
	RateLimitRPS         float64
	RateLimitBurst       int
	SessionSigningSecret string
	SessionTTL           time.Duration
	AllowedOrigins       []string
}

// ClientConfig captures runtime configuration for a syncing device.
type ClientConfig struct {
	DatabasePath      string
	Log               LogConfig
	SyncInterval      time.Duration
	HTTPTimeout       time.Duration
	PushAllTombstones bool
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding values already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with server and client defaults and env
// bindings configured.
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

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("blobs.backend", defaultBlobBackend)
	configViper.SetDefault("s3.bucket", "")
	configViper.SetDefault("s3.region", "")
	configViper.SetDefault("s3.endpoint", "")
	configViper.SetDefault("s3.access_key_id", "")
	configViper.SetDefault("s3.secret_access_key", "")
	configViper.SetDefault("s3.prefix", "")
	configViper.SetDefault("rate_limit.rps", defaultRateLimitRPS)
	configViper.SetDefault("rate_limit.burst", defaultRateLimitBurst)
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)

	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.http_timeout", defaultHTTPTimeout)
	configViper.SetDefault("sync.push_all_tombstones", true)
}

// LoadServer parses sync server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	databasePath := configViper.GetString("database.path")
	if !configViper.IsSet("database.path") {
		databasePath = defaultServerDatabasePath
	}
	cfg := ServerConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: databasePath,
		Log:          loadLog(configViper),
		BlobBackend:  strings.ToLower(strings.TrimSpace(configViper.GetString("blobs.backend"))),
		S3: S3Config{
			Bucket:          configViper.GetString("s3.bucket"),
			Region:          configViper.GetString("s3.region"),
			Endpoint:        configViper.GetString("s3.endpoint"),
			AccessKeyID:     configViper.GetString("s3.access_key_id"),
			SecretAccessKey: configViper.GetString("s3.secret_access_key"),
			Prefix:          configViper.GetString("s3.prefix"),
		},
		RateLimitRPS:         configViper.GetFloat64("rate_limit.rps"),
		RateLimitBurst:       configViper.GetInt("rate_limit.burst"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionTTL:           time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		AllowedOrigins:       splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses device configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	databasePath := configViper.GetString("database.path")
	if !configViper.IsSet("database.path") {
		databasePath = defaultClientDatabasePath
	}
	cfg := ClientConfig{
		DatabasePath:      databasePath,
		Log:               loadLog(configViper),
		SyncInterval:      configViper.GetDuration("sync.interval"),
		HTTPTimeout:       configViper.GetDuration("sync.http_timeout"),
		PushAllTombstones: configViper.GetBool("sync.push_all_tombstones"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.BlobBackend {
	case BlobBackendSQLite:
	case BlobBackendS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("s3.bucket is required when blobs.backend is s3")
		}
	default:
		return fmt.Errorf("blobs.backend must be %q or %q, got %q", BlobBackendSQLite, BlobBackendS3, c.BlobBackend)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive when rate limiting is enabled")
	}
	if c.SessionSigningSecret != "" && c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("sync.http_timeout must be positive")
	}
	return nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level: configViper.GetString("log.level"),
		File:  configViper.GetString("log.file"),
	}
}

func splitList(raw string) []string {
	var values []string
	for _, value := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
