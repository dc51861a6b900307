// Package config loads the process configuration from environment
// variables once at startup. Secrets that are not in the environment are
// looked up in the OS keyring.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
)

// KeyringService is the keyring service name secrets are stored under.
const KeyringService = "mindspace"

// Keyring entries.
const (
	SecretPostgresDSN   = "postgres-dsn"
	SecretMongoURI      = "mongo-uri"
	SecretEmailPassword = "email-password"
	SecretOtpKey        = "otp-key"
)

// Config is immutable after Load.
type Config struct {
	// Storage
	DataDir       string
	Remote        string
	StoreAddr     string
	DisableTLS    bool
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
	ProbeTimeout  time.Duration
	RemoteTimeout time.Duration

	// Sync
	SyncInterval    time.Duration
	SyncConcurrency int
	Retention       time.Duration

	// OTP and mail
	OtpSecret       string
	OtpSendInterval time.Duration
	SMTPHost        string
	SMTPPort        int
	EmailAddress    string
	EmailPassword   string

	// Server
	HTTPPort string

	// Daemon
	StorePort    string
	StoreDataDir string

	// Logging
	Debug  bool
	LogDir string
}

// Load reads the configuration. It fails only on values that are present
// but unusable.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DataDir = getEnvString("MINDSPACE_DATA_DIR", "local_storage")
	cfg.Remote = strings.ToLower(getEnvString("MINDSPACE_REMOTE", "none"))
	cfg.StoreAddr = getEnvString("MINDSPACE_STORE_ADDR", "localhost:7001")
	cfg.DisableTLS = getEnvBool("MINDSPACE_DISABLE_TLS", false)
	cfg.MongoDatabase = getEnvString("MINDSPACE_MONGO_DATABASE", "mindspace")
	cfg.ProbeTimeout = getEnvDuration("MINDSPACE_PROBE_TIMEOUT", 2*time.Second)
	cfg.RemoteTimeout = getEnvDuration("MINDSPACE_REMOTE_TIMEOUT", 5*time.Second)

	cfg.SyncInterval = getEnvDuration("MINDSPACE_SYNC_INTERVAL", 5*time.Minute)
	cfg.SyncConcurrency = getEnvInt("MINDSPACE_SYNC_CONCURRENCY", 4)
	cfg.Retention = getEnvDuration("MINDSPACE_RETENTION", 365*24*time.Hour)

	cfg.OtpSendInterval = getEnvDuration("MINDSPACE_OTP_SEND_INTERVAL", 30*time.Second)
	cfg.SMTPHost = getEnvString("MINDSPACE_SMTP_HOST", "smtp.gmail.com")
	cfg.SMTPPort = getEnvInt("MINDSPACE_SMTP_PORT", 587)
	cfg.EmailAddress = getEnvString("MINDSPACE_EMAIL_ADDRESS", "")

	cfg.HTTPPort = getEnvString("MINDSPACE_HTTP_PORT", "8080")
	cfg.StorePort = getEnvString("MINDSPACE_STORE_PORT", "7001")
	cfg.StoreDataDir = getEnvString("MINDSPACE_STORE_DATA_DIR", "data")

	cfg.Debug = getEnvBool("MINDSPACE_DEBUG", false)
	cfg.LogDir = getEnvString("MINDSPACE_LOG_DIR", "")

	cfg.PostgresDSN = secret("MINDSPACE_POSTGRES_DSN", SecretPostgresDSN)
	cfg.MongoURI = secret("MINDSPACE_MONGO_URI", SecretMongoURI)
	cfg.EmailPassword = secret("MINDSPACE_EMAIL_PASSWORD", SecretEmailPassword)
	cfg.OtpSecret = secret("MINDSPACE_OTP_SECRET", SecretOtpKey)

	switch cfg.Remote {
	case "none", "store", "postgres", "mongo":
	default:
		return nil, fmt.Errorf("MINDSPACE_REMOTE: unknown remote %q", cfg.Remote)
	}
	if cfg.SyncConcurrency < 1 {
		return nil, fmt.Errorf("MINDSPACE_SYNC_CONCURRENCY must be positive, got %d", cfg.SyncConcurrency)
	}
	return cfg, nil
}

// MailEnabled reports whether SMTP credentials are configured.
func (c *Config) MailEnabled() bool {
	return c.EmailAddress != "" && c.EmailPassword != ""
}

// secret returns the environment value of key, or the keyring entry named
// user when the variable is unset. A missing entry or an unusable keyring
// yields "".
func secret(key, user string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	v, err := keyring.Get(KeyringService, user)
	if err != nil {
		return ""
	}
	return v
}

// StoreSecret saves a secret in the OS keyring for later Loads.
func StoreSecret(user, value string) error {
	if value == "" {
		return errors.New("secret cannot be empty")
	}
	if err := keyring.Set(KeyringService, user, value); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", user, err)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
