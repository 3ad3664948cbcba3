// Package config loads the dispatch engine configuration from an optional
// YAML file overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Method     string           `yaml:"method"`
	Database   DatabaseConfig   `yaml:"database"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Queue      QueueConfig      `yaml:"queue"`
	Audit      AuditConfig      `yaml:"audit"`
	Intercept  InterceptConfig  `yaml:"intercept"`
	Gmail      GmailConfig      `yaml:"gmail"`
	Relay      RelayConfig      `yaml:"relay"`
	SES        SESConfig        `yaml:"ses"`
	Redis      RedisConfig      `yaml:"redis"`
	Admin      AdminConfig      `yaml:"admin"`
	TLS        TLSConfig        `yaml:"tls"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig selects the queue and audit store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// EncryptionConfig holds the key that protects stored OAuth tokens.
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// QueueConfig tunes the dispatcher.
type QueueConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BatchSize     int           `yaml:"batch_size"`
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	CycleTimeout  time.Duration `yaml:"cycle_timeout"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	ReclaimAfter  time.Duration `yaml:"reclaim_after"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// AuditConfig holds audit retention.
type AuditConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// InterceptConfig holds the SMTP ingress configuration.
type InterceptConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Mode              string `yaml:"mode"`
	Listen            string `yaml:"listen"`
	Domain            string `yaml:"domain"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	MaxMessageSize    int64  `yaml:"max_message_size"`
	AllowInsecureAuth bool   `yaml:"allow_insecure_auth"`
}

// GmailConfig holds the delegated Gmail API credentials.
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	Sender       string `yaml:"sender"`
	Alias        string `yaml:"alias"`
	StateSecret  string `yaml:"state_secret"`
}

// RelayConfig holds the SMTP relay credentials.
type RelayConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Security     string `yaml:"security"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	From         string `yaml:"from"`
	DKIMSelector string `yaml:"dkim_selector"`
	DKIMDomain   string `yaml:"dkim_domain"`
	DKIMKeyPath  string `yaml:"dkim_key_path"`
}

// SESConfig holds AWS SES credentials.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// RedisConfig enables the cross-process token refresh lock.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AdminConfig holds the admin HTTP listener.
type AdminConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// TLSConfig holds TLS certificate file paths for the SMTP ingress.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports every missing or inconsistent setting as one
// configuration error.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	method, err := transport.ParseMethod(c.Method)
	if err != nil {
		add("method: %q is not one of gmail_api, smtp_relay, ses", c.Method)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		add("database.driver: %q is not one of sqlite, postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		add("database.dsn is required")
	}

	switch method {
	case transport.MethodGmailAPI:
		if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" {
			add("gmail.client_id and gmail.client_secret are required for gmail_api")
		}
		if c.Gmail.RedirectURL == "" {
			add("gmail.redirect_url is required for gmail_api")
		}
		if c.Gmail.Sender == "" {
			add("gmail.sender is required for gmail_api")
		}
		if c.Encryption.Key == "" {
			add("encryption.key is required to store delegated tokens")
		}
	case transport.MethodSMTPRelay:
		if c.Relay.Host == "" || c.Relay.From == "" {
			add("relay.host and relay.from are required for smtp_relay")
		}
		switch c.Relay.Security {
		case "tls", "starttls", "none":
		default:
			add("relay.security: %q is not one of tls, starttls, none", c.Relay.Security)
		}
		if c.DKIMEnabled() && c.Relay.DKIMKeyPath == "" {
			add("relay.dkim_key_path is required when relay.dkim_selector is set")
		}
	case transport.MethodSES:
		if c.SES.Region == "" || c.SES.Sender == "" {
			add("ses.region and ses.sender are required for ses")
		}
		if (c.SES.AccessKeyID == "") != (c.SES.SecretAccessKey == "") {
			add("ses.access_key_id and ses.secret_access_key must be set together")
		}
	}

	if c.Queue.MaxAttempts < 1 {
		add("queue.max_attempts must be at least 1")
	}
	if c.Queue.BatchSize < 1 || c.Queue.Workers < 1 {
		add("queue.batch_size and queue.workers must be at least 1")
	}
	if c.Queue.BackoffMax < c.Queue.BackoffBase {
		add("queue.backoff_max must not be less than queue.backoff_base")
	}
	if inFlight := max(c.Queue.CycleTimeout, c.Queue.SendTimeout); c.Queue.ReclaimAfter <= inFlight {
		add("queue.reclaim_after (%s) must exceed queue.cycle_timeout and queue.send_timeout (%s)", c.Queue.ReclaimAfter, inFlight)
	}

	if c.Intercept.Enabled {
		switch c.Intercept.Mode {
		case "queue", "direct":
		default:
			add("intercept.mode: %q is not one of queue, direct", c.Intercept.Mode)
		}
		if (c.Intercept.Username == "") != (c.Intercept.Password == "") {
			add("intercept.username and intercept.password must be set together")
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		add("tls.cert_file and tls.key_file must be set together")
	}

	if len(problems) == 0 {
		return nil
	}
	return mailerr.Configuration("invalid configuration", errors.Join(problems...))
}

// DKIMEnabled reports whether relay submissions are signed.
func (c *Config) DKIMEnabled() bool {
	return c.Relay.DKIMSelector != ""
}

// AuthEnabled returns true if both ingress username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Intercept.Username != "" && c.Intercept.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Method = string(transport.MethodSMTPRelay)
	c.Database.Driver = "sqlite"
	c.Database.DSN = "mail-dispatch.db"

	c.Queue.MaxAttempts = 3
	c.Queue.BatchSize = 50
	c.Queue.Workers = 4
	c.Queue.PollInterval = time.Minute
	c.Queue.CycleTimeout = 2 * time.Minute
	c.Queue.SendTimeout = 30 * time.Second
	c.Queue.BackoffBase = 30 * time.Second
	c.Queue.BackoffMax = time.Hour
	c.Queue.ReclaimAfter = 10 * time.Minute
	c.Queue.Retention = 720 * time.Hour
	c.Queue.PruneInterval = time.Hour
	c.Audit.Retention = 720 * time.Hour

	c.Intercept.Mode = "queue"
	c.Intercept.Listen = ":2525"
	c.Intercept.MaxMessageSize = defaultMaxMessageSize

	c.Relay.Security = "starttls"
	c.Admin.Listen = ":8080"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty, well-formed environment variables override existing
// values.
func (c *Config) applyEnvVars() {
	setString(&c.Method, "METHOD")
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.Encryption.Key, "ENCRYPTION_KEY")

	setInt(&c.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS")
	setInt(&c.Queue.BatchSize, "QUEUE_BATCH_SIZE")
	setInt(&c.Queue.Workers, "QUEUE_WORKERS")
	setDuration(&c.Queue.PollInterval, "QUEUE_POLL_INTERVAL")
	setDuration(&c.Queue.CycleTimeout, "QUEUE_CYCLE_TIMEOUT")
	setDuration(&c.Queue.SendTimeout, "QUEUE_SEND_TIMEOUT")
	setDuration(&c.Queue.BackoffBase, "QUEUE_BACKOFF_BASE")
	setDuration(&c.Queue.BackoffMax, "QUEUE_BACKOFF_MAX")
	setDuration(&c.Queue.ReclaimAfter, "QUEUE_RECLAIM_AFTER")
	setDuration(&c.Queue.Retention, "QUEUE_RETENTION")
	setDuration(&c.Queue.PruneInterval, "QUEUE_PRUNE_INTERVAL")
	setDuration(&c.Audit.Retention, "AUDIT_RETENTION")

	setBool(&c.Intercept.Enabled, "INTERCEPT_ENABLED")
	setString(&c.Intercept.Mode, "INTERCEPT_MODE")
	setString(&c.Intercept.Listen, "INTERCEPT_LISTEN")
	setString(&c.Intercept.Domain, "INTERCEPT_DOMAIN")
	setString(&c.Intercept.Username, "INTERCEPT_USERNAME")
	setString(&c.Intercept.Password, "INTERCEPT_PASSWORD")
	setInt64(&c.Intercept.MaxMessageSize, "INTERCEPT_MAX_MESSAGE_SIZE")
	setBool(&c.Intercept.AllowInsecureAuth, "INTERCEPT_ALLOW_INSECURE_AUTH")

	setString(&c.Gmail.ClientID, "GMAIL_CLIENT_ID")
	setString(&c.Gmail.ClientSecret, "GMAIL_CLIENT_SECRET")
	setString(&c.Gmail.RedirectURL, "GMAIL_REDIRECT_URL")
	setString(&c.Gmail.Sender, "GMAIL_SENDER")
	setString(&c.Gmail.Alias, "GMAIL_ALIAS")
	setString(&c.Gmail.StateSecret, "GMAIL_STATE_SECRET")

	setString(&c.Relay.Host, "RELAY_HOST")
	setInt(&c.Relay.Port, "RELAY_PORT")
	setString(&c.Relay.Security, "RELAY_SECURITY")
	setString(&c.Relay.Username, "RELAY_USERNAME")
	setString(&c.Relay.Password, "RELAY_PASSWORD")
	setString(&c.Relay.From, "RELAY_FROM")
	setString(&c.Relay.DKIMSelector, "RELAY_DKIM_SELECTOR")
	setString(&c.Relay.DKIMDomain, "RELAY_DKIM_DOMAIN")
	setString(&c.Relay.DKIMKeyPath, "RELAY_DKIM_KEY_PATH")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")
	setString(&c.SES.ConfigurationSet, "SES_CONFIGURATION_SET")

	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Admin.Listen, "ADMIN_LISTEN")
	setString(&c.Admin.Token, "ADMIN_TOKEN")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	c.Method = strings.ToLower(strings.TrimSpace(c.Method))
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
