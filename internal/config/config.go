package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory       = "memory"
	DriverPostgres     = "postgres"
	DriverGormPostgres = "gorm-postgres"
	DriverSQLite       = "sqlite"
)

// Config is shared by the server, worker and verify binaries. Sections a
// binary does not use are ignored by it.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
		MaxArtifactBytes       int64  `yaml:"max_artifact_bytes"`
	} `yaml:"server"`

	Storage struct {
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
		SQLitePath  string `yaml:"sqlite_path"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Envelope struct {
		HMACSecret string `yaml:"hmac_secret"`
	} `yaml:"envelope"`

	Queue struct {
		Enabled         *bool  `yaml:"enabled"`
		RedisAddr       string `yaml:"redis_addr"`
		RedisPassword   string `yaml:"redis_password"`
		RedisDB         int    `yaml:"redis_db"`
		Queue           string `yaml:"queue"`
		DeadLetterQueue string `yaml:"dead_letter_queue"`
	} `yaml:"queue"`

	Worker struct {
		MaxRetries        int `yaml:"max_retries"`
		PopTimeoutSeconds int `yaml:"pop_timeout_seconds"`
	} `yaml:"worker"`

	Generator struct {
		BackendURL       string `yaml:"backend_url"`
		TimeoutSeconds   int    `yaml:"timeout_seconds"`
		MaxArtifactBytes int64  `yaml:"max_artifact_bytes"`
	} `yaml:"generator"`

	Keys struct {
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string `yaml:"signing_public_key_path"`
	} `yaml:"keys"`

	Security struct {
		WriteToken       string   `yaml:"write_token"`
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Logging struct {
		Level    string `yaml:"level"`
		Service  string `yaml:"service"`
		Version  string `yaml:"version"`
		Commit   string `yaml:"commit"`
		Region   string `yaml:"region"`
		Instance string `yaml:"instance"`
	} `yaml:"logging"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) QueueEnabled() bool {
	return *c.Queue.Enabled
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.MaxArtifactBytes <= 0 {
		c.Server.MaxArtifactBytes = 25 << 20
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Queue.Enabled == nil {
		c.Queue.Enabled = boolPtr(c.Queue.RedisAddr != "")
	}
	if c.Queue.Queue == "" {
		c.Queue.Queue = "docuchain:documents:queue"
	}
	if c.Queue.DeadLetterQueue == "" {
		c.Queue.DeadLetterQueue = "docuchain:documents:dlq"
	}
	if c.Worker.MaxRetries <= 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Worker.PopTimeoutSeconds <= 0 {
		c.Worker.PopTimeoutSeconds = 5
	}
	if c.Generator.TimeoutSeconds <= 0 {
		c.Generator.TimeoutSeconds = 300
	}
	if c.Generator.MaxArtifactBytes <= 0 {
		c.Generator.MaxArtifactBytes = c.Server.MaxArtifactBytes
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		c.Security.TrustedCIDRs = []string{
			"127.0.0.1/32",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "docuchain"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Logging.Instance = host
		}
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverGormPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for driver %q", c.Storage.Driver)
		}
		if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) && !isLoopbackOrLocal(dsnHost(c.Storage.PostgresDSN)) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full for non-local hosts when enforce_secure_transport is enabled")
		}
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for driver \"sqlite\"")
		}
	default:
		return errors.New("storage.driver must be one of memory|postgres|gorm-postgres|sqlite")
	}
	if c.Storage.MinConns > c.Storage.MaxConns {
		return errors.New("storage.min_conns must not exceed storage.max_conns")
	}
	if *c.Queue.Enabled && c.Queue.RedisAddr == "" {
		return errors.New("queue.redis_addr is required when the queue is enabled")
	}
	if c.Queue.Queue == c.Queue.DeadLetterQueue {
		return errors.New("queue.dead_letter_queue must differ from queue.queue")
	}
	if c.Generator.BackendURL != "" && *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Generator.BackendURL) && !isLoopbackOrLocal(urlHost(c.Generator.BackendURL)) {
		return errors.New("generator.backend_url must use https for non-local hosts when enforce_secure_transport is enabled")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Storage.SQLitePath = os.ExpandEnv(strings.TrimSpace(c.Storage.SQLitePath))
	c.Envelope.HMACSecret = os.ExpandEnv(strings.TrimSpace(c.Envelope.HMACSecret))
	c.Queue.RedisAddr = os.ExpandEnv(strings.TrimSpace(c.Queue.RedisAddr))
	c.Queue.RedisPassword = os.ExpandEnv(strings.TrimSpace(c.Queue.RedisPassword))
	c.Generator.BackendURL = os.ExpandEnv(strings.TrimSpace(c.Generator.BackendURL))
	c.Keys.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPrivateKeyPath))
	c.Keys.SigningPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPublicKeyPath))
	c.Security.WriteToken = os.ExpandEnv(strings.TrimSpace(c.Security.WriteToken))
}

func boolPtr(v bool) *bool {
	return &v
}
