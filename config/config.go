package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values read from the YAML file.
const (
	EnvDatabaseDSN = "DEVICEHUB_DATABASE_DSN"
	EnvJWTSecret   = "DEVICEHUB_JWT_SECRET"
)

// Config represents the overall application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
	Push         PushConfig         `yaml:"push"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	WorkerPool   WorkerPoolConfig   `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// MQTTConfig configures publishing of user events to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// AuthConfig controls how bearer tokens are verified and which roles are privileged.
type AuthConfig struct {
	JWTSecret    string   `yaml:"jwt_secret"`
	Issuer       string   `yaml:"issuer"`
	AdminRoles   []string `yaml:"admin_roles"`
	PreemptRoles []string `yaml:"preempt_roles"`
}

// ConnectivityConfig holds the prober and cache settings.
type ConnectivityConfig struct {
	Enabled              bool          `yaml:"enabled"`
	TTLSeconds           int           `yaml:"ttl_seconds"`
	PingIntervalSeconds  int           `yaml:"ping_interval_seconds"`
	AccessTimeoutSeconds int           `yaml:"access_timeout_seconds"`
	PingTimeoutSeconds   int           `yaml:"ping_timeout_seconds"`
	Concurrency          int           `yaml:"concurrency"`
	TTL                  time.Duration `yaml:"-"`
	PingInterval         time.Duration `yaml:"-"`
	AccessTimeout        time.Duration `yaml:"-"`
	PingTimeout          time.Duration `yaml:"-"`
}

// MaintenanceConfig configures the daily cleanup pass.
type MaintenanceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	CleanupTime string `yaml:"cleanup_time"`
	Timezone    string `yaml:"timezone"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Warning: could not read .env file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if secret := os.Getenv(EnvJWTSecret); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds < 0 {
		cfg.Server.CacheTTLSeconds = 0
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "devicehub"
	}
	if len(cfg.Auth.AdminRoles) == 0 {
		cfg.Auth.AdminRoles = []string{"admin"}
	}

	c := &cfg.Connectivity
	if c.TTLSeconds <= 0 {
		c.TTLSeconds = 15
	}
	if c.PingIntervalSeconds <= 0 {
		c.PingIntervalSeconds = 10
	}
	if c.AccessTimeoutSeconds <= 0 {
		c.AccessTimeoutSeconds = 20
	}
	if c.PingTimeoutSeconds <= 0 {
		c.PingTimeoutSeconds = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	c.TTL = time.Duration(c.TTLSeconds) * time.Second
	c.PingInterval = time.Duration(c.PingIntervalSeconds) * time.Second
	c.AccessTimeout = time.Duration(c.AccessTimeoutSeconds) * time.Second
	c.PingTimeout = time.Duration(c.PingTimeoutSeconds) * time.Second

	if cfg.Maintenance.CleanupTime == "" {
		cfg.Maintenance.CleanupTime = "00:30"
	}
	if cfg.Maintenance.Timezone == "" {
		cfg.Maintenance.Timezone = "Local"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "devicehub"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "devicehub"
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		cfg.MQTT.QoS = 1
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
}
