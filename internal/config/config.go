package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// boopd - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Store   StoreConfig   `yaml:"store"`
	Token   TokenConfig   `yaml:"token"`
	Limits  LimitsConfig  `yaml:"limits"`
	Janitor JanitorConfig `yaml:"janitor"`
}

type ServerConfig struct {
	Port                 string   `yaml:"port"`
	Env                  string   `yaml:"env"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	ReadHeaderTimeoutSec int      `yaml:"read_header_timeout_sec"`
	ShutdownTimeoutSec   int      `yaml:"shutdown_timeout_sec"`
}

// RedisConfig for the document store and the durable token-cache tier.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// TokenConfig for the credential collaborator.
type TokenConfig struct {
	ServiceURL       string `yaml:"service_url"`
	CachePrefix      string `yaml:"cache_prefix"`
	UserID           string `yaml:"user_id"`
	TTLMs            int64  `yaml:"ttl_ms"`
	RemintBelowMs    int64  `yaml:"remint_below_ms"`
	RequestTimeoutMs int64  `yaml:"request_timeout_ms"`
}

// LimitsConfig carries the protocol rate windows and session timers.
// Zero values fall back to the production defaults in ApplyDefaults.
type LimitsConfig struct {
	BPMLimit               int   `yaml:"bpm_limit"`
	BPMWindowMs            int64 `yaml:"bpm_window_ms"`
	BPHLimit               int64 `yaml:"bph_limit"`
	BPHWindowMs            int64 `yaml:"bph_window_ms"`
	GBCSyncIntervalMs      int64 `yaml:"gbc_sync_interval_ms"`
	BPHSyncIntervalMs      int64 `yaml:"bph_sync_interval_ms"`
	HeartbeatTimeoutMs     int64 `yaml:"heartbeat_timeout_ms"`
	CooldownFailLimit      int   `yaml:"cooldown_fail_limit"`
	ShutdownFlushTimeoutMs int64 `yaml:"shutdown_flush_timeout_ms"`
}

type JanitorConfig struct {
	Enabled     bool  `yaml:"enabled"`
	IntervalSec int   `yaml:"interval_sec"`
	GraceMs     int64 `yaml:"grace_ms"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("Config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
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

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("BOOPD_ENV", c.Server.Env)
	if origins := getEnv("BOOPD_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}

	// Redis
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	// Store
	c.Store.KeyPrefix = getEnv("STORE_KEY_PREFIX", c.Store.KeyPrefix)

	// Token service
	c.Token.ServiceURL = getEnv("TOKEN_SERVICE_URL", c.Token.ServiceURL)
	c.Token.CachePrefix = getEnv("TOKEN_CACHE_PREFIX", c.Token.CachePrefix)
	c.Token.UserID = getEnv("TOKEN_USER_ID", c.Token.UserID)
	if v := getEnvInt64("TOKEN_TTL_MS", 0); v > 0 {
		c.Token.TTLMs = v
	}

	// Janitor
	c.Janitor.Enabled = getEnvBool("JANITOR_ENABLED", c.Janitor.Enabled)
	if v := getEnvInt("JANITOR_INTERVAL_SEC", 0); v > 0 {
		c.Janitor.IntervalSec = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.ReadHeaderTimeoutSec == 0 {
		c.Server.ReadHeaderTimeoutSec = 10
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 30
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "boop:"
	}
	if c.Token.CachePrefix == "" {
		c.Token.CachePrefix = "boop:token:"
	}
	if c.Token.UserID == "" {
		c.Token.UserID = "boopd"
	}
	if c.Token.TTLMs == 0 {
		c.Token.TTLMs = 3_600_000
	}
	if c.Token.RemintBelowMs == 0 {
		c.Token.RemintBelowMs = 10_000
	}
	if c.Token.RequestTimeoutMs == 0 {
		c.Token.RequestTimeoutMs = 5_000
	}
	c.Limits.ApplyDefaults()
	if c.Janitor.IntervalSec == 0 {
		c.Janitor.IntervalSec = 3600
	}
	if c.Janitor.GraceMs == 0 {
		c.Janitor.GraceMs = 3_600_000
	}
}

// ApplyDefaults fills zero-valued limits with the production values.
// Exposed so tests and the session package can normalize partial configs.
func (l *LimitsConfig) ApplyDefaults() {
	if l.BPMLimit == 0 {
		l.BPMLimit = 1000
	}
	if l.BPMWindowMs == 0 {
		l.BPMWindowMs = 60_000
	}
	if l.BPHLimit == 0 {
		l.BPHLimit = 10_000
	}
	if l.BPHWindowMs == 0 {
		l.BPHWindowMs = 3_600_000
	}
	if l.GBCSyncIntervalMs == 0 {
		l.GBCSyncIntervalMs = 250
	}
	if l.BPHSyncIntervalMs == 0 {
		l.BPHSyncIntervalMs = 60_000
	}
	if l.HeartbeatTimeoutMs == 0 {
		l.HeartbeatTimeoutMs = 30_000
	}
	if l.CooldownFailLimit == 0 {
		l.CooldownFailLimit = 5
	}
	if l.ShutdownFlushTimeoutMs == 0 {
		l.ShutdownFlushTimeoutMs = 10_000
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
