// Package config provides configuration loading and hot-reload for the gateway.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/crypto"
	"github.com/xiangbo1997/claude-api-gateway-sub002/internal/domain"
)

// sealedPrefix marks credential values encrypted with the sealing key.
const sealedPrefix = "enc:"

// Duration decodes TOML duration strings such as "90s" or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig                 `toml:"server"`
	Logging   LoggingConfig                `toml:"logging"`
	Database  DatabaseConfig               `toml:"database"`
	Redis     RedisConfig                  `toml:"redis"`
	Health    HealthConfig                 `toml:"health"`
	RateLimit RateLimitConfig              `toml:"rate_limit"`
	Security  SecurityConfig               `toml:"security"`
	Scanner   ScannerConfig                `toml:"scanner"`
	Providers []ProviderConfig             `toml:"providers"`
	Keys      []KeyConfig                  `toml:"keys"`
	Filters   []FilterRuleConfig           `toml:"filter_rules"`
	Models    map[string]domain.ModelPrice `toml:"models"`
	Aliases   map[string]string            `toml:"aliases"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen          string   `toml:"listen"`
	AdminToken      string   `toml:"admin_token"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	MaxRequestSize  int64    `toml:"max_request_size"`
	// UpstreamTimeout is the default attempt timeout for providers that do
	// not set their own.
	UpstreamTimeout Duration `toml:"upstream_timeout"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// DatabaseConfig contains usage store settings.
type DatabaseConfig struct {
	Driver   string `toml:"driver"` // "postgres" or "memory"
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"ssl_mode"`
	MaxConns int    `toml:"max_conns"`
	MaxIdle  int    `toml:"max_idle"`
}

// GetDSN returns the DSN, assembling one from parts when unset.
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// RedisConfig contains the shared slot store settings. When disabled the
// gateway counts slots in process memory.
type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// HealthConfig contains active probe settings.
type HealthConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	Timeout  Duration `toml:"timeout"`
}

// RateLimitConfig contains per-key request rate settings.
type RateLimitConfig struct {
	Enabled    bool `toml:"enabled"`
	DefaultRPM int  `toml:"default_rpm"`
	Burst      int  `toml:"burst"`
}

// SecurityConfig contains credential handling settings.
type SecurityConfig struct {
	// SealingKey is the base64 AES key used to open "enc:" credential
	// values. Usually set via ${GATEWAY_SEALING_KEY}.
	SealingKey string `toml:"sealing_key"`
}

// ScannerConfig contains sensitive word scan settings.
type ScannerConfig struct {
	Words          []string `toml:"words"`
	Fuzzy          bool     `toml:"fuzzy"`
	FuzzyThreshold float64  `toml:"fuzzy_threshold"`
	CacheTTL       Duration `toml:"cache_ttl"`
}

// ProviderConfig declares one upstream endpoint.
type ProviderConfig struct {
	ID               string   `toml:"id"`
	Name             string   `toml:"name"`
	Protocol         string   `toml:"protocol"`
	BaseURL          string   `toml:"base_url"`
	APIKey           string   `toml:"api_key"`
	Enabled          bool     `toml:"enabled"`
	Priority         int      `toml:"priority"`
	Weight           int      `toml:"weight"`
	Groups           []string `toml:"groups"`
	MaxConcurrency   int      `toml:"max_concurrency"`
	FailureThreshold int      `toml:"failure_threshold"`
	RecoveryWindow   Duration `toml:"recovery_window"`
	RequestTimeout   Duration `toml:"request_timeout"`
	ProbeExpect      string   `toml:"probe_expect"`
	ProbeModel       string   `toml:"probe_model"`
}

// KeyConfig declares one caller API key. Either the raw key or its SHA-256
// hash must be set; raw keys are hashed at load and never kept.
type KeyConfig struct {
	ID             string  `toml:"id"`
	UserID         string  `toml:"user_id"`
	Key            string  `toml:"key"`
	Hash           string  `toml:"hash"`
	Enabled        bool    `toml:"enabled"`
	ExpiresAt      string  `toml:"expires_at"` // RFC 3339, empty = never
	FiveHourLimit  float64 `toml:"five_hour_limit"`
	DailyLimit     float64 `toml:"daily_limit"`
	WeeklyLimit    float64 `toml:"weekly_limit"`
	MonthlyLimit   float64 `toml:"monthly_limit"`
	TotalLimit     float64 `toml:"total_limit"`
	DailyResetMode string  `toml:"daily_reset_mode"`
	DailyResetAt   string  `toml:"daily_reset_at"`
	MaxConcurrency int     `toml:"max_concurrency"`
	RPMLimit       int     `toml:"rpm_limit"`
	ProviderGroup  string  `toml:"provider_group"`
}

// FilterRuleConfig declares one content filter rule.
type FilterRuleConfig struct {
	ID          string `toml:"id"`
	Scope       string `toml:"scope"`
	Action      string `toml:"action"`
	Pattern     string `toml:"pattern"`
	Replacement string `toml:"replacement"`
	Priority    int    `toml:"priority"`
	Enabled     bool   `toml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     Duration(5 * time.Minute),
			WriteTimeout:    Duration(10 * time.Minute),
			ShutdownTimeout: Duration(30 * time.Second),
			MaxRequestSize:  10 * 1024 * 1024,
			UpstreamTimeout: Duration(2 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Driver:   "memory",
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "gateway",
			SSLMode:  "disable",
			MaxConns: 20,
			MaxIdle:  5,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "gateway",
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: Duration(30 * time.Second),
			Timeout:  Duration(10 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			DefaultRPM: 60,
			Burst:      10,
		},
		Scanner: ScannerConfig{
			Fuzzy:          true,
			FuzzyThreshold: 0.85,
			CacheTTL:       Duration(5 * time.Minute),
		},
		Models:  make(map[string]domain.ModelPrice),
		Aliases: make(map[string]string),
	}
}

// Load reads configuration from a TOML file, applies environment overrides,
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv expands ${VAR} patterns in credential fields and applies direct
// GATEWAY_* overrides for container deployment.
func (c *Config) applyEnv() {
	c.Server.AdminToken = expandEnv(c.Server.AdminToken)
	c.Security.SealingKey = expandEnv(c.Security.SealingKey)
	c.Database.DSN = expandEnv(c.Database.DSN)
	c.Database.Password = expandEnv(c.Database.Password)
	c.Redis.Password = expandEnv(c.Redis.Password)
	for i := range c.Providers {
		c.Providers[i].APIKey = expandEnv(c.Providers[i].APIKey)
	}

	if v := os.Getenv("GATEWAY_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("GATEWAY_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("GATEWAY_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("GATEWAY_SEALING_KEY"); v != "" {
		c.Security.SealingKey = v
	}
}

func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// Sealer builds the credential sealer, or nil when no sealing key is set.
func (c *Config) Sealer() (*crypto.Sealer, error) {
	if c.Security.SealingKey == "" {
		return nil, nil
	}
	return crypto.NewSealerFromString(c.Security.SealingKey)
}

// DomainProviders converts provider entries to domain form, opening sealed
// credentials with the sealer when present.
func (c *Config) DomainProviders(sealer *crypto.Sealer) ([]*domain.Provider, error) {
	out := make([]*domain.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		protocol, ok := domain.ParseProtocol(p.Protocol)
		if !ok {
			return nil, fmt.Errorf("provider %s: unknown protocol %q", p.ID, p.Protocol)
		}

		apiKey := p.APIKey
		if strings.HasPrefix(apiKey, sealedPrefix) {
			if sealer == nil {
				return nil, fmt.Errorf("provider %s: sealed credential but no sealing key configured", p.ID)
			}
			opened, err := sealer.Open(strings.TrimPrefix(apiKey, sealedPrefix))
			if err != nil {
				return nil, fmt.Errorf("provider %s: open credential: %w", p.ID, err)
			}
			apiKey = opened
		}

		out = append(out, &domain.Provider{
			ID:               p.ID,
			Name:             p.Name,
			Protocol:         protocol,
			BaseURL:          strings.TrimRight(p.BaseURL, "/"),
			APIKey:           apiKey,
			Enabled:          p.Enabled,
			Priority:         p.Priority,
			Weight:           p.Weight,
			Groups:           p.Groups,
			MaxConcurrency:   p.MaxConcurrency,
			FailureThreshold: p.FailureThreshold,
			RecoveryWindow:   p.RecoveryWindow.Std(),
			RequestTimeout:   p.RequestTimeout.Std(),
			ProbeExpect:      p.ProbeExpect,
			ProbeModel:       p.ProbeModel,
		})
	}
	return out, nil
}

// DomainKeys converts key entries to domain form. Raw keys are replaced by
// their SHA-256 hash.
func (c *Config) DomainKeys() ([]*domain.Key, error) {
	out := make([]*domain.Key, 0, len(c.Keys))
	for _, k := range c.Keys {
		hash := k.Hash
		if hash == "" {
			if k.Key == "" {
				return nil, fmt.Errorf("key %s: either key or hash must be set", k.ID)
			}
			hash = HashKey(k.Key)
		}

		var expiresAt *time.Time
		if k.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, k.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("key %s: parse expires_at: %w", k.ID, err)
			}
			expiresAt = &t
		}

		mode := domain.DailyResetMode(k.DailyResetMode)
		if mode == "" {
			mode = domain.DailyResetRolling
		}

		out = append(out, &domain.Key{
			ID:             k.ID,
			UserID:         k.UserID,
			Hash:           hash,
			Enabled:        k.Enabled,
			ExpiresAt:      expiresAt,
			FiveHourLimit:  k.FiveHourLimit,
			DailyLimit:     k.DailyLimit,
			WeeklyLimit:    k.WeeklyLimit,
			MonthlyLimit:   k.MonthlyLimit,
			TotalLimit:     k.TotalLimit,
			DailyResetMode: mode,
			DailyResetAt:   k.DailyResetAt,
			MaxConcurrency: k.MaxConcurrency,
			RPMLimit:       k.RPMLimit,
			ProviderGroup:  k.ProviderGroup,
		})
	}
	return out, nil
}

// DomainFilterRules converts filter rule entries to domain form.
func (c *Config) DomainFilterRules() []*domain.FilterRule {
	out := make([]*domain.FilterRule, 0, len(c.Filters))
	for _, f := range c.Filters {
		out = append(out, &domain.FilterRule{
			ID:          f.ID,
			Scope:       domain.FilterScope(f.Scope),
			Action:      domain.FilterAction(f.Action),
			Pattern:     f.Pattern,
			Replacement: f.Replacement,
			Priority:    f.Priority,
			Enabled:     f.Enabled,
		})
	}
	return out
}

// ResolveModel resolves a model alias to the actual model ID.
func (c *Config) ResolveModel(model string) string {
	if resolved, ok := c.Aliases[model]; ok {
		return resolved
	}
	return model
}

// PriceFor returns pricing for a model, resolving aliases first.
func (c *Config) PriceFor(model string) (domain.ModelPrice, bool) {
	price, ok := c.Models[c.ResolveModel(model)]
	return price, ok
}

// HashKey returns the hex SHA-256 of a raw API key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
