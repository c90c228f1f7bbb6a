package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the escrow gateway runtime configuration. TOML is the native
// format; files ending in .yaml or .yml are read with the YAML decoder.
type Config struct {
	ListenAddress string        `toml:"ListenAddress" yaml:"listen"`
	Environment   string        `toml:"Environment" yaml:"environment"`
	DataDir       string        `toml:"DataDir" yaml:"dataDir"`
	DatabasePath  string        `toml:"DatabasePath" yaml:"databasePath"`
	ReadTimeout   time.Duration `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout  time.Duration `toml:"WriteTimeout" yaml:"writeTimeout"`
	IdleTimeout   time.Duration `toml:"IdleTimeout" yaml:"idleTimeout"`

	Settlement    SettlementConfig    `toml:"settlement" yaml:"settlement"`
	Auth          AuthConfig          `toml:"auth" yaml:"auth"`
	RateLimits    []RateLimitConfig   `toml:"rate_limits" yaml:"rateLimits"`
	Webhooks      WebhookConfig       `toml:"webhooks" yaml:"webhooks"`
	Events        EventsConfig        `toml:"events" yaml:"events"`
	Observability ObservabilityConfig `toml:"observability" yaml:"observability"`
	CORS          CORSConfig          `toml:"cors" yaml:"cors"`
}

// SettlementConfig selects the layer that confirms deposits and disburses
// funds. Mode is "memory" or "rpc".
type SettlementConfig struct {
	Mode        string        `toml:"Mode" yaml:"mode"`
	URL         string        `toml:"URL" yaml:"url"`
	AuthToken   string        `toml:"AuthToken" yaml:"authToken"`
	Timeout     time.Duration `toml:"Timeout" yaml:"timeout"`
	JournalDSN  string        `toml:"JournalDSN" yaml:"journalDSN"`
	AutoConfirm bool          `toml:"AutoConfirm" yaml:"autoConfirm"`
}

type APIKey struct {
	Key    string `toml:"Key" yaml:"key" json:"key"`
	Secret string `toml:"Secret" yaml:"secret" json:"secret"`
}

type AuthConfig struct {
	APIKeys        []APIKey      `toml:"APIKeys" yaml:"apiKeys"`
	TimestampSkew  time.Duration `toml:"TimestampSkew" yaml:"timestampSkew"`
	NonceTTL       time.Duration `toml:"NonceTTL" yaml:"nonceTTL"`
	NonceCapacity  int           `toml:"NonceCapacity" yaml:"nonceCapacity"`
	NonceStorePath string        `toml:"NonceStorePath" yaml:"nonceStorePath"`
	TokenSecret    string        `toml:"TokenSecret" yaml:"tokenSecret"`
	TokenIssuer    string        `toml:"TokenIssuer" yaml:"tokenIssuer"`
	TokenAudience  string        `toml:"TokenAudience" yaml:"tokenAudience"`
}

type RateLimitConfig struct {
	Group             string  `toml:"Group" yaml:"group"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

type WebhookConfig struct {
	QueueCapacity int           `toml:"QueueCapacity" yaml:"queueCapacity"`
	HistorySize   int           `toml:"HistorySize" yaml:"historySize"`
	QueueTTL      time.Duration `toml:"QueueTTL" yaml:"queueTTL"`
}

type EventsConfig struct {
	History int `toml:"History" yaml:"history"`
}

type ObservabilityConfig struct {
	ServiceName string `toml:"ServiceName" yaml:"serviceName"`
	LogLevel    string `toml:"LogLevel" yaml:"logLevel"`
	LogFile     string `toml:"LogFile" yaml:"logFile"`
	LogRequests bool   `toml:"LogRequests" yaml:"logRequests"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"AllowedOrigins" yaml:"allowedOrigins"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress: ":8081",
		Environment:   "dev",
		DataDir:       "./escrow-data",
		DatabasePath:  "escrow-gateway.db",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   2 * time.Minute,
		Settlement: SettlementConfig{
			Mode:        "memory",
			Timeout:     10 * time.Second,
			AutoConfirm: true,
		},
		Auth: AuthConfig{
			TimestampSkew: 2 * time.Minute,
			NonceTTL:      5 * time.Minute,
			NonceCapacity: 4096,
			TokenIssuer:   "veil-escrow",
			TokenAudience: "escrow-gateway",
		},
		RateLimits: []RateLimitConfig{
			{Group: "mutations", RequestsPerMinute: 120, Burst: 20},
			{Group: "reads", RequestsPerMinute: 600, Burst: 60},
		},
		Webhooks: WebhookConfig{
			QueueCapacity: 256,
			HistorySize:   1024,
			QueueTTL:      10 * time.Minute,
		},
		Events: EventsConfig{History: 1024},
		Observability: ObservabilityConfig{
			ServiceName: "escrow-gateway",
			LogLevel:    "info",
			LogRequests: true,
		},
	}
}

// Load reads path, creating it with defaults when missing, then applies
// ESCROW_GATEWAY_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			secret, err := RandomSecret()
			if err != nil {
				return nil, err
			}
			cfg.Auth.TokenSecret = secret
			if err := persist(path, cfg); err != nil {
				return nil, fmt.Errorf("write default config: %w", err)
			}
		} else if err != nil {
			return nil, err
		} else if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown key %s", path, undecoded[0].String())
	}
	return nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// RateLimit returns the configured limit for group.
func (c *Config) RateLimit(group string) (RateLimitConfig, bool) {
	for _, rl := range c.RateLimits {
		if rl.Group == group {
			return rl, true
		}
	}
	return RateLimitConfig{}, false
}

// APISecrets returns the API key table used by the HMAC authenticator.
func (c *Config) APISecrets() map[string]string {
	out := make(map[string]string, len(c.Auth.APIKeys))
	for _, k := range c.Auth.APIKeys {
		out[k.Key] = k.Secret
	}
	return out
}

// IsDev reports whether the gateway runs in the development environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "dev")
}

// RandomSecret returns 32 random bytes hex encoded.
func RandomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
