package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/net/idna"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Bridge    BridgeConfig    `yaml:"bridge" toml:"bridge"`
	Security  SecurityConfig  `yaml:"security" toml:"security"`
	Sync      SyncConfig      `yaml:"sync" toml:"sync"`
	Frame     FrameConfig     `yaml:"frame" toml:"frame"`
	Context   ContextConfig   `yaml:"context" toml:"context"`
	UI        UIConfig        `yaml:"ui" toml:"ui"`
	Backend   BackendConfig   `yaml:"backend" toml:"backend"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" yaml:"port" toml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host" toml:"host"`
	// AdminToken authorizes context writes over HTTP
	AdminToken string `envconfig:"ADMIN_TOKEN" yaml:"admin_token" toml:"admin_token"`
}

// BridgeConfig holds the cross-origin channel configuration.
type BridgeConfig struct {
	TargetOrigin     string        `envconfig:"TARGET_ORIGIN" default:"http://localhost:3001" yaml:"target_origin" toml:"target_origin"`
	Timeout          time.Duration `envconfig:"BRIDGE_TIMEOUT" default:"5s" yaml:"timeout" toml:"timeout"`
	MaxRetries       int           `envconfig:"BRIDGE_MAX_RETRIES" default:"3" yaml:"max_retries" toml:"max_retries"`
	RetryBackoff     time.Duration `envconfig:"BRIDGE_RETRY_BACKOFF" default:"250ms" yaml:"retry_backoff" toml:"retry_backoff"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s" yaml:"handshake_timeout" toml:"handshake_timeout"`
	EnableSigning    bool          `envconfig:"ENABLE_SIGNING" default:"false" yaml:"enable_signing" toml:"enable_signing"`
	SigningKey       string        `envconfig:"SIGNING_KEY" yaml:"signing_key" toml:"signing_key"`
	SigningAlgorithm string        `envconfig:"SIGNING_ALGORITHM" default:"hmac-sha256" yaml:"signing_algorithm" toml:"signing_algorithm"`
	MaxClockSkew     time.Duration `envconfig:"MAX_CLOCK_SKEW" default:"5m" yaml:"max_clock_skew" toml:"max_clock_skew"`
	InboundRate      int           `envconfig:"BRIDGE_INBOUND_RPS" default:"200" yaml:"inbound_rps" toml:"inbound_rps"`
}

// SecurityConfig holds trust-boundary policy.
type SecurityConfig struct {
	AllowedOrigins   []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3001" yaml:"allowed_origins" toml:"allowed_origins"`
	RequireSignature bool     `envconfig:"REQUIRE_SIGNATURE" default:"false" yaml:"require_signature" toml:"require_signature"`
}

// SyncConfig holds sync manager configuration.
type SyncConfig struct {
	Interval           time.Duration     `envconfig:"SYNC_INTERVAL" default:"5s" yaml:"interval" toml:"interval"`
	BatchSize          int               `envconfig:"SYNC_BATCH_SIZE" default:"50" yaml:"batch_size" toml:"batch_size"`
	MaxQueueSize       int               `envconfig:"SYNC_MAX_QUEUE" default:"1000" yaml:"max_queue_size" toml:"max_queue_size"`
	BaseBackoff        time.Duration     `envconfig:"SYNC_BASE_BACKOFF" default:"1s" yaml:"base_backoff" toml:"base_backoff"`
	MaxBackoff         time.Duration     `envconfig:"SYNC_MAX_BACKOFF" default:"30s" yaml:"max_backoff" toml:"max_backoff"`
	MaxConflictRetries int               `envconfig:"SYNC_MAX_CONFLICT_RETRIES" default:"1" yaml:"max_conflict_retries" toml:"max_conflict_retries"`
	OfflineThreshold   int               `envconfig:"SYNC_OFFLINE_THRESHOLD" default:"3" yaml:"offline_threshold" toml:"offline_threshold"`
	ProbeInterval      time.Duration     `envconfig:"SYNC_PROBE_INTERVAL" default:"15s" yaml:"probe_interval" toml:"probe_interval"`
	ManualConflictTTL  time.Duration     `envconfig:"SYNC_MANUAL_CONFLICT_TTL" default:"10m" yaml:"manual_conflict_ttl" toml:"manual_conflict_ttl"`
	ConflictPolicies   map[string]string `envconfig:"SYNC_CONFLICT_POLICIES" yaml:"conflict_policies" toml:"conflict_policies"`
	Transport          string            `envconfig:"SYNC_TRANSPORT" default:"bridge" yaml:"transport" toml:"transport"`
	SnapshotPath       string            `envconfig:"SYNC_SNAPSHOT_PATH" yaml:"snapshot_path" toml:"snapshot_path"`
}

// FrameConfig describes the embedded annotation tool.
type FrameConfig struct {
	Src           string        `envconfig:"FRAME_SRC" default:"http://localhost:3001/annotate" yaml:"src" toml:"src"`
	Sandbox       []string      `envconfig:"FRAME_SANDBOX" default:"allow-scripts,allow-same-origin,allow-forms" yaml:"sandbox" toml:"sandbox"`
	LoadTimeout   time.Duration `envconfig:"FRAME_LOAD_TIMEOUT" default:"30s" yaml:"load_timeout" toml:"load_timeout"`
	RetryAttempts int           `envconfig:"FRAME_RETRY_ATTEMPTS" default:"3" yaml:"retry_attempts" toml:"retry_attempts"`
	RetryBackoff  time.Duration `envconfig:"FRAME_RETRY_BACKOFF" default:"1s" yaml:"retry_backoff" toml:"retry_backoff"`
	AutoOpen      bool          `envconfig:"FRAME_AUTO_OPEN" default:"true" yaml:"auto_open" toml:"auto_open"`
}

// ContextConfig holds annotation context defaults.
type ContextConfig struct {
	TTL time.Duration `envconfig:"CONTEXT_TTL" default:"3600s" yaml:"ttl" toml:"ttl"`
}

// UIConfig bounds presentation changes requested by either side.
type UIConfig struct {
	MaxWidth  int `envconfig:"UI_MAX_WIDTH" default:"3840" yaml:"max_width" toml:"max_width"`
	MaxHeight int `envconfig:"UI_MAX_HEIGHT" default:"2160" yaml:"max_height" toml:"max_height"`
}

// BackendConfig holds the annotation backend collaborator configuration.
type BackendConfig struct {
	URL     string        `envconfig:"BACKEND_URL" default:"http://localhost:8080/api" yaml:"url" toml:"url"`
	Token   string        `envconfig:"BACKEND_TOKEN" yaml:"token" toml:"token"`
	Timeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"10s" yaml:"timeout" toml:"timeout"`
	Mode    string        `envconfig:"BACKEND_MODE" default:"http" yaml:"mode" toml:"mode"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled" toml:"enabled"`
}

var knownPolicies = map[string]bool{
	"last-writer-wins": true,
	"local-wins":       true,
	"manual":           true,
}

// Load loads configuration from environment variables, then applies the
// file named by CONFIG_FILE when set. File values override the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ContextWriteToken is the bearer token for PUT/PATCH /context: the admin
// token, else the backend token. Empty disables the routes.
func (c *Config) ContextWriteToken() string {
	if c.Server.AdminToken != "" {
		return c.Server.AdminToken
	}
	return c.Backend.Token
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ApplyFile overlays a YAML or TOML file, chosen by extension.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate enforces the trust-boundary invariants and normalizes origins.
func (c *Config) Validate() error {
	target, err := NormalizeOrigin(c.Bridge.TargetOrigin)
	if err != nil {
		return fmt.Errorf("invalid TARGET_ORIGIN: %w", err)
	}
	c.Bridge.TargetOrigin = target

	allowed := make([]string, 0, len(c.Security.AllowedOrigins))
	targetAllowed := false
	for _, o := range c.Security.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		norm, err := NormalizeOrigin(o)
		if err != nil {
			return fmt.Errorf("invalid ALLOWED_ORIGINS entry %q: %w", o, err)
		}
		if norm == target {
			targetAllowed = true
		}
		allowed = append(allowed, norm)
	}
	if !targetAllowed {
		return fmt.Errorf("TARGET_ORIGIN %s is not in ALLOWED_ORIGINS", target)
	}
	c.Security.AllowedOrigins = allowed

	if c.Security.RequireSignature && !c.Bridge.EnableSigning {
		return fmt.Errorf("REQUIRE_SIGNATURE needs ENABLE_SIGNING")
	}
	if c.Bridge.EnableSigning && c.Bridge.SigningKey == "" {
		return fmt.Errorf("ENABLE_SIGNING needs SIGNING_KEY")
	}
	switch c.Bridge.SigningAlgorithm {
	case "", "hmac-sha256", "blake3":
	default:
		return fmt.Errorf("unknown SIGNING_ALGORITHM %q", c.Bridge.SigningAlgorithm)
	}

	for opType, policy := range c.Sync.ConflictPolicies {
		if !knownPolicies[policy] {
			return fmt.Errorf("unknown conflict policy %q for operation type %q", policy, opType)
		}
	}
	switch c.Sync.Transport {
	case "bridge", "backend":
	default:
		return fmt.Errorf("unknown SYNC_TRANSPORT %q", c.Sync.Transport)
	}
	switch c.Backend.Mode {
	case "http", "memory":
	default:
		return fmt.Errorf("unknown BACKEND_MODE %q", c.Backend.Mode)
	}
	if c.Sync.BatchSize <= 0 || c.Sync.MaxQueueSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE and SYNC_MAX_QUEUE must be positive")
	}
	return nil
}

// NormalizeOrigin returns the serialized origin (scheme://host[:port]) with
// the host converted to its ASCII form. Wildcards are rejected.
func NormalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", fmt.Errorf("origin is empty")
	}
	if strings.Contains(origin, "*") {
		return "", fmt.Errorf("wildcard origin %q is not allowed", origin)
	}

	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("origin %q must use http or https", origin)
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("origin %q must be scheme://host[:port]", origin)
	}

	host, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil {
		return "", fmt.Errorf("origin host %q: %w", u.Hostname(), err)
	}
	host = strings.ToLower(host)
	if port := u.Port(); port != "" {
		host = host + ":" + port
	}
	return strings.ToLower(u.Scheme) + "://" + host, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Bridge: BridgeConfig{
			TargetOrigin:     "http://localhost:3001",
			Timeout:          5 * time.Second,
			MaxRetries:       3,
			RetryBackoff:     250 * time.Millisecond,
			HandshakeTimeout: 10 * time.Second,
			SigningAlgorithm: "hmac-sha256",
			MaxClockSkew:     5 * time.Minute,
			InboundRate:      200,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:3001"},
		},
		Sync: SyncConfig{
			Interval:           5 * time.Second,
			BatchSize:          50,
			MaxQueueSize:       1000,
			BaseBackoff:        time.Second,
			MaxBackoff:         30 * time.Second,
			MaxConflictRetries: 1,
			OfflineThreshold:   3,
			ProbeInterval:      15 * time.Second,
			ManualConflictTTL:  10 * time.Minute,
			ConflictPolicies:   map[string]string{},
			Transport:          "bridge",
		},
		Frame: FrameConfig{
			Src:           "http://localhost:3001/annotate",
			Sandbox:       []string{"allow-scripts", "allow-same-origin", "allow-forms"},
			LoadTimeout:   30 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  time.Second,
			AutoOpen:      true,
		},
		Context: ContextConfig{
			TTL: time.Hour,
		},
		UI: UIConfig{
			MaxWidth:  3840,
			MaxHeight: 2160,
		},
		Backend: BackendConfig{
			URL:     "http://localhost:8080/api",
			Timeout: 10 * time.Second,
			Mode:    "http",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
