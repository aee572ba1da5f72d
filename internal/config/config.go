// Package config handles TOML configuration loading, validation and startup
// default resolution.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay-proxy/config.toml",
	"configs/config.toml",
}

// DefaultPrefix is the relay mount used when none is configured.
const DefaultPrefix = "/go/"

// Random ports are drawn from this inclusive range.
const (
	minRandomPort = 3000
	maxRandomPort = 9999
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Prefix   string `kong:"help='Relay mount prefix (overrides config).',env='RELAY_PREFIX'"`
	Replicas int    `kong:"help='Number of relay processes sharing the port (overrides config).',env='RELAY_REPLICAS'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	// Set by the replica supervisor on its children.
	ReplicaIndex int `kong:"hidden,default='-1',env='RELAY_REPLICA_INDEX'"`
	ReplicaPort  int `kong:"hidden,env='RELAY_REPLICA_PORT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Relay    RelayConfig    `toml:"relay"`
	Upstream UpstreamConfig `toml:"upstream"`
	Sanitize SanitizeConfig `toml:"sanitize"`
	Realtime RealtimeConfig `toml:"realtime"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	// ReplicaIndex is -1 for a standalone or supervising process.
	ReplicaIndex int `toml:"-"`

	filePath string  // resolved config file path (unexported)
	issues   []issue // problems repaired during load, reported once a logger exists
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"`      // 0 means "pick a random port in [3000,9999]"
	PortSeed     uint64          `toml:"port_seed"` // 0 seeds the random port from the clock
	Replicas     int             `toml:"replicas"`
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	StaticDir    string          `toml:"static_dir"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RelayConfig holds the relay mount and rewrite rule sources.
type RelayConfig struct {
	Prefix    string `toml:"prefix"`
	RulesPath string `toml:"rules_path"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	MaxConcurrent   int    `toml:"max_concurrent"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
	UserAgent       string `toml:"user_agent"`
}

// SanitizeConfig controls the outgoing HTML scrub.
type SanitizeConfig struct {
	Enabled             *bool    `toml:"enabled"` // nil means enabled
	StripElements       []string `toml:"strip_elements"`
	StripJavaScriptURLs *bool    `toml:"strip_javascript_urls"`
}

// RealtimeConfig holds WebSocket channel settings.
type RealtimeConfig struct {
	SendBuffer          int      `toml:"send_buffer"`
	MaxMessageBytes     int64    `toml:"max_message_bytes"`
	WriteTimeoutSeconds int      `toml:"write_timeout_seconds"`
	PongWaitSeconds     int      `toml:"pong_wait_seconds"`
	AllowedOrigins      []string `toml:"allowed_origins"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type issue struct {
	level slog.Level
	msg   string
	args  []any
}

// Load reads the TOML config file, applies CLI overrides and resolves defaults.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay-proxy/config.toml then configs/config.toml. Finding no file at all
// is not fatal: the relay starts on defaults and says so at startup.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		cfg.addIssue(slog.LevelWarn, "no config file found; using defaults", "searched", configSearchPaths)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	cfg.resolvePrefix()
	cfg.resolvePort()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Prefix != "" {
		c.Relay.Prefix = cli.Prefix
	}
	if cli.Replicas != 0 {
		c.Server.Replicas = cli.Replicas
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}

	c.ReplicaIndex = cli.ReplicaIndex
	if cli.ReplicaIndex >= 0 && cli.ReplicaPort != 0 {
		// Children must bind exactly the port their supervisor resolved.
		c.Server.Port = cli.ReplicaPort
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.Replicas < 0 {
		return fmt.Errorf("server.replicas must be non-negative; got %d", c.Server.Replicas)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxConcurrent < 0 {
		return fmt.Errorf("upstream.max_concurrent must be non-negative; got %d", c.Upstream.MaxConcurrent)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Realtime.SendBuffer < 0 || c.Realtime.MaxMessageBytes < 0 ||
		c.Realtime.WriteTimeoutSeconds < 0 || c.Realtime.PongWaitSeconds < 0 {
		return fmt.Errorf("realtime settings must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := []string{"/prefix", "/storage", "/healthz", "/proxy/status"}
		mount := strings.TrimSuffix(NormalizePrefix(c.Relay.Prefix), "/")
		if mount == "" {
			mount = strings.TrimSuffix(DefaultPrefix, "/")
		}
		reserved = append(reserved, mount)
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// The listening port and relay prefix are resolved separately because a
// missing value there is a reportable configuration issue, not a default.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Replicas == 0 {
		c.Server.Replicas = 1
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxConcurrent == 0 {
		c.Upstream.MaxConcurrent = 64
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 32 * 1024 * 1024 // 32 MB
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = "relay-proxy-go/1.0"
	}
	if c.Sanitize.Enabled == nil {
		c.Sanitize.Enabled = boolPtr(true)
	}
	if c.Sanitize.StripElements == nil {
		c.Sanitize.StripElements = []string{"base", "applet"}
	}
	if c.Sanitize.StripJavaScriptURLs == nil {
		c.Sanitize.StripJavaScriptURLs = boolPtr(true)
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 256
	}
	if c.Realtime.MaxMessageBytes == 0 {
		c.Realtime.MaxMessageBytes = 1024 * 1024 // 1 MB
	}
	if c.Realtime.WriteTimeoutSeconds == 0 {
		c.Realtime.WriteTimeoutSeconds = 10
	}
	if c.Realtime.PongWaitSeconds == 0 {
		c.Realtime.PongWaitSeconds = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// resolvePrefix normalises the relay mount. An empty prefix is a configuration
// error that is logged; the relay still starts on DefaultPrefix.
func (c *Config) resolvePrefix() {
	if strings.TrimSpace(c.Relay.Prefix) == "" {
		c.addIssue(slog.LevelError, "configuration error: relay.prefix is not set", "using", DefaultPrefix)
		c.Relay.Prefix = DefaultPrefix
		return
	}
	c.Relay.Prefix = NormalizePrefix(c.Relay.Prefix)
}

// resolvePort repairs the listening port. Zero and out-of-range ports are
// replaced by a random port in [3000,9999]; ports that are merely unusual in
// length are reported and kept.
func (c *Config) resolvePort() {
	port := c.Server.Port
	switch {
	case port == 0:
		c.Server.Port = c.randomPort()
		c.addIssue(slog.LevelInfo, "port is not set or 0; generated random port", "port", c.Server.Port)
	case port < 0 || port > 65535:
		c.Server.Port = c.randomPort()
		c.addIssue(slog.LevelError, "configuration error: server.port is out of range; generated random port",
			"configured", port, "port", c.Server.Port)
	case len(strconv.Itoa(port)) < 3:
		c.addIssue(slog.LevelError, "configuration error: server.port should be at least 3 digits", "port", port)
	case len(strconv.Itoa(port)) > 4:
		c.addIssue(slog.LevelError, "configuration error: server.port should be at most 4 digits", "port", port)
	}
}

func (c *Config) randomPort() int {
	seed := c.Server.PortSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := rand.New(rand.NewPCG(seed, seed>>1|1))
	return minRandomPort + r.IntN(maxRandomPort-minRandomPort+1)
}

func (c *Config) addIssue(level slog.Level, msg string, args ...any) {
	c.issues = append(c.issues, issue{level: level, msg: msg, args: args})
}

// ReportIssues logs every configuration problem that was repaired during Load.
func (c *Config) ReportIssues(logger *slog.Logger) {
	for _, is := range c.issues {
		logger.Log(context.Background(), is.level, is.msg, is.args...)
	}
}

// SanitizeEnabled reports whether outgoing HTML is scrubbed.
func (c *Config) SanitizeEnabled() bool {
	return c.Sanitize.Enabled == nil || *c.Sanitize.Enabled
}

// NormalizePrefix returns prefix with exactly one leading and one trailing slash.
// An empty or whitespace-only prefix yields "".
func NormalizePrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		if strings.Contains(prefix, "/") {
			return "/"
		}
		return ""
	}
	return "/" + p + "/"
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamTimeout returns the per-fetch budget.
func (c *UpstreamConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

func boolPtr(b bool) *bool { return &b }
