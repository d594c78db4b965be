// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/host-rewrite-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	TargetHost string `kong:"arg,optional,help='Origin host to proxy to (e.g. example.com).'"`
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	ProxyHost  string `kong:"help='Externally visible host presented to clients (overrides config and ngrok discovery).',env='PROXY_HOST'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Ngrok    NgrokConfig    `toml:"ngrok"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (5002); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds the host pair the rewriting engine is built around.
type ProxyConfig struct {
	TargetHost string `toml:"target_host"`
	ProxyHost  string `toml:"proxy_host"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// RewriteConfig bounds the content-rewrite pipeline.
type RewriteConfig struct {
	// GzipMaxBufferBytes caps how much of a gzip response body is buffered
	// for decompress-and-rewrite. Bodies over the cap pass through raw.
	GzipMaxBufferBytes int64 `toml:"gzip_max_buffer_bytes"`
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

// NgrokConfig controls proxy-host discovery from a local ngrok agent.
type NgrokConfig struct {
	Enabled bool   `toml:"enabled"`
	APIURL  string `toml:"api_url"`
}

// Load reads the TOML config file and applies CLI overrides. When no explicit
// path is given (via --config or CONFIG_PATH), it searches
// /etc/host-rewrite-proxy/config.toml then configs/config.toml. A missing
// config file is not an error: the tool is routinely run from the CLI alone
// with just a target host argument.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	explicit := path != ""
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			cfg.filePath = path
		}
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.TargetHost != "" {
		c.Proxy.TargetHost = cli.TargetHost
	}
	if cli.ProxyHost != "" {
		c.Proxy.ProxyHost = cli.ProxyHost
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Target host: required, must be a bare host name.
	if c.Proxy.TargetHost == "" {
		return fmt.Errorf("proxy.target_host is required (config or positional argument)")
	}
	if err := validateHost("proxy.target_host", c.Proxy.TargetHost); err != nil {
		return err
	}
	if c.Proxy.ProxyHost != "" {
		if err := validateHost("proxy.proxy_host", c.Proxy.ProxyHost); err != nil {
			return err
		}
	} else if !c.Ngrok.Enabled {
		return fmt.Errorf("proxy.proxy_host is required unless ngrok discovery is enabled")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Rewrite.GzipMaxBufferBytes < 0 {
		return fmt.Errorf("rewrite.gzip_max_buffer_bytes must be non-negative; got %d", c.Rewrite.GzipMaxBufferBytes)
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
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateHost rejects values that carry a scheme, path, or spaces. The host
// pair feeds directly into URL and cookie-domain rewriting, where anything
// but a bare name corrupts the patterns.
func validateHost(field, host string) error {
	if strings.Contains(host, "://") {
		return fmt.Errorf("%s must be a bare host, not a URL; got %q", field, host)
	}
	if strings.ContainsAny(host, "/ ") {
		return fmt.Errorf("%s must not contain slashes or spaces; got %q", field, host)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (5002).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5002
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Rewrite.GzipMaxBufferBytes == 0 {
		c.Rewrite.GzipMaxBufferBytes = 16 * 1024 * 1024 // 16 MB
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
	if c.Ngrok.APIURL == "" {
		c.Ngrok.APIURL = "http://127.0.0.1:4040/api/tunnels"
	}
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
