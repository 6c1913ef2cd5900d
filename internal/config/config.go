// Package config loads beacon's configuration.
//
// Values come from Default, then an optional YAML file, then BEACON_*
// environment variables, in that order. ${HOME} and ${BEACON_DATA} are
// expanded in paths after all layers are applied.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable holding the config file path
// when --config is not given.
const EnvConfig = "BEACON_CONFIG"

// Config is the full beacon configuration.
type Config struct {
	// DataDir holds the queue database and identity files.
	DataDir string `yaml:"data_dir"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// Queue configures the durable hit queue.
	Queue QueueConfig `yaml:"queue"`

	// Dispatch configures delivery to the collector.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Proxy configures the remote connection state machine.
	Proxy ProxyConfig `yaml:"proxy"`

	// Relay configures the shared delivery daemon.
	Relay RelayConfig `yaml:"relay"`

	// App identifies the producing application on every hit.
	App AppConfig `yaml:"app"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level"`
}

// QueueConfig configures the durable hit queue.
type QueueConfig struct {
	// Database is the SQLite file, relative to DataDir unless absolute.
	// Default: hits.db
	Database string `yaml:"database"`

	// Capacity is the maximum number of stored hits. Default: 1000
	Capacity int `yaml:"capacity"`
}

// DispatchConfig configures delivery to the collector.
type DispatchConfig struct {
	// Period between automatic dispatches; zero disables them.
	// Default: 30m
	Period time.Duration `yaml:"period"`

	// DryRun logs hits instead of sending them, and still deletes them
	// from the queue.
	DryRun bool `yaml:"dry_run"`

	// SecureURL and InsecureURL are the collector endpoints.
	SecureURL   string `yaml:"secure_url"`
	InsecureURL string `yaml:"insecure_url"`

	// Timeout bounds one HTTP request. Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// RateLimit enables the per-tracker token bucket. Default: true
	RateLimit bool `yaml:"rate_limit"`
}

// ProxyConfig configures the remote connection state machine.
type ProxyConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	BindTimeout    time.Duration `yaml:"bind_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// RelayConfig configures the shared delivery daemon.
type RelayConfig struct {
	// Socket is the daemon's unix socket. Default: ${BEACON_DATA}/relay.sock
	Socket string `yaml:"socket"`

	// Enabled makes producers try the relay before their local queue.
	Enabled bool `yaml:"enabled"`
}

// AppConfig identifies the producing application.
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	ID          string `yaml:"id"`
	InstallerID string `yaml:"installer_id"`

	// Language and ScreenResolution are added to every hit when set.
	Language         string `yaml:"language"`
	ScreenResolution string `yaml:"screen_resolution"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics; empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: filepath.Join("${HOME}", ".local", "state", "beacon"),
		Log:     LogConfig{Level: "info"},
		Queue: QueueConfig{
			Database: "hits.db",
			Capacity: 1000,
		},
		Dispatch: DispatchConfig{
			Period:      1800 * time.Second,
			SecureURL:   "https://ssl.google-analytics.com/collect",
			InsecureURL: "http://www.google-analytics.com/collect",
			Timeout:     30 * time.Second,
			RateLimit:   true,
		},
		Proxy: ProxyConfig{
			IdleTimeout:    5 * time.Minute,
			BindTimeout:    3 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Relay: RelayConfig{
			Socket: filepath.Join("${BEACON_DATA}", "relay.sock"),
		},
		App: AppConfig{Name: "beacon"},
	}
}

// Load resolves the config file from path, or from BEACON_CONFIG when
// path is empty. With neither, only defaults and environment apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// DatabasePath returns the queue database path.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Queue.Database) {
		return c.Queue.Database
	}
	return filepath.Join(c.DataDir, c.Queue.Database)
}

// StateDir returns the directory for identity files.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// envBinding maps one BEACON_* variable onto a field.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func stringVar(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"BEACON_DATA_DIR", stringVar(func(c *Config) *string { return &c.DataDir })},
	{"BEACON_LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"BEACON_QUEUE_DATABASE", stringVar(func(c *Config) *string { return &c.Queue.Database })},
	{"BEACON_QUEUE_CAPACITY", intVar(func(c *Config) *int { return &c.Queue.Capacity })},
	{"BEACON_DISPATCH_PERIOD", durationVar(func(c *Config) *time.Duration { return &c.Dispatch.Period })},
	{"BEACON_DRY_RUN", boolVar(func(c *Config) *bool { return &c.Dispatch.DryRun })},
	{"BEACON_SECURE_URL", stringVar(func(c *Config) *string { return &c.Dispatch.SecureURL })},
	{"BEACON_INSECURE_URL", stringVar(func(c *Config) *string { return &c.Dispatch.InsecureURL })},
	{"BEACON_DISPATCH_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Dispatch.Timeout })},
	{"BEACON_RATE_LIMIT", boolVar(func(c *Config) *bool { return &c.Dispatch.RateLimit })},
	{"BEACON_IDLE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Proxy.IdleTimeout })},
	{"BEACON_BIND_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Proxy.BindTimeout })},
	{"BEACON_RECONNECT_DELAY", durationVar(func(c *Config) *time.Duration { return &c.Proxy.ReconnectDelay })},
	{"BEACON_RELAY_SOCKET", stringVar(func(c *Config) *string { return &c.Relay.Socket })},
	{"BEACON_RELAY_ENABLED", boolVar(func(c *Config) *bool { return &c.Relay.Enabled })},
	{"BEACON_APP_NAME", stringVar(func(c *Config) *string { return &c.App.Name })},
	{"BEACON_APP_VERSION", stringVar(func(c *Config) *string { return &c.App.Version })},
	{"BEACON_METRICS_LISTEN", stringVar(func(c *Config) *string { return &c.Metrics.Listen })},
}

// applyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		if err := b.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", b.name, v, err))
		}
	}
	return errors.Join(errs...)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return parts[2]
	})
}

func (c *Config) expandVariables() {
	home, _ := os.UserHomeDir()
	vars := map[string]string{"HOME": home}

	c.DataDir = expandVars(c.DataDir, vars)
	vars["BEACON_DATA"] = c.DataDir

	c.Queue.Database = expandVars(c.Queue.Database, vars)
	c.Relay.Socket = expandVars(c.Relay.Socket, vars)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.Queue.Database == "" {
		errs = append(errs, errors.New("queue.database is required"))
	}
	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity))
	}
	if c.Dispatch.Period < 0 {
		errs = append(errs, fmt.Errorf("dispatch.period must not be negative, got %s", c.Dispatch.Period))
	}
	for name, raw := range map[string]string{
		"dispatch.secure_url":   c.Dispatch.SecureURL,
		"dispatch.insecure_url": c.Dispatch.InsecureURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: not an absolute URL: %q", name, raw))
		}
	}
	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.timeout must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"proxy.idle_timeout":    c.Proxy.IdleTimeout,
		"proxy.bind_timeout":    c.Proxy.BindTimeout,
		"proxy.reconnect_delay": c.Proxy.ReconnectDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Relay.Enabled && c.Relay.Socket == "" {
		errs = append(errs, errors.New("relay.socket is required when the relay is enabled"))
	}

	return errors.Join(errs...)
}
