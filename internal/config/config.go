// Package config handles echo peer configuration and machine-local state.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aidanlsb/echo/internal/index"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the configuration of one echo peer.
type Config struct {
	// StateFile overrides where state.toml lives. Relative paths resolve
	// against the config file's directory.
	StateFile string `toml:"state_file"`

	Peer        PeerConfig        `toml:"peer"`
	Storage     StorageConfig     `toml:"storage"`
	Index       IndexConfig       `toml:"index"`
	Replication ReplicationConfig `toml:"replication"`
	Log         LogConfig         `toml:"log"`
}

// PeerConfig configures the object graph.
type PeerConfig struct {
	// Schemas lists YAML schema files registered at startup.
	Schemas []string `toml:"schemas"`

	// LoadTimeout bounds how long a query waits for linked documents.
	LoadTimeout Duration `toml:"load_timeout"`
}

// StorageConfig configures the document store.
type StorageConfig struct {
	// Dir holds the Badger document store. Empty keeps documents in memory.
	Dir string `toml:"dir"`

	// SyncWrites makes every flush wait for the disk.
	SyncWrites bool `toml:"sync_writes"`
}

// IndexConfig configures the object indexes.
type IndexConfig struct {
	Disabled bool `toml:"disabled"`

	// Dir holds the SQLite index store. Empty keeps indexes in memory.
	Dir string `toml:"dir"`

	// Kinds lists the indexes to maintain, e.g. "SCHEMA_MATCH" or
	// "FIELD_MATCH:title".
	Kinds []string `toml:"kinds"`
}

// ReplicationConfig configures how the peer reaches other peers.
type ReplicationConfig struct {
	// RelayURL is the ws:// or wss:// base of an edge relay.
	RelayURL string `toml:"relay_url"`

	// Listen is the address echod relay serves on.
	Listen string `toml:"listen"`

	// MetricsPath is where echod relay exposes Prometheus metrics. Empty
	// disables the endpoint.
	MetricsPath string `toml:"metrics_path"`

	// DeviceKey identifies this device to mesh peers. Defaults to the
	// peer id.
	DeviceKey string `toml:"device_key"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`

	// Format is auto, text or json. Auto picks text on a terminal.
	Format string `toml:"format"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Peer: PeerConfig{LoadTimeout: Duration{5 * time.Second}},
		Index: IndexConfig{
			Kinds: []string{string(index.KindSchemaMatch), string(index.KindFullText)},
		},
		Replication: ReplicationConfig{
			Listen:      "127.0.0.1:4567",
			MetricsPath: "/metrics",
		},
		Log: LogConfig{Level: "info", Format: "auto"},
	}
}

// Load loads the configuration from the default location.
// Returns the default config if the file doesn't exist.
func Load() (*Config, error) {
	configPath := DefaultPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default(), nil
	}

	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from a specific path. Keys missing from
// the file keep their default values.
func LoadFrom(path string) (*Config, error) {
	config := Default()
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks value ranges and formats.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be auto, text or json", c.Log.Format))
	}
	if c.Peer.LoadTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("peer.load_timeout must not be negative"))
	}
	for _, k := range c.Index.Kinds {
		if _, err := index.ParseKind(k); err != nil {
			errs = append(errs, fmt.Errorf("index.kinds: %w", err))
		}
	}
	if raw := c.Replication.RelayURL; raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("replication.relay_url %q must be a ws:// or wss:// url", raw))
		}
	}
	if p := c.Replication.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("replication.metrics_path %q must start with /", p))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// IndexKinds parses Index.Kinds. Call Validate first.
func (c *Config) IndexKinds() []index.Kind {
	out := make([]index.Kind, 0, len(c.Index.Kinds))
	for _, s := range c.Index.Kinds {
		if k, err := index.ParseKind(s); err == nil {
			out = append(out, k)
		}
	}
	return out
}

// DefaultPath returns the default config file path.
// Checks ~/.config/echo/echo.toml first (XDG style),
// then falls back to OS-specific location.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		xdgPath := filepath.Join(home, ".config", "echo", "echo.toml")
		if _, err := os.Stat(xdgPath); err == nil {
			return xdgPath
		}
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(configDir, "echo", "echo.toml")
	}

	return filepath.Join(".", "echo.toml")
}

// ResolveConfigPath resolves the effective config path from an optional override.
func ResolveConfigPath(explicitConfigPath string) string {
	if strings.TrimSpace(explicitConfigPath) != "" {
		return explicitConfigPath
	}
	return DefaultPath()
}

// CreateDefault writes a commented default config file if none exists.
func CreateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	const defaultConfig = `# echo peer configuration

[peer]
# YAML schema files registered at startup.
# schemas = ["schemas/tasks.yaml"]
load_timeout = "5s"

[storage]
# Badger document store. Empty keeps documents in memory.
# dir = "/var/lib/echo/docs"
sync_writes = false

[index]
# SQLite index store. Empty keeps indexes in memory.
# dir = "/var/lib/echo/index"
kinds = ["SCHEMA_MATCH", "FULL_TEXT"]

[replication]
# relay_url = "wss://relay.example.com/space"
listen = "127.0.0.1:4567"
metrics_path = "/metrics"

[log]
level = "info"
format = "auto"
`
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
