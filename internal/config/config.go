package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir       = "/etc/anivpn"
	DefaultInterface       = "wg0"
	DefaultAddress         = "10.8.0.2/32"
	DefaultMTU             = 1280
	DefaultKeepaliveSec    = 25
	DefaultMonitorInterval = time.Second
	DefaultStaleAfter      = 3 * time.Minute
	DefaultCommandTimeout  = 10 * time.Second
	DefaultResolvConf      = "/etc/resolv.conf"
	DefaultListen          = "unix:/run/anivpn.sock"
	DefaultKeyBackend      = "file"
	DefaultLogLevel        = "info"
)

var (
	DefaultDNS         = []string{"1.1.1.1", "8.8.8.8"}
	DefaultSTUNServers = []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}
)

// Config is the client and daemon configuration.
type Config struct {
	ConfigDir       string        `yaml:"config_dir"`
	Interface       string        `yaml:"interface"`
	Address         string        `yaml:"address"`
	MTU             int           `yaml:"mtu"`
	KeepaliveSec    int           `yaml:"keepalive_sec"`
	DNS             []string      `yaml:"dns"`
	DefaultRoute    *bool         `yaml:"default_route,omitempty"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	Sudo            bool          `yaml:"sudo"`
	ResolvConf      string        `yaml:"resolv_conf"`
	Catalog         CatalogConfig `yaml:"catalog"`
	KeyBackend      string        `yaml:"key_backend"`
	Listen          string        `yaml:"listen"`
	STUNServers     []string      `yaml:"stun_servers"`
	HistoryPath     string        `yaml:"history_path"`
	LogLevel        string        `yaml:"log_level"`
}

// CatalogConfig locates the server list.
type CatalogConfig struct {
	Path            string `yaml:"path"`
	BuiltinFallback bool   `yaml:"builtin_fallback"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks values that would otherwise fail deep inside a connect.
func Validate(cfg Config) error {
	if cfg.ConfigDir == "" {
		return fmt.Errorf("config_dir is required")
	}
	if cfg.Interface == "" || len(cfg.Interface) > 15 || strings.ContainsAny(cfg.Interface, "/ ") {
		return fmt.Errorf("interface %q is not a valid interface name", cfg.Interface)
	}
	if _, err := netip.ParsePrefix(cfg.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	for _, s := range cfg.DNS {
		if _, err := netip.ParseAddr(s); err != nil {
			return fmt.Errorf("dns: %w", err)
		}
	}
	if cfg.MTU < 0 || (cfg.MTU > 0 && cfg.MTU < 576) {
		return fmt.Errorf("mtu %d out of range", cfg.MTU)
	}
	switch cfg.KeyBackend {
	case "file", "keyring":
	default:
		return fmt.Errorf("key_backend must be file or keyring, got %q", cfg.KeyBackend)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = DefaultConfigDir
	}
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.KeepaliveSec == 0 {
		cfg.KeepaliveSec = DefaultKeepaliveSec
	}
	if cfg.DNS == nil {
		cfg.DNS = append([]string(nil), DefaultDNS...)
	}
	if cfg.DefaultRoute == nil {
		enabled := true
		cfg.DefaultRoute = &enabled
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.ResolvConf == "" {
		cfg.ResolvConf = DefaultResolvConf
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "servers.json"
	}
	if cfg.KeyBackend == "" {
		cfg.KeyBackend = DefaultKeyBackend
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.STUNServers == nil {
		cfg.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "history.csv"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

// UseDefaultRoute reports the effective default_route setting.
func UseDefaultRoute(cfg *Config) bool {
	return cfg.DefaultRoute == nil || *cfg.DefaultRoute
}

// Path resolves name relative to config_dir unless it is already absolute.
func (c Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ConfigDir, name)
}

func (c Config) PrivateKeyPath() string { return c.Path("private.key") }

func (c Config) InterfaceConfPath() string { return c.Path(c.Interface + ".conf") }

func (c Config) SnapshotPath() string { return c.Path("network_snapshot.json") }

func (c Config) ResolverBackupPath() string { return c.Path("resolver.backup") }

func (c Config) CatalogPath() string { return c.Path(c.Catalog.Path) }

func (c Config) LockPath() string { return c.Path("anivpn.lock") }

func (c Config) HistoryFile() string { return c.Path(c.HistoryPath) }
