package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	ApplyDefaults(&cfg)

	if cfg.Interface != DefaultInterface || cfg.ConfigDir != DefaultConfigDir {
		t.Fatalf("defaults not set: %+v", cfg)
	}
	if cfg.MTU != DefaultMTU {
		t.Fatalf("mtu=%d", cfg.MTU)
	}
	if cfg.KeepaliveSec != 25 {
		t.Fatalf("keepalive=%d", cfg.KeepaliveSec)
	}
	if !UseDefaultRoute(&cfg) {
		t.Fatalf("default_route default not true")
	}
	if cfg.CommandTimeout != 10*time.Second || cfg.MonitorInterval != time.Second {
		t.Fatalf("timings=%s/%s", cfg.CommandTimeout, cfg.MonitorInterval)
	}
}

func TestApplyDefaults_KeepsExplicitEmptyDNS(t *testing.T) {
	t.Parallel()

	cfg := Config{DNS: []string{}}
	ApplyDefaults(&cfg)
	if len(cfg.DNS) != 0 {
		t.Fatalf("dns=%v", cfg.DNS)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	bad := cfg
	bad.Address = "10.8.0.2"
	if err := Validate(bad); err == nil {
		t.Fatalf("expected error for address without prefix")
	}

	bad = cfg
	bad.DNS = []string{"not-an-ip"}
	if err := Validate(bad); err == nil {
		t.Fatalf("expected error for dns")
	}

	bad = cfg
	bad.Interface = "this-name-is-too-long"
	if err := Validate(bad); err == nil {
		t.Fatalf("expected error for interface")
	}

	bad = cfg
	bad.KeyBackend = "vault"
	if err := Validate(bad); err == nil {
		t.Fatalf("expected error for key_backend")
	}
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "anivpn.yaml")
	if err := Save(path, Config{ConfigDir: tmp}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
}

func TestLoad_ParsesDurationsAndPaths(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "anivpn.yaml")
	data := "config_dir: " + tmp + "\n" +
		"interface: anivpn0\n" +
		"monitor_interval: 250ms\n" +
		"default_route: false\n" +
		"catalog:\n  path: /srv/servers.json\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MonitorInterval != 250*time.Millisecond {
		t.Fatalf("monitor_interval=%s", cfg.MonitorInterval)
	}
	if UseDefaultRoute(&cfg) {
		t.Fatalf("default_route should be false")
	}
	if got := cfg.InterfaceConfPath(); got != filepath.Join(tmp, "anivpn0.conf") {
		t.Fatalf("conf path=%q", got)
	}
	if got := cfg.CatalogPath(); got != "/srv/servers.json" {
		t.Fatalf("catalog path=%q", got)
	}
}
