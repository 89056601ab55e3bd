package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveDefaults(t *testing.T) {
	cfg, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}

	port, err := cfg.Port()
	if err != nil || port != 8642 {
		t.Errorf("default port = %d (%v), want 8642", port, err)
	}
	threshold, err := cfg.Threshold()
	if err != nil || threshold != 0.75 {
		t.Errorf("default threshold = %v (%v), want 0.75", threshold, err)
	}
	interval, err := cfg.Interval()
	if err != nil || interval != 15*time.Minute {
		t.Errorf("default interval = %v (%v), want 15m", interval, err)
	}
	if cfg.HTTPPort.Source != SourceDefault {
		t.Errorf("port source = %s, want default", cfg.HTTPPort.Source)
	}
}

func TestResolveFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `db_path: /tmp/test.db
http:
  port: 9001
detect:
  threshold: 0.6
  interval: 5m
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := ResolveConfig(ResolveOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}

	if cfg.DBPath.Value != "/tmp/test.db" || cfg.DBPath.Source != SourceConfig {
		t.Errorf("db_path = %+v", cfg.DBPath)
	}
	port, _ := cfg.Port()
	if port != 9001 {
		t.Errorf("port = %d, want 9001", port)
	}
	threshold, _ := cfg.Threshold()
	if threshold != 0.6 {
		t.Errorf("threshold = %v, want 0.6", threshold)
	}
	interval, _ := cfg.Interval()
	if interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", interval)
	}
}

func TestResolvePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 9001\n"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	// env beats file
	t.Setenv("LOREKEEPER_HTTP_PORT", "9002")
	cfg, err := ResolveConfig(ResolveOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}
	if cfg.HTTPPort.Value != "9002" || cfg.HTTPPort.Source != SourceEnv {
		t.Errorf("env should override file: %+v", cfg.HTTPPort)
	}
	if cfg.HTTPPort.From != "LOREKEEPER_HTTP_PORT" {
		t.Errorf("from = %q", cfg.HTTPPort.From)
	}

	// CLI beats env
	cfg, err = ResolveConfig(ResolveOptions{ConfigPath: path, CLIPort: "9003"})
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}
	if cfg.HTTPPort.Value != "9003" || cfg.HTTPPort.Source != SourceCLI {
		t.Errorf("CLI should override env: %+v", cfg.HTTPPort)
	}
}

func TestResolveExpandsUserPath(t *testing.T) {
	cfg, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
		CLIDBPath:  "~/lore.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}
	home, _ := os.UserHomeDir()
	if cfg.DBPath.Value != filepath.Join(home, "lore.db") {
		t.Errorf("db_path = %q, ~ not expanded", cfg.DBPath.Value)
	}
}

func TestResolveInvalidValues(t *testing.T) {
	base := ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}

	cfg, err := ResolveConfig(ResolveOptions{ConfigPath: base.ConfigPath, CLIPort: "not-a-port"})
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}
	if _, err := cfg.Port(); err == nil {
		t.Error("expected error for non-numeric port")
	}

	cfg, err = ResolveConfig(ResolveOptions{ConfigPath: base.ConfigPath, CLIThreshold: "1.5"})
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}
	if _, err := cfg.Threshold(); err == nil {
		t.Error("expected error for threshold above 1")
	}

	cfg, err = ResolveConfig(ResolveOptions{ConfigPath: base.ConfigPath, CLIInterval: "soon"})
	if err != nil {
		t.Fatalf("ResolveConfig failed: %v", err)
	}
	if _, err := cfg.Interval(); err == nil {
		t.Error("expected error for unparseable interval")
	}
}

func TestResolveMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := ResolveConfig(ResolveOptions{ConfigPath: path}); err == nil {
		t.Error("expected error for malformed config file")
	}
}
