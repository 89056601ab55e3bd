// Package config resolves service configuration from a yaml file,
// environment variables, and CLI flags, with later sources winning.
// Every resolved value records where it came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath   string
	CLIDBPath    string
	CLIPort      string
	CLIThreshold string
	CLIInterval  string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath          ResolvedValue `json:"db_path"`
	HTTPPort        ResolvedValue `json:"http_port"`
	DetectThreshold ResolvedValue `json:"detect_threshold"`
	DetectInterval  ResolvedValue `json:"detect_interval"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	HTTP   struct {
		Port int `yaml:"port"`
	} `yaml:"http"`
	Detect struct {
		Threshold float64 `yaml:"threshold"`
		Interval  string  `yaml:"interval"`
	} `yaml:"detect"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lorekeeper", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath:      path,
		HTTPPort:        ResolvedValue{Value: "8642", Source: SourceDefault, From: "built-in default"},
		DetectThreshold: ResolvedValue{Value: "0.75", Source: SourceDefault, From: "built-in default"},
		DetectInterval:  ResolvedValue{Value: "15m", Source: SourceDefault, From: "built-in default"},
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		if cfg.HTTP.Port > 0 {
			apply(&out.HTTPPort, strconv.Itoa(cfg.HTTP.Port), SourceConfig, path)
		}
		if cfg.Detect.Threshold > 0 {
			apply(&out.DetectThreshold, strconv.FormatFloat(cfg.Detect.Threshold, 'f', -1, 64), SourceConfig, path)
		}
		apply(&out.DetectInterval, cfg.Detect.Interval, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "LOREKEEPER_DB")
	applyEnv(&out.DBPath, "LOREKEEPER_DB_PATH")
	applyEnv(&out.HTTPPort, "LOREKEEPER_HTTP_PORT")
	applyEnv(&out.DetectThreshold, "LOREKEEPER_DETECT_THRESHOLD")
	applyEnv(&out.DetectInterval, "LOREKEEPER_DETECT_INTERVAL")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.HTTPPort, opts.CLIPort, SourceCLI, "--port")
	apply(&out.DetectThreshold, opts.CLIThreshold, SourceCLI, "--threshold")
	apply(&out.DetectInterval, opts.CLIInterval, SourceCLI, "--interval")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// Port returns the resolved HTTP port, or an error for non-numeric values.
func (r ResolvedConfig) Port() (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(r.HTTPPort.Value))
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("invalid http port %q (from %s)", r.HTTPPort.Value, r.HTTPPort.Source)
	}
	return p, nil
}

// Threshold returns the resolved detection threshold in (0,1].
func (r ResolvedConfig) Threshold() (float64, error) {
	t, err := strconv.ParseFloat(strings.TrimSpace(r.DetectThreshold.Value), 64)
	if err != nil || t <= 0 || t > 1 {
		return 0, fmt.Errorf("invalid detect threshold %q (from %s)", r.DetectThreshold.Value, r.DetectThreshold.Source)
	}
	return t, nil
}

// Interval returns the resolved detection sweep interval.
func (r ResolvedConfig) Interval() (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(r.DetectInterval.Value))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid detect interval %q (from %s)", r.DetectInterval.Value, r.DetectInterval.Source)
	}
	return d, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
