// Package config manages argus configuration.
//
// Configuration sources, lowest precedence first:
//   - compiled-in defaults
//   - config.yaml in the config directory
//   - environment variables (optionally loaded from a .env file)
//
// The config directory also carries the SEC-04 trust allowlist, which the
// CLI appends to; everything else is read-only at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DetectorConfig holds per-detector scheduling settings.
type DetectorConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Enabled  *bool         `yaml:"enabled,omitempty"` // nil means enabled
}

// IsEnabled reports whether the detector should be registered.
func (d DetectorConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Durations appear in the file in Go syntax ("30s", "1m30s"); yaml.v3 does
// not handle time.Duration on its own.
type detectorConfigYAML struct {
	Interval string `yaml:"interval,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
}

func (d DetectorConfig) MarshalYAML() (any, error) {
	out := detectorConfigYAML{Enabled: d.Enabled}
	if d.Interval > 0 {
		out.Interval = d.Interval.String()
	}
	if d.Timeout > 0 {
		out.Timeout = d.Timeout.String()
	}
	return out, nil
}

func (d *DetectorConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw detectorConfigYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d.Enabled = raw.Enabled
	if raw.Interval != "" {
		v, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("detector interval: %w", err)
		}
		d.Interval = v
	}
	if raw.Timeout != "" {
		v, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("detector timeout: %w", err)
		}
		d.Timeout = v
	}
	return nil
}

// TrustedListener is a SEC-04 allowlist entry. A listening socket matching
// proc, port and bind scope never raises an event.
type TrustedListener struct {
	Proc string `yaml:"proc"`
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"` // LOCAL, LAN or GLOBAL
}

// TemperatureThresholds control HEA-01/HEA-02.
type TemperatureThresholds struct {
	WarnC float64 `yaml:"warn_c"`
	CritC float64 `yaml:"crit_c"`
}

// DiskThresholds control HEA-03.
type DiskThresholds struct {
	WarnPct     int `yaml:"warn_pct"`
	CritPct     int `yaml:"crit_pct"`
	Consecutive int `yaml:"consecutive"`
	MinTotalGB  int `yaml:"min_total_gb"`
}

// MemoryThresholds control HEA-05.
type MemoryThresholds struct {
	WarnAvailPct    float64 `yaml:"warn_avail_pct"`
	CritAvailPct    float64 `yaml:"crit_avail_pct"`
	WarnSwapUsedPct float64 `yaml:"warn_swap_used_pct"`
	CritSwapUsedPct float64 `yaml:"crit_swap_used_pct"`
	WarnSwapoutPS   float64 `yaml:"warn_swapout_ps"`
	CritSwapoutPS   float64 `yaml:"crit_swapout_ps"`
}

// NotificationsConfig controls the desktop notification transport.
type NotificationsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	TimeoutMS int           `yaml:"timeout_ms"`
	ExecWait  time.Duration `yaml:"exec_wait"`
}

type notificationsYAML struct {
	Enabled   bool   `yaml:"enabled"`
	TimeoutMS int    `yaml:"timeout_ms"`
	ExecWait  string `yaml:"exec_wait,omitempty"`
}

func (n NotificationsConfig) MarshalYAML() (any, error) {
	out := notificationsYAML{Enabled: n.Enabled, TimeoutMS: n.TimeoutMS}
	if n.ExecWait > 0 {
		out.ExecWait = n.ExecWait.String()
	}
	return out, nil
}

func (n *NotificationsConfig) UnmarshalYAML(value *yaml.Node) error {
	// Prefill so fields absent from the file keep their defaults.
	raw := notificationsYAML{Enabled: n.Enabled, TimeoutMS: n.TimeoutMS}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n.Enabled = raw.Enabled
	n.TimeoutMS = raw.TimeoutMS
	if raw.ExecWait != "" {
		v, err := time.ParseDuration(raw.ExecWait)
		if err != nil {
			return fmt.Errorf("notifications exec_wait: %w", err)
		}
		n.ExecWait = v
	}
	return nil
}

// Config holds all application configuration.
type Config struct {
	ConfigDir string `yaml:"-"`
	DataDir   string `yaml:"-"`

	// Server settings
	APIListen     string `yaml:"api_listen"`
	MetricsListen string `yaml:"metrics_listen"`

	// Logging settings
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// Input sources
	AuthLogPath string `yaml:"auth_log_path"`

	// Detector scheduling; keyed by detector ID.
	Detectors map[string]DetectorConfig `yaml:"detectors"`

	// Detector thresholds
	Temperature TemperatureThresholds `yaml:"temperature"`
	Disk        DiskThresholds        `yaml:"disk"`
	Memory      MemoryThresholds      `yaml:"memory"`

	Notifications NotificationsConfig `yaml:"notifications"`

	// SEC-04 trust allowlist.
	TrustedListeners []TrustedListener `yaml:"trusted_listeners"`

	// Event retention exposed as store policy; zero disables pruning.
	RetentionDays int `yaml:"retention_days"`
}

// Default detector intervals: security detectors poll faster than health ones.
func defaultDetectors() map[string]DetectorConfig {
	return map[string]DetectorConfig{
		"sec-authlog": {Interval: 2 * time.Second, Timeout: 5 * time.Second},
		"sec-listen":  {Interval: 30 * time.Second, Timeout: 10 * time.Second},
		"sec-files":   {Interval: 10 * time.Second, Timeout: 10 * time.Second},
		"hea-temp":    {Interval: 5 * time.Second, Timeout: 5 * time.Second},
		"hea-disk":    {Interval: 30 * time.Second, Timeout: 10 * time.Second},
		"hea-units":   {Interval: 15 * time.Second, Timeout: 10 * time.Second},
		"hea-memory":  {Interval: 5 * time.Second, Timeout: 5 * time.Second},
	}
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	return &Config{
		ConfigDir:     defaultConfigDir(),
		DataDir:       defaultDataDir(),
		APIListen:     "127.0.0.1:7760",
		MetricsListen: "127.0.0.1:9761",
		LogLevel:      "info",
		LogFormat:     "auto",
		AuthLogPath:   "/var/log/auth.log",
		Detectors:     defaultDetectors(),
		Temperature:   TemperatureThresholds{WarnC: 85, CritC: 95},
		Disk:          DiskThresholds{WarnPct: 85, CritPct: 95, Consecutive: 2, MinTotalGB: 1},
		Memory: MemoryThresholds{
			WarnAvailPct:    10,
			CritAvailPct:    5,
			WarnSwapUsedPct: 70,
			CritSwapUsedPct: 90,
			WarnSwapoutPS:   200,
			CritSwapoutPS:   1000,
		},
		Notifications: NotificationsConfig{Enabled: true, TimeoutMS: 9000, ExecWait: 1500 * time.Millisecond},
		RetentionDays: 90,
	}
}

// Load builds the effective configuration: defaults, then config.yaml, then
// environment variables. A missing config file is not an error.
func Load() (*Config, error) {
	// .env is optional and only consulted for the ARGUS_* overrides below.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env file")
	}

	cfg := Defaults()
	applyDirOverrides(cfg)

	path := filepath.Join(cfg.ConfigDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Loaded configuration file")
	case os.IsNotExist(err):
		log.Debug().Str("path", path).Msg("No configuration file, using defaults")
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// Merge any detector IDs the file did not mention back in.
	if cfg.Detectors == nil {
		cfg.Detectors = defaultDetectors()
	} else {
		for id, dc := range defaultDetectors() {
			if _, ok := cfg.Detectors[id]; !ok {
				cfg.Detectors[id] = dc
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration file back to disk. Used by the trust command.
func (c *Config) Save() error {
	if err := c.EnsureDirs(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.ConfigDir, "config.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// EnsureDirs creates the config and data directories if needed.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.ConfigDir, c.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DBPath returns the event store location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "argus.db")
}

// DetectorConfigFor returns the scheduling config for a detector ID,
// falling back to a conservative default for unknown IDs.
func (c *Config) DetectorConfigFor(id string) DetectorConfig {
	if dc, ok := c.Detectors[id]; ok {
		if dc.Interval <= 0 {
			dc.Interval = 30 * time.Second
		}
		if dc.Timeout <= 0 {
			dc.Timeout = 10 * time.Second
		}
		return dc
	}
	return DetectorConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

// IsTrustedListener reports whether a (proc, port, bind) triple is
// allowlisted for SEC-04.
func (c *Config) IsTrustedListener(proc string, port int, bind string) bool {
	for _, t := range c.TrustedListeners {
		if strings.EqualFold(t.Proc, proc) && t.Port == port && strings.EqualFold(t.Bind, bind) {
			return true
		}
	}
	return false
}

// AddTrustedListener appends an allowlist entry, refusing duplicates.
func (c *Config) AddTrustedListener(proc string, port int, bind string) error {
	bind = strings.ToUpper(strings.TrimSpace(bind))
	switch bind {
	case "LOCAL", "LAN", "GLOBAL":
	default:
		return fmt.Errorf("invalid bind scope %q (want LOCAL, LAN or GLOBAL)", bind)
	}
	if c.IsTrustedListener(proc, port, bind) {
		return fmt.Errorf("already trusted: %s port=%d bind=%s", proc, port, bind)
	}
	c.TrustedListeners = append(c.TrustedListeners, TrustedListener{Proc: proc, Port: port, Bind: bind})
	return nil
}

func applyDirOverrides(cfg *Config) {
	if v := os.Getenv("ARGUS_CONFIG_DIR"); v != "" {
		cfg.ConfigDir = v
	}
	if v := os.Getenv("ARGUS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARGUS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARGUS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("ARGUS_API_LISTEN"); v != "" {
		cfg.APIListen = v
	}
	if v := os.Getenv("ARGUS_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := os.Getenv("ARGUS_AUTH_LOG"); v != "" {
		cfg.AuthLogPath = v
	}
}

func defaultConfigDir() string {
	if os.Geteuid() == 0 {
		return "/etc/argus"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/argus"
	}
	return filepath.Join(home, ".config", "argus")
}

func defaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/argus"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/argus"
	}
	return filepath.Join(home, ".local", "share", "argus")
}
