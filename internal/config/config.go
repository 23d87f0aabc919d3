// Package config handles configuration loading and runtime overlay:
// defaults, then a YAML file, then environment variables, in that order
// of increasing precedence. The resulting snapshot is immutable for the
// lifetime of a run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// InstallationMode enumerates where otto-bgp's data/config directories live.
type InstallationMode string

const (
	ModeUser   InstallationMode = "user"
	ModeSystem InstallationMode = "system"
)

// OptimizationLevel controls how aggressively bgpq4 batches are tuned.
type OptimizationLevel string

const (
	OptimizationBasic    OptimizationLevel = "basic"
	OptimizationEnhanced OptimizationLevel = "enhanced"
)

// Config is the top-level otto-bgp configuration. It is loaded once at
// startup and never re-read mid-run; callers needing a consistent view
// across goroutines should call Snapshot.
type Config struct {
	mu sync.RWMutex

	// General
	InstallationMode  InstallationMode  `yaml:"installation_mode"`
	OptimizationLevel OptimizationLevel `yaml:"optimization_level"`
	LogLevel          string            `yaml:"log_level"` // "debug", "info", "warn", "error"
	ConfigDir         string            `yaml:"config_dir"`
	DataDir           string            `yaml:"data_dir"`
	OutputDir         string            `yaml:"output_dir"`

	SSH       SSHConfig       `yaml:"ssh"`
	NETCONF   NETCONFConfig   `yaml:"netconf"`
	BGPq4     BGPq4Config     `yaml:"bgpq4"`
	IRRProxy  IRRProxyConfig  `yaml:"irr_proxy"`
	RPKI      RPKIConfig      `yaml:"rpki"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Autonomous AutonomousConfig `yaml:"autonomous"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
}

// SSHConfig controls SSHCollector behavior.
type SSHConfig struct {
	Username           string `yaml:"username"`
	KeyPath            string `yaml:"key_path"`
	AllowPasswordAuth  bool   `yaml:"allow_password_auth"`
	Password           string `yaml:"password"`
	Port               int    `yaml:"port"`
	KnownHostsPath     string `yaml:"known_hosts_path"`
	SetupMode          bool   `yaml:"setup_mode"` // allows recording new host keys
	MaxWorkers         int    `yaml:"max_workers"`
	CommandTimeoutSec  int    `yaml:"command_timeout_sec"`
	DeviceTimeoutSec   int    `yaml:"device_timeout_sec"`
	MaxRetries         int    `yaml:"max_retries"`
	MaxConfigBytes     int    `yaml:"max_config_bytes"`
}

// NETCONFConfig controls the NETCONF applier.
type NETCONFConfig struct {
	Username             string `yaml:"username"`
	KeyPath              string `yaml:"key_path"`
	Port                 int    `yaml:"port"`
	ConfirmWindowSec     int    `yaml:"confirm_window_sec"`
	AutonomousMonitorSec int    `yaml:"autonomous_monitor_sec"`
	DryRun               bool   `yaml:"dry_run"`
}

// BGPq4Config controls the bgpq4 wrapper.
type BGPq4Config struct {
	Mode           string `yaml:"mode"` // "native", "docker", "podman", "auto"
	ContainerImage string `yaml:"container_image"`
	TimeoutSec     int    `yaml:"timeout_sec"`
	MaxWorkers     int    `yaml:"max_workers"`
	RouterAware    bool   `yaml:"router_aware"`
}

// IRRProxyConfig controls the optional IRR SSH tunnel proxy.
type IRRProxyConfig struct {
	Enabled       bool         `yaml:"enabled"`
	JumpHost      string       `yaml:"jump_host"`
	JumpUser      string       `yaml:"jump_user"`
	KeyPath       string       `yaml:"key_path"`
	KnownHostsPath string      `yaml:"known_hosts_path"`
	Tunnels       []TunnelSpec `yaml:"tunnels"`
	MaxWorkers    int          `yaml:"max_workers"`
}

// TunnelSpec describes one SSH local-port-forward tunnel.
type TunnelSpec struct {
	Name       string `yaml:"name"`
	LocalPort  int    `yaml:"local_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// RPKIConfig controls VRP cache loading and validation.
type RPKIConfig struct {
	Enabled      bool     `yaml:"enabled"`
	CacheDir     string   `yaml:"cache_dir"`
	MaxAgeSec    int      `yaml:"max_age_sec"`
	Allowlist    []string `yaml:"allowlist"`
}

// SMTPConfig controls the notification sink.
type SMTPConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Server       string   `yaml:"server"`
	Port         int      `yaml:"port"`
	TLS          bool     `yaml:"tls"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	From         string   `yaml:"from"`
	To           []string `yaml:"to"`
	CC           []string `yaml:"cc"`
	SubjectPrefix string  `yaml:"subject_prefix"`
}

// AutonomousConfig controls autonomous-mode gating and thresholds.
type AutonomousConfig struct {
	Enabled             bool `yaml:"enabled"`
	AutoApplyThreshold  int  `yaml:"auto_apply_threshold"` // informational only; guardrail verdicts gate the real decision
}

// GuardrailConfig parameterizes the always-active guardrails.
type GuardrailConfig struct {
	PrefixChangeRatioSystem     float64 `yaml:"prefix_change_ratio_system"`
	PrefixChangeRatioAutonomous float64 `yaml:"prefix_change_ratio_autonomous"`
	SessionImpactPercent        float64 `yaml:"session_impact_percent"`
}

// DefaultConfig returns a configuration with reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		InstallationMode:  ModeUser,
		OptimizationLevel: OptimizationBasic,
		LogLevel:          "info",
		ConfigDir:         "/etc/otto-bgp",
		DataDir:           "/var/lib/otto-bgp",
		OutputDir:         "/var/lib/otto-bgp/policies",
		SSH: SSHConfig{
			Port:              22,
			KnownHostsPath:    "/var/lib/otto-bgp/known_hosts",
			MaxWorkers:        5,
			CommandTimeoutSec: 30,
			DeviceTimeoutSec:  120,
			MaxRetries:        3,
			MaxConfigBytes:    1 << 20, // 1 MiB
		},
		NETCONF: NETCONFConfig{
			Port:                 830,
			ConfirmWindowSec:     120,
			AutonomousMonitorSec: 300,
		},
		BGPq4: BGPq4Config{
			Mode:           "auto",
			ContainerImage: "ghcr.io/bgp/bgpq4:latest",
			TimeoutSec:     45,
			MaxWorkers:     5,
		},
		IRRProxy: IRRProxyConfig{
			MaxWorkers: 4,
		},
		RPKI: RPKIConfig{
			MaxAgeSec: 86400,
		},
		SMTP: SMTPConfig{
			Port:          25,
			SubjectPrefix: "[otto-bgp]",
		},
		Autonomous: AutonomousConfig{
			AutoApplyThreshold: 100,
		},
		Guardrail: GuardrailConfig{
			PrefixChangeRatioSystem:     0.25,
			PrefixChangeRatioAutonomous: 0.10,
			SessionImpactPercent:        0.20,
		},
	}
}

// Load builds a configuration by overlaying defaults, an optional YAML
// file, and environment variables, in that precedence order (env wins).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, &ConfigError{fmt.Sprintf("reading config file: %v", err)}
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &ConfigError{fmt.Sprintf("parsing config: %v", err)}
			}
		} else if !os.IsNotExist(err) {
			return nil, &ConfigError{fmt.Sprintf("stat config file: %v", err)}
		}
	}

	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{fmt.Sprintf("invalid config: %v", err)}
	}

	return cfg, nil
}

// ConfigError is raised for any configuration violation and is always
// surfaced at startup, before any side effect occurs.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "config: " + e.Msg }

// overlayEnv applies environment-variable overrides at field granularity.
// Unknown OTTO_BGP_* keys are not validated here (no registry of valid
// keys is maintained); see Validate for the checks that matter.
func (c *Config) overlayEnv() {
	if v := os.Getenv("OTTO_BGP_CONFIG_DIR"); v != "" {
		c.ConfigDir = v
	}
	if v := os.Getenv("OTTO_BGP_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SSH_USERNAME"); v != "" {
		c.SSH.Username = v
	}
	if v := os.Getenv("SSH_KEY_PATH"); v != "" {
		c.SSH.KeyPath = v
	}
	if v := os.Getenv("NETCONF_USERNAME"); v != "" {
		c.NETCONF.Username = v
	}
	if v := os.Getenv("NETCONF_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.NETCONF.Port = p
		}
	}
	if v := os.Getenv("OTTO_BGP_SMTP_SERVER"); v != "" {
		c.SMTP.Server = v
	}
	if v := os.Getenv("OTTO_BGP_SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = p
		}
	}
	if v := os.Getenv("OTTO_BGP_AUTONOMOUS_ENABLED"); v != "" {
		c.Autonomous.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTTO_BGP_AUTO_APPLY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autonomous.AutoApplyThreshold = n
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks the configuration for consistency: enum membership,
// numeric ranges, and cross-field rules.
func (c *Config) Validate() error {
	switch c.InstallationMode {
	case ModeUser, ModeSystem:
	default:
		return fmt.Errorf("invalid installation_mode: %s (must be user or system)", c.InstallationMode)
	}

	switch c.OptimizationLevel {
	case OptimizationBasic, OptimizationEnhanced:
	default:
		return fmt.Errorf("invalid optimization_level: %s (must be basic or enhanced)", c.OptimizationLevel)
	}

	if c.Autonomous.AutoApplyThreshold < 1 {
		return fmt.Errorf("auto_apply_threshold must be >= 1, got %d", c.Autonomous.AutoApplyThreshold)
	}

	if c.SSH.MaxWorkers < 1 {
		return fmt.Errorf("ssh.max_workers must be >= 1")
	}

	if c.BGPq4.MaxWorkers < 1 {
		return fmt.Errorf("bgpq4.max_workers must be >= 1")
	}

	switch c.BGPq4.Mode {
	case "native", "docker", "podman", "auto":
	default:
		return fmt.Errorf("invalid bgpq4.mode: %s (must be native, docker, podman, or auto)", c.BGPq4.Mode)
	}
	if (c.BGPq4.Mode == "docker" || c.BGPq4.Mode == "podman") && c.BGPq4.ContainerImage == "" {
		return fmt.Errorf("bgpq4.container_image is required when bgpq4.mode is docker or podman")
	}

	// Cross-field: autonomous mode + email requires SMTP server and recipients.
	if c.Autonomous.Enabled && c.SMTP.Enabled {
		if c.SMTP.Server == "" {
			return fmt.Errorf("autonomous mode with email enabled requires smtp.server")
		}
		if len(c.SMTP.To) == 0 {
			return fmt.Errorf("autonomous mode with email enabled requires a non-empty smtp.to recipient list")
		}
	}

	if c.RPKI.Enabled && c.RPKI.CacheDir == "" {
		return fmt.Errorf("rpki.cache_dir is required when rpki.enabled is true")
	}

	return nil
}

// Snapshot returns a deep-enough copy of the configuration for safe
// concurrent use by downstream components. The mutex itself is never
// copied into the snapshot's zero-value lock.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := &Config{
		InstallationMode:  c.InstallationMode,
		OptimizationLevel: c.OptimizationLevel,
		LogLevel:          c.LogLevel,
		ConfigDir:         c.ConfigDir,
		DataDir:           c.DataDir,
		OutputDir:         c.OutputDir,
		SSH:               c.SSH,
		NETCONF:           c.NETCONF,
		BGPq4:             c.BGPq4,
		IRRProxy:          c.IRRProxy,
		RPKI:              c.RPKI,
		SMTP:              c.SMTP,
		Autonomous:        c.Autonomous,
		Guardrail:         c.Guardrail,
	}
	cp.SMTP.To = append([]string(nil), c.SMTP.To...)
	cp.SMTP.CC = append([]string(nil), c.SMTP.CC...)
	cp.RPKI.Allowlist = append([]string(nil), c.RPKI.Allowlist...)
	cp.IRRProxy.Tunnels = append([]TunnelSpec(nil), c.IRRProxy.Tunnels...)
	return cp
}

// Redacted returns a copy of the config with sensitive fields masked,
// suitable for diagnostic logging.
func (c *Config) Redacted() *Config {
	cp := c.Snapshot()
	if cp.SSH.Password != "" {
		cp.SSH.Password = "[redacted]"
	}
	if cp.SMTP.Password != "" {
		cp.SMTP.Password = "[redacted]"
	}
	return cp
}
