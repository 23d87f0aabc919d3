package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.InstallationMode != ModeUser {
		t.Errorf("default installation_mode = %s, want user", cfg.InstallationMode)
	}
	if cfg.OptimizationLevel != OptimizationBasic {
		t.Errorf("default optimization_level = %s, want basic", cfg.OptimizationLevel)
	}
	if cfg.SSH.MaxWorkers != 5 {
		t.Errorf("default ssh.max_workers = %d, want 5", cfg.SSH.MaxWorkers)
	}
	if cfg.SSH.MaxConfigBytes != 1<<20 {
		t.Errorf("default ssh.max_config_bytes = %d, want 1MiB", cfg.SSH.MaxConfigBytes)
	}
	if cfg.NETCONF.Port != 830 {
		t.Errorf("default netconf.port = %d, want 830", cfg.NETCONF.Port)
	}
	if cfg.NETCONF.ConfirmWindowSec != 120 {
		t.Errorf("default netconf.confirm_window_sec = %d, want 120", cfg.NETCONF.ConfirmWindowSec)
	}
	if cfg.RPKI.MaxAgeSec != 86400 {
		t.Errorf("default rpki.max_age_sec = %d, want 86400", cfg.RPKI.MaxAgeSec)
	}
	if cfg.Autonomous.AutoApplyThreshold != 100 {
		t.Errorf("default auto_apply_threshold = %d, want 100", cfg.Autonomous.AutoApplyThreshold)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "bad installation_mode",
			modify:  func(c *Config) { c.InstallationMode = "bogus" },
			wantErr: true,
		},
		{
			name:    "bad optimization_level",
			modify:  func(c *Config) { c.OptimizationLevel = "bogus" },
			wantErr: true,
		},
		{
			name:    "zero auto_apply_threshold",
			modify:  func(c *Config) { c.Autonomous.AutoApplyThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "zero ssh workers",
			modify:  func(c *Config) { c.SSH.MaxWorkers = 0 },
			wantErr: true,
		},
		{
			name: "autonomous email without server",
			modify: func(c *Config) {
				c.Autonomous.Enabled = true
				c.SMTP.Enabled = true
				c.SMTP.To = []string{"ops@example.com"}
			},
			wantErr: true,
		},
		{
			name: "autonomous email without recipients",
			modify: func(c *Config) {
				c.Autonomous.Enabled = true
				c.SMTP.Enabled = true
				c.SMTP.Server = "mail.example.com"
			},
			wantErr: true,
		},
		{
			name: "autonomous email fully configured",
			modify: func(c *Config) {
				c.Autonomous.Enabled = true
				c.SMTP.Enabled = true
				c.SMTP.Server = "mail.example.com"
				c.SMTP.To = []string{"ops@example.com"}
			},
			wantErr: false,
		},
		{
			name:    "rpki enabled without cache dir",
			modify:  func(c *Config) { c.RPKI.Enabled = true },
			wantErr: true,
		},
		{
			name:    "bad bgpq4 mode",
			modify:  func(c *Config) { c.BGPq4.Mode = "bogus" },
			wantErr: true,
		},
		{
			name: "docker mode without container image",
			modify: func(c *Config) {
				c.BGPq4.Mode = "docker"
				c.BGPq4.ContainerImage = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SSH.MaxWorkers != 5 {
		t.Errorf("expected defaults when file is absent, got max_workers=%d", cfg.SSH.MaxWorkers)
	}
}

func TestLoadFromYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "ssh:\n  max_workers: 9\nrpki:\n  enabled: true\n  cache_dir: /tmp/vrp\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SSH.MaxWorkers != 9 {
		t.Errorf("ssh.max_workers = %d, want 9 (from YAML)", cfg.SSH.MaxWorkers)
	}
	if !cfg.RPKI.Enabled || cfg.RPKI.CacheDir != "/tmp/vrp" {
		t.Errorf("rpki overlay not applied: %+v", cfg.RPKI)
	}
}

func TestEnvOverlayWinsOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /from/yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("OTTO_BGP_DATA_DIR", "/from/env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/from/env" {
		t.Errorf("data_dir = %s, want /from/env (env overlay precedence)", cfg.DataDir)
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSH.Password = "hunter2"
	cfg.SMTP.Password = "swordfish"

	red := cfg.Redacted()
	if red.SSH.Password == "hunter2" || red.SMTP.Password == "swordfish" {
		t.Error("Redacted() leaked a secret field")
	}
}
