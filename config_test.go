package moltgate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen != "8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.DataDir != "/data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.BucketPrefix != "moltbot" {
		t.Errorf("BucketPrefix = %q", cfg.BucketPrefix)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("Gateway.Port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Command.Entrypoint != "moltbot" {
		t.Errorf("Gateway.Command.Entrypoint = %q", cfg.Gateway.Command.Entrypoint)
	}
	if len(cfg.Onboard.Parameters) != 3 {
		t.Errorf("Onboard.Parameters = %v", cfg.Onboard.Parameters)
	}
	if err := validateConfig(cfg); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadConfig_FileOverridesAndDefaultsFill(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moltgate.yaml")
	doc := `
listen: "9090"
log_file: /var/log/moltgate.log
data_dir: /var/lib/molt
bucket:
  name: my-bucket
  region: eu-west-1
gateway:
  port: 4000
onboard:
  parameters:
    bot_token:
      validate: 'value.size() >= 16'
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen != "9090" || cfg.DataDir != "/var/lib/molt" {
		t.Errorf("file values not applied: listen=%q data_dir=%q", cfg.Listen, cfg.DataDir)
	}
	if cfg.LogFile != "/var/log/moltgate.log" {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
	if cfg.Bucket.Name != "my-bucket" || cfg.Bucket.Region != "eu-west-1" {
		t.Errorf("bucket not parsed: %+v", cfg.Bucket)
	}
	if cfg.Gateway.Port != 4000 {
		t.Errorf("Gateway.Port = %d", cfg.Gateway.Port)
	}
	// Unset fields still get defaults.
	if cfg.Gateway.StopGrace != "1s" || cfg.Sync.PollInterval != "30s" {
		t.Errorf("defaults not filled: %+v", cfg.Gateway)
	}
	// A parameters block in the file replaces the default set wholesale.
	if len(cfg.Onboard.Parameters) != 1 {
		t.Errorf("Onboard.Parameters = %v", cfg.Onboard.Parameters)
	}
	if spec := cfg.Onboard.Parameters["bot_token"]; spec == nil || spec.Validate != "value.size() >= 16" {
		t.Errorf("bot_token spec = %+v", spec)
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("listen: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MOLTGATE_LISTEN", "7070")
	t.Setenv("MOLTGATE_BUCKET", "env-bucket")
	t.Setenv("MOLTGATE_SETUP_PASSWORD", "hunter2")
	t.Setenv("MOLTGATE_GATEWAY_PORT", "5000")

	cfg := &Config{}
	applyConfigDefaults(cfg)
	applyEnvOverrides(cfg)

	if cfg.Listen != "7070" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Bucket.Name != "env-bucket" {
		t.Errorf("Bucket.Name = %q", cfg.Bucket.Name)
	}
	if cfg.SetupPassword != "hunter2" {
		t.Errorf("SetupPassword = %q", cfg.SetupPassword)
	}
	if cfg.Gateway.Port != 5000 {
		t.Errorf("Gateway.Port = %d", cfg.Gateway.Port)
	}
}

func TestApplyEnvOverrides_InvalidPortIgnored(t *testing.T) {
	t.Setenv("MOLTGATE_GATEWAY_PORT", "not-a-port")
	cfg := &Config{}
	applyConfigDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Gateway.Port != 18789 {
		t.Errorf("invalid port override applied: %d", cfg.Gateway.Port)
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyConfigDefaults(cfg)
		return cfg
	}

	if err := validateConfig(base()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg := base()
	cfg.Gateway.Port = 70000
	if err := validateConfig(cfg); err == nil {
		t.Error("expected error for out-of-range port")
	}

	cfg = base()
	cfg.Sync.PollInterval = "soon"
	if err := validateConfig(cfg); err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("expected poll_interval error, got %v", err)
	}

	cfg = base()
	cfg.Gateway.StopGrace = "-1s"
	if err := validateConfig(cfg); err == nil {
		t.Error("expected error for negative duration")
	}

	cfg = base()
	cfg.Listen = "host:port:extra"
	if err := validateConfig(cfg); err == nil {
		t.Error("expected error for unparseable listen address")
	}
}

func TestMustDuration(t *testing.T) {
	if got := mustDuration("90s"); got.Seconds() != 90 {
		t.Errorf("mustDuration(90s) = %v", got)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid duration")
		}
	}()
	mustDuration("bogus")
}
