package moltgate

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CommandTemplate describes one invocation of the wrapped gateway CLI:
// the entrypoint, its [[ ]]-templated arguments, and the declared
// parameters the templates may reference.
type CommandTemplate struct {
	Entrypoint string                `yaml:"entrypoint"`
	Args       []string              `yaml:"args"`
	Parameters map[string]*ParamSpec `yaml:"parameters"`
}

// GatewayConfig controls the managed gateway process and how requests are
// forwarded to it.
type GatewayConfig struct {
	// Port the gateway binds. The proxy forwards here unless Backend is set.
	Port int `yaml:"port"`
	// Backend overrides the forwarding target with a full URL, for
	// deployments where the gateway runs in a separate service.
	Backend string `yaml:"backend"`
	// Command launches the gateway. Renders with the built-in parameters
	// port, token, state_dir and workspace_dir.
	Command      CommandTemplate `yaml:"command"`
	StopGrace    string          `yaml:"stop_grace"`
	RestartDelay string          `yaml:"restart_delay"`
	ReadyTimeout string          `yaml:"ready_timeout"`
}

// SyncConfig controls the bucket change poller.
type SyncConfig struct {
	PollInterval string `yaml:"poll_interval"`
}

// JournalConfig controls the local event journal.
type JournalConfig struct {
	// Path overrides the default location inside the state directory.
	Path      string `yaml:"path"`
	Retention string `yaml:"retention"`
}

// Config is the program configuration, loaded from YAML and overridable
// through MOLTGATE_* environment variables.
type Config struct {
	Listen         string        `yaml:"listen"`
	LogFile        string        `yaml:"log_file"`
	DataDir        string        `yaml:"data_dir"`
	BucketPrefix   string        `yaml:"bucket_prefix"`
	Bucket         BucketConfig  `yaml:"bucket"`
	SetupPassword  string        `yaml:"setup_password"`
	InternalSecret string        `yaml:"internal_secret"`
	Gateway        GatewayConfig `yaml:"gateway"`
	Sync           SyncConfig    `yaml:"sync"`
	Journal        JournalConfig `yaml:"journal"`

	// Onboard and Pairing invoke the gateway CLI with operator-supplied
	// parameters, validated against the declared specs.
	Onboard CommandTemplate `yaml:"onboard"`
	Pairing CommandTemplate `yaml:"pairing"`
}

// loadConfig reads the YAML config at path. A missing file is not an
// error: the built-in defaults describe a working single-container
// deployment.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("config: %s not found, using defaults", path)
			applyConfigDefaults(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("moltgate: failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("moltgate: failed to parse config %s: %w", path, err)
	}
	applyConfigDefaults(cfg)
	return cfg, nil
}

func strPtr(s string) *string { return &s }

// applyConfigDefaults fills every unset field with its default. The
// default command templates match the stock gateway CLI; deployments
// wrapping a fork override them in the config file.
func applyConfigDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = "8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/data"
	}
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = "moltbot"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18789
	}
	if cfg.Gateway.Command.Entrypoint == "" {
		cfg.Gateway.Command.Entrypoint = "moltbot"
	}
	if cfg.Gateway.Command.Args == nil {
		cfg.Gateway.Command.Args = []string{
			"gateway", "run",
			"--host", "0.0.0.0",
			"--port", "[[.port]]",
		}
	}
	if cfg.Gateway.StopGrace == "" {
		cfg.Gateway.StopGrace = "1s"
	}
	if cfg.Gateway.RestartDelay == "" {
		cfg.Gateway.RestartDelay = "2s"
	}
	if cfg.Gateway.ReadyTimeout == "" {
		cfg.Gateway.ReadyTimeout = "90s"
	}
	if cfg.Sync.PollInterval == "" {
		cfg.Sync.PollInterval = "30s"
	}
	if cfg.Journal.Retention == "" {
		cfg.Journal.Retention = "168h"
	}
	if cfg.Onboard.Entrypoint == "" {
		cfg.Onboard.Entrypoint = "moltbot"
	}
	if cfg.Onboard.Args == nil {
		cfg.Onboard.Args = []string{
			"onboard", "--no-input",
			"--token", "[[.bot_token]]",
			"--channel", "[[.channel]]",
			"--name", "[[.display_name]]",
		}
	}
	if cfg.Onboard.Parameters == nil {
		cfg.Onboard.Parameters = map[string]*ParamSpec{
			"bot_token":    {Validate: "value.size() >= 8"},
			"channel":      {Default: strPtr("general")},
			"display_name": {Default: strPtr("moltbot")},
		}
	}
	if cfg.Pairing.Entrypoint == "" {
		cfg.Pairing.Entrypoint = "moltbot"
	}
	if cfg.Pairing.Args == nil {
		cfg.Pairing.Args = []string{"pairing", "approve", "[[.channel]]", "[[.code]]"}
	}
	if cfg.Pairing.Parameters == nil {
		cfg.Pairing.Parameters = map[string]*ParamSpec{
			"channel": {Validate: "value.size() > 0"},
			"code":    {Validate: `value.matches("^[A-Za-z0-9-]{4,32}$")`},
		}
	}
}

// applyEnvOverrides lets MOLTGATE_* environment variables override the
// file, which keeps container deployments to a single image plus env.
func applyEnvOverrides(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&cfg.Listen, "MOLTGATE_LISTEN")
	setStr(&cfg.LogFile, "MOLTGATE_LOG_FILE")
	setStr(&cfg.DataDir, "MOLTGATE_DATA_DIR")
	setStr(&cfg.BucketPrefix, "MOLTGATE_BUCKET_PREFIX")
	setStr(&cfg.Bucket.Name, "MOLTGATE_BUCKET")
	setStr(&cfg.Bucket.Region, "MOLTGATE_BUCKET_REGION")
	setStr(&cfg.Bucket.Endpoint, "MOLTGATE_BUCKET_ENDPOINT")
	setStr(&cfg.Bucket.AccessKey, "MOLTGATE_BUCKET_ACCESS_KEY")
	setStr(&cfg.Bucket.SecretKey, "MOLTGATE_BUCKET_SECRET_KEY")
	setStr(&cfg.SetupPassword, "MOLTGATE_SETUP_PASSWORD")
	setStr(&cfg.InternalSecret, "MOLTGATE_INTERNAL_SECRET")
	setStr(&cfg.Gateway.Backend, "MOLTGATE_GATEWAY_BACKEND")
	if v := os.Getenv("MOLTGATE_GATEWAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			log.Printf("config: ignoring invalid MOLTGATE_GATEWAY_PORT %q", v)
		} else {
			cfg.Gateway.Port = port
		}
	}
}

// validateConfig rejects configurations that cannot possibly run. Checks
// that would require the network are deferred to startup proper.
func validateConfig(cfg *Config) error {
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("moltgate: invalid gateway port %d", cfg.Gateway.Port)
	}
	for name, val := range map[string]string{
		"gateway.stop_grace":    cfg.Gateway.StopGrace,
		"gateway.restart_delay": cfg.Gateway.RestartDelay,
		"gateway.ready_timeout": cfg.Gateway.ReadyTimeout,
		"sync.poll_interval":    cfg.Sync.PollInterval,
		"journal.retention":     cfg.Journal.Retention,
	} {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("moltgate: invalid duration for %s: %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("moltgate: duration for %s must be positive, got %q", name, val)
		}
	}
	if _, err := ParseListenAddr(cfg.Listen); err != nil {
		return err
	}
	return nil
}

// mustDuration returns the parsed duration of a validated config field.
func mustDuration(val string) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		panic(fmt.Sprintf("moltgate: unvalidated duration %q: %v", val, err))
	}
	return d
}
