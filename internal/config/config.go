// Package config loads the orchestrator's configuration from a YAML file
// (gopkg.in/yaml.v3) with environment-variable overrides.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runnerhub/orchestrator/internal/security"
)

// Config is the orchestrator's recognized configuration surface.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Dispatch struct {
		Workers int `yaml:"workers"`
	} `yaml:"dispatch"`

	Queue struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"queue"`

	Autoscaler struct {
		TickSeconds    int `yaml:"tick_s"`
		DefaultPolicy  struct {
			MinRunners     int     `yaml:"min_runners"`
			MaxRunners     int     `yaml:"max_runners"`
			ScaleIncrement int     `yaml:"scale_increment"`
		} `yaml:"default_policy"`
	} `yaml:"autoscaler"`

	Cleanup struct {
		IntervalSeconds int      `yaml:"interval_s"`
		Policies        []string `yaml:"policies"`
	} `yaml:"cleanup"`

	Network struct {
		CIDR       string `yaml:"cidr"`
		IdleTTLSec int    `yaml:"idle_ttl_s"`
	} `yaml:"network"`

	Upstream struct {
		BaseURL  string `yaml:"base_url"`
		Strategy string `yaml:"strategy"`
		MaxRPH   int    `yaml:"max_rph"`
		Token    string `yaml:"token"`
	} `yaml:"upstream"`

	Webhook struct {
		Secret           string `yaml:"secret"`
		DedupTTLSeconds  int    `yaml:"dedup_ttl_s"`
		ReplayFailedMax  int    `yaml:"replay_failed_max"`
	} `yaml:"webhook"`

	Container struct {
		DefaultCPULimit  float64 `yaml:"default_cpu_limit"`
		DefaultMemBytes  int64   `yaml:"default_mem_bytes"`
		DefaultPidsLimit int64   `yaml:"default_pids_limit"`
		ImagePrefix      string  `yaml:"image_prefix"`
	} `yaml:"container"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// Default returns a Config populated with the orchestrator's baseline defaults.
func Default() Config {
	var c Config
	c.DataDir = "/var/lib/runnerhub"
	c.Dispatch.Workers = 8
	c.Queue.MaxAttempts = 5
	c.Autoscaler.TickSeconds = 30
	c.Autoscaler.DefaultPolicy.MinRunners = 1
	c.Autoscaler.DefaultPolicy.MaxRunners = 10
	c.Autoscaler.DefaultPolicy.ScaleIncrement = 1
	c.Cleanup.IntervalSeconds = 300
	c.Cleanup.Policies = []string{"idle", "failed", "orphaned", "expired"}
	c.Network.CIDR = "10.100.0.0/16"
	c.Network.IdleTTLSec = 3600
	c.Upstream.Strategy = "adaptive"
	c.Webhook.DedupTTLSeconds = 60
	c.Webhook.ReplayFailedMax = 100
	c.Container.DefaultCPULimit = 1.0
	c.Container.DefaultMemBytes = 2 << 30
	c.Container.DefaultPidsLimit = 512
	c.Container.ImagePrefix = "runnerhub"
	c.HTTP.Addr = ":8080"
	c.Log.Level = "info"
	return c
}

// Load reads a YAML config file, falling back to defaults for zero-value
// fields, then applies RUNNERHUB_-prefixed environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyEnvOverrides(&cfg)
				return cfg, nil
			}
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// encSecretPrefix marks a config value as AES-256-GCM ciphertext, base64
// encoded, decryptable with the process-wide instance key set at startup by
// security.SetInstanceEncryptionKey. Plain-text values (the common case for
// local/dev configs) pass through unchanged.
const encSecretPrefix = "enc:"

// DecryptSecrets resolves any "enc:"-prefixed fields (upstream.token,
// webhook.secret) against the instance encryption key, keeping them
// encrypted at rest and decrypting them into memory only once the key is
// available at startup.
func (c *Config) DecryptSecrets() error {
	token, err := decryptIfEncrypted(c.Upstream.Token)
	if err != nil {
		return fmt.Errorf("decrypt upstream.token: %w", err)
	}
	c.Upstream.Token = token

	secret, err := decryptIfEncrypted(c.Webhook.Secret)
	if err != nil {
		return fmt.Errorf("decrypt webhook.secret: %w", err)
	}
	c.Webhook.Secret = secret
	return nil
}

func decryptIfEncrypted(v string) (string, error) {
	if !strings.HasPrefix(v, encSecretPrefix) {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, encSecretPrefix))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := security.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// applyEnvOverrides allows a small set of operationally hot settings to be
// overridden without editing the file, for deployments that inject secrets
// and paths through the environment rather than baking them into it.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNNERHUB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RUNNERHUB_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("RUNNERHUB_UPSTREAM_TOKEN"); v != "" {
		cfg.Upstream.Token = v
	}
	if v := os.Getenv("RUNNERHUB_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("RUNNERHUB_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("RUNNERHUB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RUNNERHUB_DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.Workers = n
		}
	}
}

// ParseDuration parses s as a time.Duration, returning fallback when s is
// empty or not a valid duration string.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// SplitCSV splits a comma-separated list and trims whitespace, used for
// cleanup.policies-style options when supplied via environment variable.
func SplitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
