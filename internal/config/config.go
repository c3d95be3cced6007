// Package config holds the per-document sync settings shared by the CLI, the
// storage host and the scenario harness.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/docsync/internal/docbroker"
	"github.com/agentworkforce/docsync/internal/lease"
	"github.com/agentworkforce/docsync/internal/wopi"
	"gopkg.in/yaml.v3"
)

const envPrefix = "DOCSYNC_"

type Config struct {
	LimitStoreFailures   int           `yaml:"limit_store_failures"`
	AlwaysSaveOnExit     bool          `yaml:"always_save_on_exit"`
	SaveOnExitUnmodified bool          `yaml:"save_on_exit_unmodified"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	ReadRetries          int           `yaml:"read_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`
	AutosaveInterval     time.Duration `yaml:"autosave_interval"`
	LeaseTTL             time.Duration `yaml:"lease_ttl"`
	RedisAddr            string        `yaml:"redis_addr"`
	LeasePrefix          string        `yaml:"lease_prefix"`
}

func Default() Config {
	return Config{
		LimitStoreFailures: docbroker.DefaultLimitStoreFailures,
		CallTimeout:        docbroker.DefaultCallTimeout,
		ReadRetries:        2,
		RetryDelay:         docbroker.DefaultRetryDelay,
		MaxRetryDelay:      docbroker.DefaultMaxRetryDelay,
		LeaseTTL:           lease.DefaultTTL,
		LeasePrefix:        lease.DefaultRedisPrefix,
	}
}

// Load reads a YAML config file on top of the defaults. Unknown keys are
// rejected. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode parses YAML into cfg, keeping the values of keys the document does
// not mention.
func Decode(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillDefaults()
	return cfg.Validate()
}

// ApplyEnv overrides settings from DOCSYNC_* environment variables.
func (c *Config) ApplyEnv() {
	c.LimitStoreFailures = intEnv(envPrefix+"LIMIT_STORE_FAILURES", c.LimitStoreFailures)
	c.AlwaysSaveOnExit = boolEnv(envPrefix+"ALWAYS_SAVE_ON_EXIT", c.AlwaysSaveOnExit)
	c.SaveOnExitUnmodified = boolEnv(envPrefix+"SAVE_ON_EXIT_UNMODIFIED", c.SaveOnExitUnmodified)
	c.CallTimeout = durationEnv(envPrefix+"CALL_TIMEOUT", c.CallTimeout)
	c.ReadRetries = intEnv(envPrefix+"READ_RETRIES", c.ReadRetries)
	c.RetryDelay = durationEnv(envPrefix+"RETRY_DELAY", c.RetryDelay)
	c.MaxRetryDelay = durationEnv(envPrefix+"MAX_RETRY_DELAY", c.MaxRetryDelay)
	c.AutosaveInterval = durationEnv(envPrefix+"AUTOSAVE_INTERVAL", c.AutosaveInterval)
	c.LeaseTTL = durationEnv(envPrefix+"LEASE_TTL", c.LeaseTTL)
	c.RedisAddr = envOrDefault(envPrefix+"REDIS_ADDR", c.RedisAddr)
	c.LeasePrefix = envOrDefault(envPrefix+"LEASE_PREFIX", c.LeasePrefix)
}

func (c Config) Validate() error {
	if c.LimitStoreFailures <= 0 {
		return fmt.Errorf("limit_store_failures must be positive, got %d", c.LimitStoreFailures)
	}
	if c.ReadRetries < 0 {
		return fmt.Errorf("read_retries cannot be negative, got %d", c.ReadRetries)
	}
	if c.AutosaveInterval < 0 {
		return fmt.Errorf("autosave_interval cannot be negative, got %s", c.AutosaveInterval)
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("max_retry_delay %s is below retry_delay %s", c.MaxRetryDelay, c.RetryDelay)
	}
	return nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.LimitStoreFailures == 0 {
		c.LimitStoreFailures = d.LimitStoreFailures
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
		if c.MaxRetryDelay < c.RetryDelay {
			c.MaxRetryDelay = c.RetryDelay
		}
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if strings.TrimSpace(c.LeasePrefix) == "" {
		c.LeasePrefix = d.LeasePrefix
	}
}

func (c Config) Policy() docbroker.Policy {
	p := docbroker.Policy{AlwaysSaveOnExit: c.AlwaysSaveOnExit}
	if c.SaveOnExitUnmodified {
		p.ExitSave = docbroker.ExitSaveUnconditional
	}
	return p
}

func (c Config) ClientOptions(logger wopi.Logger) wopi.ClientOptions {
	return wopi.ClientOptions{
		Timeout:     c.CallTimeout,
		ReadRetries: c.ReadRetries,
		BaseDelay:   c.RetryDelay,
		MaxDelay:    c.MaxRetryDelay,
		Logger:      logger,
	}
}

// BrokerOptions builds the template options of a document; Key is left for
// the caller or the docbroker.Manager to fill in.
func (c Config) BrokerOptions(client wopi.Client, listener docbroker.Listener, logger docbroker.Logger) docbroker.Options {
	return docbroker.Options{
		Client:             client,
		Policy:             c.Policy(),
		LimitStoreFailures: c.LimitStoreFailures,
		CallTimeout:        c.CallTimeout,
		RetryDelay:         c.RetryDelay,
		MaxRetryDelay:      c.MaxRetryDelay,
		AutosaveInterval:   c.AutosaveInterval,
		Listener:           listener,
		Logger:             logger,
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
