// Package config loads daemon configuration from quill.yaml and the
// environment via viper. Environment variables use the QUILL_ prefix with
// dots replaced by underscores (QUILL_PIPELINE_SEMANTIC_TOP_K).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved daemon configuration.
type Config struct {
	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"storage"`

	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Auth struct {
		// PublicKey is a base64-encoded Ed25519 SPKI public key used to
		// verify bearer tokens.
		PublicKey        string `mapstructure:"public_key"`
		Issuer           string `mapstructure:"issuer"`
		AllowDevIdentity bool   `mapstructure:"allow_dev_identity"`
	} `mapstructure:"auth"`

	Jobs struct {
		DefaultTimeoutSeconds  int `mapstructure:"default_timeout_seconds"`
		MaxRetries             int `mapstructure:"max_retries"`
		ReclaimIntervalSeconds int `mapstructure:"reclaim_interval_seconds"`
	} `mapstructure:"jobs"`

	Pipeline struct {
		SemanticTopK    int     `mapstructure:"semantic_top_k"`
		SimilarityFloor float64 `mapstructure:"similarity_floor"`
		Thresholds      struct {
			Integrate float64 `mapstructure:"integrate"`
			Low       float64 `mapstructure:"low"`
			Friction  float64 `mapstructure:"friction"`
		} `mapstructure:"thresholds"`
		IncludeMirrored  bool `mapstructure:"include_mirrored"`
		RetroPropagation bool `mapstructure:"retro_propagation"`
	} `mapstructure:"pipeline"`

	Fragmenter struct {
		TokenBudget int `mapstructure:"token_budget"`
	} `mapstructure:"fragmenter"`

	Review struct {
		FrictionThreshold float64 `mapstructure:"friction_threshold"`
	} `mapstructure:"review"`

	Subscriptions struct {
		PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	} `mapstructure:"subscriptions"`

	Quotas struct {
		EntriesPerDay int `mapstructure:"entries_per_day"`
	} `mapstructure:"quotas"`

	Log struct {
		Path       string `mapstructure:"path"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"log"`
}

// ReclaimInterval returns the reclaimer poll cadence.
func (c *Config) ReclaimInterval() time.Duration {
	return time.Duration(c.Jobs.ReclaimIntervalSeconds) * time.Second
}

// MirrorPollInterval returns the subscription poller cadence.
func (c *Config) MirrorPollInterval() time.Duration {
	return time.Duration(c.Subscriptions.PollIntervalSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.path", "quill.db")
	v.SetDefault("server.addr", "127.0.0.1:7433")
	v.SetDefault("auth.issuer", "quill")
	v.SetDefault("auth.allow_dev_identity", false)
	v.SetDefault("jobs.default_timeout_seconds", 120)
	v.SetDefault("jobs.max_retries", 3)
	v.SetDefault("jobs.reclaim_interval_seconds", 15)
	v.SetDefault("pipeline.semantic_top_k", 5)
	v.SetDefault("pipeline.similarity_floor", 0.5)
	v.SetDefault("pipeline.thresholds.integrate", 0.75)
	v.SetDefault("pipeline.thresholds.low", 0.30)
	v.SetDefault("pipeline.thresholds.friction", 0.60)
	v.SetDefault("pipeline.include_mirrored", true)
	v.SetDefault("pipeline.retro_propagation", false)
	v.SetDefault("fragmenter.token_budget", 4000)
	v.SetDefault("review.friction_threshold", 0.80)
	v.SetDefault("subscriptions.poll_interval_seconds", 60)
	v.SetDefault("quotas.entries_per_day", 0)
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
}

// Load reads configuration from the given file (optional) and environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("quill")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A config file is optional; defaults plus env suffice.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Jobs.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("jobs.default_timeout_seconds must be positive")
	}
	if c.Pipeline.SemanticTopK <= 0 {
		return fmt.Errorf("pipeline.semantic_top_k must be positive")
	}
	if c.Subscriptions.PollIntervalSeconds < 10 {
		return fmt.Errorf("subscriptions.poll_interval_seconds must be at least 10")
	}
	if f := c.Pipeline.SimilarityFloor; f < 0 || f > 1 {
		return fmt.Errorf("pipeline.similarity_floor must be in [0,1]")
	}
	return nil
}
