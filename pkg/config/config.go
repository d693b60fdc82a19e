// Package config loads and validates the astmlink configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority, applied by the commands)
//  2. Environment variables (ASTMLINK_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openlis/astmlink/internal/astm/link"
	"github.com/openlis/astmlink/internal/broker/kafka"
	"github.com/openlis/astmlink/internal/dispatch"
	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/internal/server"
	"github.com/openlis/astmlink/internal/store"
)

// Config is the root of the astmlink configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures the message store (SQLite or PostgreSQL).
	Database store.Config `mapstructure:"database" yaml:"database"`

	// API configures the read-only admin HTTP endpoint.
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Link carries the ASTM link layer tunables shared by all instruments.
	Link LinkConfig `mapstructure:"link" yaml:"link"`

	// Messaging configures the broker side: Kafka connection, queue
	// naming and the retry policy.
	Messaging MessagingConfig `mapstructure:"messaging" yaml:"messaging"`

	// Instruments lists the analyzers this service fronts; one TCP
	// listener is opened per entry.
	Instruments []server.InstrumentConfig `mapstructure:"instruments" validate:"required,min=1,dive" yaml:"instruments"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// APIConfig configures the admin HTTP endpoint (/healthz, /status,
// /metrics).
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// LinkConfig is the file-level shape of the link layer tunables.
type LinkConfig struct {
	EnqAckTimeout   time.Duration `mapstructure:"enq_ack_timeout" yaml:"enq_ack_timeout"`
	FrameAckTimeout time.Duration `mapstructure:"frame_ack_timeout" yaml:"frame_ack_timeout"`
	IntraTimeout    time.Duration `mapstructure:"intra_transmission_timeout" yaml:"intra_transmission_timeout"`
	EnqRetryDelay   time.Duration `mapstructure:"enq_retry_delay" yaml:"enq_retry_delay"`
	SplitLimit      int           `mapstructure:"split_limit" validate:"min=0" yaml:"split_limit"`
}

// ToLink converts to the link package's config. Zero values select the
// protocol defaults there.
func (c LinkConfig) ToLink() link.Config {
	return link.Config{
		EnqAckTimeout:   c.EnqAckTimeout,
		FrameAckTimeout: c.FrameAckTimeout,
		IntraTimeout:    c.IntraTimeout,
		EnqRetryDelay:   c.EnqRetryDelay,
		SplitLimit:      c.SplitLimit,
	}
}

// MessagingConfig configures the broker boundary.
type MessagingConfig struct {
	// Enabled selects the Kafka binding; when false the broker is stubbed
	// and publish calls succeed immediately.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Kafka carries the connection settings for the Kafka binding.
	Kafka kafka.Config `mapstructure:"kafka" yaml:"kafka"`

	// OrderQueuePrefix derives per-instrument order queue names when an
	// instrument does not name its own queue.
	OrderQueuePrefix string `mapstructure:"order_queue_prefix" yaml:"order_queue_prefix"`

	// ResultQueueName is the fallback destination for inbound publishes.
	ResultQueueName string `mapstructure:"result_queue_name" yaml:"result_queue_name"`

	// Retry is the outbound retry policy.
	Retry dispatch.Config `mapstructure:"retry" yaml:"retry"`
}

// OrderQueueFor resolves the order queue name for an instrument.
func (c *Config) OrderQueueFor(inst server.InstrumentConfig) string {
	if inst.OrderQueueName != "" {
		return inst.OrderQueueName
	}
	return c.Messaging.OrderQueuePrefix + strings.ToLower(inst.Name)
}

// ResultQueueFor resolves the result queue name for an instrument.
func (c *Config) ResultQueueFor(inst server.InstrumentConfig) string {
	if inst.ResultQueueName != "" {
		return inst.ResultQueueName
	}
	return c.Messaging.ResultQueueName
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/astmlink/config.yaml.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, _ := os.UserHomeDir()
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "astmlink", "config.yaml")
}

// Load reads the configuration from the given file (or the default path
// when empty), applies environment overrides and defaults, and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix("ASTMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env may be a complete
		// configuration (containerized deployments do exactly this).
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Database.ApplyDefaults()
	for i := range cfg.Instruments {
		cfg.Instruments[i].ApplyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct validation plus the cross-field checks the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	names := map[string]bool{}
	ports := map[int]string{}
	for _, inst := range c.Instruments {
		if names[inst.Name] {
			return fmt.Errorf("invalid configuration: duplicate instrument name %q", inst.Name)
		}
		names[inst.Name] = true

		if other, taken := ports[inst.Port]; taken {
			return fmt.Errorf("invalid configuration: instruments %q and %q share port %d", other, inst.Name, inst.Port)
		}
		ports[inst.Port] = inst.Name
	}

	if c.Messaging.Enabled && len(c.Messaging.Kafka.Brokers) == 0 {
		return fmt.Errorf("invalid configuration: messaging enabled but no kafka brokers listed")
	}
	return nil
}

// Watch re-reads the file on change and applies the settings that can move
// at runtime (today: the log level and format). onChange may be nil.
func Watch(path string, onChange func(*Config)) {
	v := viper.New()
	if path == "" {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return // nothing to watch
	}

	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("ignoring config change", logger.KeyError, err.Error())
			return
		}
		logger.SetLevel(cfg.Logging.Level)
		logger.SetFormat(cfg.Logging.Format)
		logger.Info("configuration reloaded", "path", path)
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
}

// Dump renders the configuration as YAML (for `astmlink config show`).
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
