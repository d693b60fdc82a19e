package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlis/astmlink/internal/server"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
instruments:
  - name: VISION-1
    port: 4001
    driver: vision
`

func TestLoad(t *testing.T) {
	t.Run("MinimalFileGetsDefaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalConfig))
		require.NoError(t, err)

		assert.Equal(t, "INFO", cfg.Logging.Level)
		assert.Equal(t, "text", cfg.Logging.Format)
		assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
		assert.Equal(t, ":8430", cfg.API.Listen)
		assert.True(t, cfg.API.Enabled)
		assert.False(t, cfg.Messaging.Enabled)
		assert.Equal(t, 15*time.Second, cfg.Link.EnqAckTimeout)
		assert.Equal(t, 240, cfg.Link.SplitLimit)

		require.Len(t, cfg.Instruments, 1)
		inst := cfg.Instruments[0]
		assert.Equal(t, "VISION-1", inst.Name)
		assert.Equal(t, 4001, inst.Port)
		assert.Equal(t, 5, inst.MaxConnections, "instrument defaults applied")
	})

	t.Run("FullFile", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
logging: {level: DEBUG, format: json, output: stderr}
shutdown_timeout: 10s
link:
  enq_ack_timeout: 5s
  split_limit: 120
messaging:
  enabled: true
  kafka:
    brokers: ["k1:9092", "k2:9092"]
  order_queue_prefix: "lab.orders."
  result_queue_name: "lab.results"
  retry:
    max_attempts: 3
instruments:
  - name: VISION-1
    port: 4001
    keep_alive_interval_minutes: 10
  - name: ECHO-2
    port: 4002
    order_queue_name: "custom.orders"
`))
		require.NoError(t, err)

		assert.Equal(t, "DEBUG", cfg.Logging.Level)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Messaging.Kafka.Brokers)
		assert.Equal(t, 3, cfg.Messaging.Retry.MaxAttempts)
		assert.Equal(t, 5*time.Second, cfg.Link.ToLink().EnqAckTimeout)
		assert.Equal(t, 120, cfg.Link.ToLink().SplitLimit)

		assert.Equal(t, "lab.orders.vision-1", cfg.OrderQueueFor(cfg.Instruments[0]))
		assert.Equal(t, "custom.orders", cfg.OrderQueueFor(cfg.Instruments[1]))
		assert.Equal(t, "lab.results", cfg.ResultQueueFor(cfg.Instruments[0]))
	})

	t.Run("MissingFileNeedsInstruments", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err, "no instruments configured")
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Logging:         LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
			ShutdownTimeout: 30 * time.Second,
			Instruments: []server.InstrumentConfig{
				{Name: "A", Port: 4001},
				{Name: "B", Port: 4002},
			},
		}
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("DuplicateName", func(t *testing.T) {
		cfg := base()
		cfg.Instruments[1].Name = "A"
		assert.ErrorContains(t, cfg.Validate(), "duplicate instrument name")
	})

	t.Run("DuplicatePort", func(t *testing.T) {
		cfg := base()
		cfg.Instruments[1].Port = 4001
		assert.ErrorContains(t, cfg.Validate(), "share port")
	})

	t.Run("BadLevel", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Level = "LOUD"
		assert.Error(t, cfg.Validate())
	})

	t.Run("BadKeepAliveInterval", func(t *testing.T) {
		cfg := base()
		cfg.Instruments[0].KeepAliveIntervalMinutes = 2000
		assert.Error(t, cfg.Validate())
	})

	t.Run("MessagingNeedsBrokers", func(t *testing.T) {
		cfg := base()
		cfg.Messaging.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "no kafka brokers")
	})
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ASTMLINK_LOGGING_LEVEL", "ERROR")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestDump(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.Contains(t, out, "VISION-1")
	assert.Contains(t, out, "shutdown_timeout")
}

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := Load(writeConfig(t, DefaultTemplate))
	require.NoError(t, err)
	require.Len(t, cfg.Instruments, 1)
	assert.Equal(t, "vision", cfg.Instruments[0].Driver)
	assert.Equal(t, "astm.orders.vision-1", cfg.OrderQueueFor(cfg.Instruments[0]))
}
