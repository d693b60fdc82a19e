package config

import "github.com/spf13/viper"

// applyDefaults registers the default value for every key so a minimal
// configuration file (or none at all) still yields a runnable service.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("shutdown_timeout", "30s")

	v.SetDefault("database.type", "sqlite")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8430")

	// Link layer timeouts default to the ASTM E1381 values; they are
	// repeated here so `config show` surfaces them.
	v.SetDefault("link.enq_ack_timeout", "15s")
	v.SetDefault("link.frame_ack_timeout", "15s")
	v.SetDefault("link.intra_transmission_timeout", "30s")
	v.SetDefault("link.enq_retry_delay", "10s")
	v.SetDefault("link.split_limit", 240)

	v.SetDefault("messaging.enabled", false)
	v.SetDefault("messaging.order_queue_prefix", "astm.orders.")
	v.SetDefault("messaging.result_queue_name", "astm.results")
	v.SetDefault("messaging.retry.batch_size", 20)
	v.SetDefault("messaging.retry.max_attempts", 5)
	v.SetDefault("messaging.retry.collision_delay_minutes", 30)
	v.SetDefault("messaging.retry.connection_delay_minutes", 5)
	v.SetDefault("messaging.retry.schedule_interval_ms", 60000)
}

// DefaultTemplate is the commented configuration written by
// `astmlink config init`.
const DefaultTemplate = `# astmlink configuration
logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text, json
  output: stdout     # stdout, stderr, or a file path

shutdown_timeout: 30s

database:
  type: sqlite       # sqlite | postgres
  sqlite:
    path: ""         # default: $XDG_CONFIG_HOME/astmlink/astmlink.db
  # postgres:
  #   host: localhost
  #   port: 5432
  #   database: astmlink
  #   user: astmlink
  #   password: ""
  #   ssl_mode: disable

api:
  enabled: true
  listen: ":8430"    # /healthz, /status, /metrics

link:
  enq_ack_timeout: 15s
  frame_ack_timeout: 15s
  intra_transmission_timeout: 30s
  enq_retry_delay: 10s
  split_limit: 240

messaging:
  enabled: false     # false stubs the broker; publishes succeed immediately
  kafka:
    brokers: ["localhost:9092"]
  order_queue_prefix: "astm.orders."
  result_queue_name: "astm.results"
  retry:
    batch_size: 20
    max_attempts: 5
    collision_delay_minutes: 30
    connection_delay_minutes: 5
    schedule_interval_ms: 60000

instruments:
  - name: VISION-1
    port: 4001
    driver: vision   # vision | generic
    max_connections: 5
    connection_timeout_seconds: 30
    keep_alive_interval_minutes: 10
    # order_queue_name: ""   # default: <order_queue_prefix><lowercase name>
    # result_queue_name: ""  # default: messaging.result_queue_name
`
