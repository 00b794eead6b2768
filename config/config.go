package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Listener  ListenerConfig  `yaml:"listener"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"SERVER_ADDR"             env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"                env:"DATABASE_URL"                env-required:"true"`
	MaxConns        int32         `yaml:"max_conns"          env:"DATABASE_MAX_CONNS"          env-default:"25"`
	MinConns        int32         `yaml:"min_conns"          env:"DATABASE_MIN_CONNS"          env-default:"2"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"DATABASE_MAX_CONN_LIFETIME"  env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DATABASE_MAX_CONN_IDLE_TIME" env-default:"30m"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"   env:"DATABASE_MIGRATE_ON_START"   env-default:"true"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// SchedulerConfig controls the deadline sweep and per-check bound.
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"      env:"SCHEDULER_INTERVAL"      env-default:"60s"`
	CheckTimeout time.Duration `yaml:"check_timeout" env:"SCHEDULER_CHECK_TIMEOUT" env-default:"5s"`
	Concurrency  int           `yaml:"concurrency"   env:"SCHEDULER_CONCURRENCY"   env-default:"8"`
}

// DispatchConfig controls summary delivery.
type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"    env:"DISPATCH_MAX_ATTEMPTS"    env-default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"DISPATCH_INITIAL_BACKOFF" env-default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff"     env:"DISPATCH_MAX_BACKOFF"     env-default:"5s"`
	Concurrency    int           `yaml:"concurrency"     env:"DISPATCH_CONCURRENCY"     env-default:"8"`
	Lease          time.Duration `yaml:"lease"           env:"DISPATCH_LEASE"           env-default:"2m"`
	Language       string        `yaml:"language"        env:"DISPATCH_LANGUAGE"        env-default:"en"`
	// Transport is "outbox" (mail worker consumes voting.summary_email) or "log".
	Transport string `yaml:"transport" env:"DISPATCH_TRANSPORT" env-default:"outbox"`
}

// OutboxConfig controls the relay that feeds completion events to the dispatcher.
type OutboxConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"   env:"OUTBOX_POLL_INTERVAL"   env-default:"2s"`
	BatchSize      int           `yaml:"batch_size"      env:"OUTBOX_BATCH_SIZE"      env-default:"50"`
	MaxAttempts    int           `yaml:"max_attempts"    env:"OUTBOX_MAX_ATTEMPTS"    env-default:"8"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"OUTBOX_INITIAL_BACKOFF" env-default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff"     env:"OUTBOX_MAX_BACKOFF"     env-default:"5m"`
	Concurrency    int           `yaml:"concurrency"     env:"OUTBOX_CONCURRENCY"     env-default:"8"`
	ClaimLease     time.Duration `yaml:"claim_lease"     env:"OUTBOX_CLAIM_LEASE"     env-default:"2m"`
}

// ListenerConfig controls the ballot_changed LISTEN consumer.
type ListenerConfig struct {
	Enabled     bool   `yaml:"enabled"     env:"LISTENER_ENABLED"     env-default:"true"`
	Channel     string `yaml:"channel"     env:"LISTENER_CHANNEL"     env-default:"ballot_changed"`
	Concurrency int    `yaml:"concurrency" env:"LISTENER_CONCURRENCY" env-default:"16"`
}

// TelemetryConfig enables OTLP tracing when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"     env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"board-voting"`
}
