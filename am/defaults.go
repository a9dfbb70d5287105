package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "metronome.db")

	v.SetDefault("queue.backend", QueueBackendSQLite)
	v.SetDefault("queue.redis.url", "redis://localhost:6379/0")
	v.SetDefault("queue.redis.prefix", "metronome")

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 500)
	v.SetDefault("pulse.lease_timeout_seconds", 300)
	v.SetDefault("pulse.reap_interval_seconds", 15)
	v.SetDefault("pulse.max_starts_per_minute", 0)
	v.SetDefault("pulse.max_logs_per_job", 500)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("tasks.http.timeout_seconds", 30)
	v.SetDefault("tasks.http.allow_private", false)
}

// BindEnvVars binds keys whose env names don't follow the prefix convention
func BindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("queue.redis.url", "METRONOME_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("database.path", "METRONOME_DATABASE_PATH", "DB_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "metronome.db"
	}
	return c.Database.Path
}

// GetServerPort returns the configured port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetQueueBackend returns the queue backend name (default: sqlite)
func (c *Config) GetQueueBackend() string {
	if c.Queue.Backend == "" {
		return QueueBackendSQLite
	}
	return c.Queue.Backend
}

// GetRedisPrefix returns the Redis key namespace (default: metronome)
func (c *Config) GetRedisPrefix() string {
	if c.Queue.Redis.Prefix == "" {
		return "metronome"
	}
	return c.Queue.Redis.Prefix
}

// PollInterval returns the worker idle poll interval
func (c *PulseConfig) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// LeaseTimeout returns the claim lease duration
func (c *PulseConfig) LeaseTimeout() time.Duration {
	if c.LeaseTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.LeaseTimeoutSeconds) * time.Second
}

// ReapInterval returns how often expired leases are released
func (c *PulseConfig) ReapInterval() time.Duration {
	if c.ReapIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// HTTPTimeout returns the http.request task timeout
func (c *TasksConfig) HTTPTimeout() time.Duration {
	if c.HTTP.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Queue: %s, Pulse: {Workers: %d, Lease: %s}}",
		c.GetDatabasePath(), c.GetQueueBackend(), c.Pulse.Workers, c.Pulse.LeaseTimeout())
}
