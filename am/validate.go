package am

import (
	"strings"

	"github.com/teranos/metronome/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be in 1..65535, got %d", *c.Server.Port)
	}

	switch c.GetQueueBackend() {
	case QueueBackendSQLite:
	case QueueBackendRedis:
		if c.Queue.Redis.URL == "" {
			return errors.New("queue.redis.url cannot be empty when queue.backend is redis")
		}
	default:
		return errors.Newf("queue.backend must be %q or %q, got %q", QueueBackendSQLite, QueueBackendRedis, c.Queue.Backend)
	}

	// Pulse workers: 0 = submit-only process, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalMS < 0 {
		return errors.Newf("pulse.poll_interval_ms must be >= 0, got %d", c.Pulse.PollIntervalMS)
	}
	if c.Pulse.LeaseTimeoutSeconds < 0 {
		return errors.Newf("pulse.lease_timeout_seconds must be >= 0, got %d", c.Pulse.LeaseTimeoutSeconds)
	}
	if c.Pulse.ReapIntervalSeconds < 0 {
		return errors.Newf("pulse.reap_interval_seconds must be >= 0, got %d", c.Pulse.ReapIntervalSeconds)
	}
	if c.Pulse.MaxStartsPerMinute < 0 {
		return errors.Newf("pulse.max_starts_per_minute must be >= 0, got %d", c.Pulse.MaxStartsPerMinute)
	}
	if c.Pulse.MaxLogsPerJob < 0 {
		return errors.Newf("pulse.max_logs_per_job must be >= 0, got %d", c.Pulse.MaxLogsPerJob)
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	if c.Tasks.HTTP.TimeoutSeconds < 0 {
		return errors.Newf("tasks.http.timeout_seconds must be >= 0, got %d", c.Tasks.HTTP.TimeoutSeconds)
	}

	return nil
}
