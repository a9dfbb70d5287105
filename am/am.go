package am

// Config represents the metronome configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// Queue backends
const (
	QueueBackendSQLite = "sqlite"
	QueueBackendRedis  = "redis"
)

// QueueConfig selects where queue entries live. The job store is always SQLite.
type QueueConfig struct {
	Backend string      `mapstructure:"backend"` // sqlite (default) or redis
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the Redis queue backend
type RedisConfig struct {
	URL    string `mapstructure:"url"`    // redis://host:6379/0
	Prefix string `mapstructure:"prefix"` // key namespace (default: metronome)
}

// PulseConfig configures the job engine
type PulseConfig struct {
	Workers             int `mapstructure:"workers"`               // concurrent workers (default: 2, 0 = submit-only)
	PollIntervalMS      int `mapstructure:"poll_interval_ms"`      // idle poll interval (default: 500)
	LeaseTimeoutSeconds int `mapstructure:"lease_timeout_seconds"` // claim lease before another worker may take over (default: 300)
	ReapIntervalSeconds int `mapstructure:"reap_interval_seconds"` // how often expired leases are released (default: 15)
	MaxStartsPerMinute  int `mapstructure:"max_starts_per_minute"` // 0 = unlimited
	MaxLogsPerJob       int `mapstructure:"max_logs_per_job"`      // 0 = unbounded
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = default 7420, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig configures process logging
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// TasksConfig configures built-in task functions
type TasksConfig struct {
	HTTP HTTPTaskConfig `mapstructure:"http"`
}

// HTTPTaskConfig configures the http.request task
type HTTPTaskConfig struct {
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
	AllowPrivate   bool `mapstructure:"allow_private"` // permit loopback/private targets
}

// Server port constants
const (
	DefaultServerPort = 7420
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
