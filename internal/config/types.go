package config

// Config is the daemon configuration file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Metrics    MetricsConfig    `json:"metrics,omitempty"`

	// Schedules are seeded through the store adapter at startup. A schedule
	// whose trigger already has a persisted record is left as recovered.
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedvault.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	CompactAt   int    `json:"compact_at,omitempty"`   // file
}

type SchedulerConfig struct {
	// Trigger timezone (IANA name). Empty means Local.
	Timezone string `json:"timezone,omitempty"`

	// NoStartupSpread disables the random first-fire delay of interval triggers.
	NoStartupSpread bool `json:"no_startup_spread,omitempty"`
}

// TaskEngineConfig controls job execution.
//
// Defaults (when omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
//   - retry_base: "500ms"
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
//
// Security note: binding to a non-loopback address requires a token or
// allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path          string `json:"path,omitempty"` // default: "/metrics"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof                bool `json:"pprof,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ScheduleConfig seeds one job and its trigger.
//
// Keys accept "name", "group/name" or "namespace/group/name". Trigger
// defaults to the job key. StartAt/EndAt are RFC 3339 timestamps.
type ScheduleConfig struct {
	Job                string            `json:"job"`
	Kind               string            `json:"kind"`
	Description        string            `json:"description,omitempty"`
	Data               map[string]string `json:"data,omitempty"`
	DisallowConcurrent bool              `json:"disallow_concurrent,omitempty"`

	Trigger  string `json:"trigger,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	StartAt  string `json:"start_at,omitempty"`
	EndAt    string `json:"end_at,omitempty"`
	Paused   bool   `json:"paused,omitempty"`
}

// EngineEnabled reports task_engine.enabled, defaulting to true.
func (c *Config) EngineEnabled() bool {
	if c == nil || c.TaskEngine.Enabled == nil {
		return true
	}
	return *c.TaskEngine.Enabled
}
