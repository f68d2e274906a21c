package config

import (
	"adzanbot/pkg/prayertime"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	MQTT     MQTTConfig     `json:"mqtt"`
	HTTP     HTTPConfig     `json:"http"`

	// Storage is optional; nil or driver "none" keeps everything in memory.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Scheduler controls triggers (cron/interval/once) and the local timezone
	// used for calendar days.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of scheduled jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Prayer PrayerConfig `json:"prayer"`
	Alerts AlertsConfig `json:"alerts"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward copies WARN+ lines to the alerts chat.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Enabled bool `json:"enabled"`
	// Token may be left empty and supplied via ADZANBOT_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

// MQTTConfig publishes alerts for wall displays and home automation.
type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	// Password may be supplied via ADZANBOT_MQTT_PASSWORD.
	Password       string `json:"password,omitempty"`
	Topic          string `json:"topic"`
	QoS            int    `json:"qos"`
	Retained       bool   `json:"retained,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// HTTPConfig controls the JSON API used by the UI.
//
// Prefer binding to localhost. A non-loopback Addr requires Token.
type HTTPConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token        string   `json:"token,omitempty"` // optional bearer token (do not log)
	CORSOrigins  []string `json:"cors_origins,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	storage: {driver: sqlite, path: ./data/adzanbot.db}
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is an IANA name; it defines the local calendar day.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls job execution.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "30s"
//   - history_size: 100
//   - retry_max: 2
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// NotifierConfig controls the async delivery pipeline. If the section is
// omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type PrayerConfig struct {
	// Conventions lists registry ids; more than one enables consensus.
	Conventions []string `json:"conventions"`
	// AsrMethod overrides the conventions' Asr rule: "", "standard" or "hanafi".
	AsrMethod string               `json:"asr_method,omitempty"`
	Offsets   prayertime.OffsetSet `json:"offsets"`
	Location  LocationConfig       `json:"location"`

	CellSizeDeg   float64 `json:"cell_size_deg,omitempty"`
	SignificantKm float64 `json:"significant_km,omitempty"`
}

// LocationConfig is the default location, used until a reading arrives and
// whenever acquisition fails without a last known fix.
type LocationConfig struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	// Timeout bounds a single acquisition.
	Timeout string `json:"timeout,omitempty"`
	// PollInterval re-acquires periodically; "0s" disables polling.
	PollInterval string `json:"poll_interval,omitempty"`
}

type AlertsConfig struct {
	Enabled  bool     `json:"enabled"`
	Language string   `json:"language,omitempty"` // en | id
	Channels []string `json:"channels,omitempty"` // telegram, mqtt
	ChatID   int64    `json:"chat_id,omitempty"`
	ThreadID int      `json:"thread_id,omitempty"`
}

// TaskEngineEnabled resolves task_engine.enabled against scheduler.enabled.
func (c *Config) TaskEngineEnabled() bool {
	if c.TaskEngine != nil && c.TaskEngine.Enabled != nil {
		return *c.TaskEngine.Enabled
	}
	return c.Scheduler.Enabled
}

// StorageDriver returns the normalized driver name; "none" when storage is off.
func (c *Config) StorageDriver() string {
	if c.Storage == nil {
		return "none"
	}
	return normalizeDriver(c.Storage.Driver)
}
