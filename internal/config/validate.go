package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
	_ "time/tzdata" // minimal images ship without zoneinfo

	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks everything that can be checked without side effects.
// Unknown convention ids are not errors: the timetable falls back to the
// default convention and logs a warning.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Forward.Enabled && !logx.ValidLevel(cfg.Logging.Forward.MinLevel) {
		add(fmt.Errorf("logging.forward.min_level: unknown level %q", cfg.Logging.Forward.MinLevel))
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required when telegram is enabled (or set %s)", EnvTelegramToken))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.Broker) == "" {
			add(errors.New("mqtt.broker: required when mqtt is enabled"))
		}
		if strings.TrimSpace(cfg.MQTT.Topic) == "" {
			add(errors.New("mqtt.topic: required when mqtt is enabled"))
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			add(fmt.Errorf("mqtt.qos: %d outside [0,2]", cfg.MQTT.QoS))
		}
	}
	_, err = ParseDurationField("mqtt.connect_timeout", cfg.MQTT.ConnectTimeout)
	add(err)

	if cfg.HTTP.Enabled {
		add(validateHTTP(cfg.HTTP))
	}

	if cfg.Storage != nil {
		switch cfg.StorageDriver() {
		case "none", "file", "sqlite":
			if d := cfg.StorageDriver(); d != "none" && strings.TrimSpace(cfg.Storage.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %s", d))
			}
		case "redis":
			if strings.TrimSpace(cfg.Storage.RedisAddr) == "" {
				add(errors.New("storage.redis_addr: required for driver redis"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		add(err)
	}

	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.RetryMax < 0 || te.HistorySize < 0 {
			add(errors.New("task_engine: counts must be >= 0"))
		}
		_, err = ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			_, err = ParseDurationField(path, raw)
			add(err)
		}
	}

	add(validatePrayer(cfg.Prayer))
	add(validateAlerts(cfg.Alerts))

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func validateHTTP(h HTTPConfig) error {
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if !isLoopback(host) && strings.TrimSpace(h.Token) == "" {
		return fmt.Errorf("http.addr: %s is not loopback; set http.token (or %s)", addr, EnvHTTPToken)
	}
	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", h.ReadTimeout},
		{"http.write_timeout", h.WriteTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validatePrayer(p PrayerConfig) error {
	var errs []error
	if _, err := prayertime.ParseAsrMethod(p.AsrMethod); err != nil {
		errs = append(errs, fmt.Errorf("prayer.asr_method: %w", err))
	}
	if err := p.Offsets.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("prayer.offsets: %w", err))
	}
	loc := prayertime.Coordinates{Latitude: p.Location.Latitude, Longitude: p.Location.Longitude}
	if err := loc.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("prayer.location: %w", err))
	}
	if _, err := ParseDurationField("prayer.location.timeout", p.Location.Timeout); err != nil {
		errs = append(errs, err)
	}
	if p.CellSizeDeg < 0 || p.CellSizeDeg > 1 || math.IsNaN(p.CellSizeDeg) {
		errs = append(errs, fmt.Errorf("prayer.cell_size_deg: %v outside [0,1]", p.CellSizeDeg))
	}
	if p.SignificantKm < 0 || math.IsNaN(p.SignificantKm) {
		errs = append(errs, fmt.Errorf("prayer.significant_km: %v must be >= 0", p.SignificantKm))
	}
	return errors.Join(errs...)
}

func validateAlerts(a AlertsConfig) error {
	switch strings.ToLower(strings.TrimSpace(a.Language)) {
	case "", "en", "id":
	default:
		return fmt.Errorf("alerts.language: unsupported %q (want en or id)", a.Language)
	}
	for _, ch := range a.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "telegram", "mqtt":
		default:
			return fmt.Errorf("alerts.channels: unknown channel %q", ch)
		}
	}
	return nil
}

// LoadLocation resolves an IANA timezone name; empty means the host zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func normalizeDriver(s string) string {
	switch d := strings.ToLower(strings.TrimSpace(s)); d {
	case "", "none", "off", "disabled":
		return "none"
	case "sqlite3":
		return "sqlite"
	default:
		return d
	}
}
