package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"adzanbot/internal/alerts"
	"adzanbot/internal/config"
	"adzanbot/internal/httpapi"
	"adzanbot/internal/location"
	"adzanbot/internal/notifier"
	"adzanbot/internal/storage"
	"adzanbot/internal/task/engine"
	"adzanbot/internal/task/scheduler"
	"adzanbot/internal/timetable"
	"adzanbot/internal/transport"
	"adzanbot/internal/transport/mqtt"
	"adzanbot/internal/transport/telegram"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

// The map* helpers turn the validated file config into per-service
// configs. They only fail on values Validate cannot see.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:    cfg.Logging.Forward.Enabled,
			MinLevel:   cfg.Logging.Forward.MinLevel,
			RatePerSec: cfg.Logging.Forward.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	driver := cfg.StorageDriver()
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:        driver,
		Path:          strings.TrimSpace(sc.Path),
		BusyTimeout:   busy,
		RedisAddr:     strings.TrimSpace(sc.RedisAddr),
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
		KeyPrefix:     sc.KeyPrefix,
	}, true, nil
}

func mapTaskEngine(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.TaskEngineEnabled()}
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}
	// Scheduler triggers would pile up with nothing executing them.
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 30*time.Second); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		// Section omitted: run with defaults.
		n = &config.NotifierConfig{Enabled: true}
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:         cfg.Telegram.Token,
		PollTimeout:   pt,
		DefaultTarget: alertTarget(cfg),
	}, nil
}

func mapMQTT(cfg *config.Config) (mqtt.Config, error) {
	ct, err := config.ParseDurationField("mqtt.connect_timeout", cfg.MQTT.ConnectTimeout)
	if err != nil {
		return mqtt.Config{}, err
	}
	return mqtt.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		Topic:          cfg.MQTT.Topic,
		QoS:            byte(cfg.MQTT.QoS),
		Retained:       cfg.MQTT.Retained,
		ConnectTimeout: ct,
	}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         cfg.HTTP.Addr,
		Token:        cfg.HTTP.Token,
		CORSOrigins:  append([]string(nil), cfg.HTTP.CORSOrigins...),
		ReadTimeout:  rt,
		WriteTimeout: wt,
	}, nil
}

// alertTarget is the chat receiving alerts: alerts.chat_id, else the
// first owner (a private chat with the bot).
func alertTarget(cfg *config.Config) transport.ChatTarget {
	t := transport.ChatTarget{ChatID: cfg.Alerts.ChatID, ThreadID: cfg.Alerts.ThreadID}
	if t.ChatID == 0 && len(cfg.Telegram.OwnerUserIDs) > 0 {
		t.ChatID = cfg.Telegram.OwnerUserIDs[0]
	}
	return t
}

func mapAlerts(cfg *config.Config, zone *time.Location) alerts.Config {
	chans := make([]string, 0, len(cfg.Alerts.Channels))
	for _, c := range cfg.Alerts.Channels {
		chans = append(chans, strings.ToLower(strings.TrimSpace(c)))
	}
	if len(chans) == 0 {
		chans = []string{transport.ChannelTelegram}
	}
	return alerts.Config{
		Enabled:  cfg.Alerts.Enabled,
		Language: cfg.Alerts.Language,
		Channels: chans,
		Target:   alertTarget(cfg),
		Location: zone,
	}
}

func mapSettings(cfg *config.Config) timetable.Settings {
	return timetable.Settings{
		Conventions: append([]string(nil), cfg.Prayer.Conventions...),
		AsrMethod:   cfg.Prayer.AsrMethod,
		Offsets:     cfg.Prayer.Offsets,
		CellSizeDeg: cfg.Prayer.CellSizeDeg,
		Language:    cfg.Alerts.Language,
	}
}

// mapLocation also returns the poll schedule: blank disables polling,
// otherwise anything scheduler.ParseSchedule accepts ("15m", "cron:...").
func mapLocation(cfg *config.Config) (location.Config, string, error) {
	lc := cfg.Prayer.Location
	timeout, err := config.ParseDurationOrDefault("prayer.location.timeout", lc.Timeout, 5*time.Second)
	if err != nil {
		return location.Config{}, "", err
	}
	poll := strings.TrimSpace(lc.PollInterval)
	if poll != "" {
		if _, err := scheduler.ParseSchedule(poll); err != nil {
			return location.Config{}, "", fmt.Errorf("prayer.location.poll_interval: %w", err)
		}
	}
	return location.Config{
		Default: location.Reading{
			Coords: prayertime.Coordinates{Latitude: lc.Latitude, Longitude: lc.Longitude},
			Name:   lc.Name,
			Source: "config",
		},
		Timeout:       timeout,
		SignificantKm: cfg.Prayer.SignificantKm,
	}, poll, nil
}
