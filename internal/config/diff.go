package config

import (
	"reflect"
	"sort"
	"strings"

	"adzanbot/pkg/logx"
)

// Change lists the sections that differ between two configs, plus safe log
// fields describing the new values. Secrets are reported only as "_set" flags.
type Change struct {
	Sections []string
	Fields   []logx.Field
}

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares oldCfg and newCfg section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		mark("telegram",
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", set(nt.Token)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.MQTT, newCfg.MQTT) {
		mark("mqtt",
			logx.Bool("mqtt.enabled", newCfg.MQTT.Enabled),
			logx.String("mqtt.broker", newCfg.MQTT.Broker),
			logx.String("mqtt.topic", newCfg.MQTT.Topic),
			logx.Bool("mqtt.password_set", set(newCfg.MQTT.Password)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", set(newCfg.HTTP.Token)),
			logx.Int("http.cors_origins", len(newCfg.HTTP.CORSOrigins)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oldCfg.StorageDriver() != newCfg.StorageDriver() || oS != nS {
		mark("storage",
			logx.String("storage.driver", newCfg.StorageDriver()),
			logx.Bool("storage.path_set", set(nS.Path)),
			logx.String("storage.busy_timeout", nS.BusyTimeout),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	var oTE, nTE TaskEngineConfig
	if oldCfg.TaskEngine != nil {
		oTE = *oldCfg.TaskEngine
	}
	if newCfg.TaskEngine != nil {
		nTE = *newCfg.TaskEngine
	}
	if oldCfg.TaskEngineEnabled() != newCfg.TaskEngineEnabled() || !reflect.DeepEqual(oTE, nTE) {
		mark("task_engine",
			logx.Bool("task_engine.enabled", newCfg.TaskEngineEnabled()),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", nTE.DefaultTimeout),
		)
	}

	oN, nN := oldCfg.Notifier, newCfg.Notifier
	if (oN == nil) != (nN == nil) || (oN != nil && *oN != *nN) {
		var n NotifierConfig
		if nN != nil {
			n = *nN
		}
		mark("notifier",
			logx.Bool("notifier.present", nN != nil),
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.persist_dedup", n.PersistDedup),
		)
	}

	op, np := oldCfg.Prayer, newCfg.Prayer
	if !reflect.DeepEqual(op, np) {
		mark("prayer",
			logx.Strings("prayer.conventions", np.Conventions),
			logx.String("prayer.asr_method", np.AsrMethod),
			logx.Bool("prayer.offsets_changed", op.Offsets != np.Offsets),
			logx.Bool("prayer.location_changed", op.Location != np.Location),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		mark("alerts",
			logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
			logx.String("alerts.language", newCfg.Alerts.Language),
			logx.Strings("alerts.channels", newCfg.Alerts.Channels),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}
