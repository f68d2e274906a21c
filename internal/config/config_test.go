package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"adzanbot/pkg/prayertime"
)

const sampleYAML = `
logging: {level: INFO, console: true}
telegram:
  enabled: true
  token: file-token
  owner_user_ids: [42]
  poll_timeout: 10s
http: {enabled: true, addr: "127.0.0.1:8088"}
storage: {driver: sqlite, path: ./data/adzanbot.db, busy_timeout: 1s}
scheduler: {enabled: true, timezone: Asia/Jakarta}
prayer:
  conventions: [Kemenag, MWL]
  offsets: {fajr: 2, isha: -3}
  location: {latitude: -6.2, longitude: 106.8167, name: Jakarta, timeout: 5s, poll_interval: 15m}
  cell_size_deg: 0.05
  significant_km: 5
alerts: {enabled: true, language: id, channels: [telegram], chat_id: 42}
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestManager(path string, env map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	m.env = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return m
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeConfig(t, "config.yaml", sampleYAML), nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || len(cfg.Telegram.OwnerUserIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if got := cfg.Prayer.Offsets; got != (prayertime.OffsetSet{Fajr: 2, Isha: -3}) {
		t.Fatalf("offsets = %+v", got)
	}
	if cfg.StorageDriver() != "sqlite" || !cfg.TaskEngineEnabled() {
		t.Fatalf("driver=%s engine=%v", cfg.StorageDriver(), cfg.TaskEngineEnabled())
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "unknown yaml key", file: "c.yaml", body: "prayer: {convention: MWL}\n"},
		{name: "unknown json key", file: "c.json", body: `{"alerts":{"enabled":true,"sound":"adhan"}}`},
		{name: "trailing json", file: "c.json", body: `{"alerts":{}} {"alerts":{}}`},
		{name: "bad yaml", file: "c.yml", body: "prayer: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := newTestManager(writeConfig(t, tt.file, tt.body), nil).Parse(); err == nil {
				t.Fatalf("Parse succeeded, want error")
			}
		})
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeConfig(t, "config.yaml", sampleYAML), map[string]string{
		EnvTelegramToken: " env-token ",
		EnvMQTTPassword:  "mqtt-secret",
		EnvHTTPToken:     "",
	})
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.MQTT.Password != "mqtt-secret" || cfg.HTTP.Token != "" {
		t.Fatalf("secrets not applied: %q %q %q", cfg.Telegram.Token, cfg.MQTT.Password, cfg.HTTP.Token)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg, err := newTestManager(writeConfig(t, "config.yaml", sampleYAML), nil).Parse()
		if err != nil {
			t.Fatalf("Parse error: %v", err)
		}
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "offset out of range", mutate: func(c *Config) { c.Prayer.Offsets.Maghrib = 61 }, want: "prayer.offsets"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, want: "scheduler.timezone"},
		{name: "bad duration", mutate: func(c *Config) { c.Prayer.Location.Timeout = "soon" }, want: "prayer.location.timeout"},
		{name: "bad latitude", mutate: func(c *Config) { c.Prayer.Location.Latitude = 120 }, want: "prayer.location"},
		{name: "public http without token", mutate: func(c *Config) { c.HTTP.Addr = "0.0.0.0:8088" }, want: "http.addr"},
		{name: "unknown channel", mutate: func(c *Config) { c.Alerts.Channels = []string{"sms"} }, want: "alerts.channels"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, want: "storage.driver"},
		{name: "unknown convention is not fatal", mutate: func(c *Config) { c.Prayer.Conventions = []string{"Atlantis"} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeConfig(t, "config.yaml", sampleYAML), nil)
	oldCfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	newCfg, _ := m.Parse()

	if ch := SummarizeConfigChange(oldCfg, newCfg); !ch.Empty() {
		t.Fatalf("identical configs changed: %v", ch.Sections)
	}

	newCfg.Prayer.Offsets.Fajr = 5
	newCfg.Telegram.Token = "rotated"
	newCfg.Alerts.Language = "en"
	ch := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"alerts", "prayer", "telegram"}
	if strings.Join(ch.Sections, ",") != strings.Join(want, ",") {
		t.Fatalf("Sections = %v, want %v", ch.Sections, want)
	}
	if !ch.Has("prayer") || ch.Has("storage") {
		t.Fatalf("Has mismatch: %v", ch.Sections)
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("subscriber got stale config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after Unsubscribe")
	}
	m.publish(a)
}

func TestReloadSkipsUnchangedAndInvalid(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := newTestManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ctx := t.Context()
	if m.reload(ctx) {
		t.Fatalf("reload published unchanged config")
	}

	bad := strings.Replace(sampleYAML, "fajr: 2", "fajr: 90", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.reload(ctx) {
		t.Fatalf("reload published invalid config")
	}
	if m.Get().Prayer.Offsets.Fajr != 2 {
		t.Fatalf("previous config not kept")
	}

	good := strings.Replace(sampleYAML, "fajr: 2", "fajr: 4", 1)
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sub := m.Subscribe(1)
	if !m.reload(ctx) {
		t.Fatalf("reload did not publish changed config")
	}
	if got := <-sub; got.Prayer.Offsets.Fajr != 4 {
		t.Fatalf("published fajr offset = %d", got.Prayer.Offsets.Fajr)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"90s", 90 * time.Second, false},
		{"15", 15 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"-5s", 0, true},
		{"-3", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDurationField("x", tc.raw)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", tc.raw, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "0", time.Minute); d != time.Minute {
		t.Fatalf("default not applied for 0: %v", d)
	}
}

func TestDigestIgnoresFormatting(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("a.yaml")
	a, err := m.decode([]byte("scheduler:\n  timezone: Asia/Jakarta\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b, err := m.decode([]byte("# comment\nscheduler: {timezone: \"Asia/Jakarta\"}\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if Digest(a) == "" || Digest(a) != Digest(b) {
		t.Fatalf("digests differ: %q vs %q", Digest(a), Digest(b))
	}
	b.Scheduler.Timezone = "UTC"
	if Digest(a) == Digest(b) {
		t.Fatalf("digest ignored a value change")
	}
	if Digest(nil) != "" {
		t.Fatalf("nil digest not empty")
	}
}
