package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Secrets that may live outside the config file.
const (
	EnvTelegramToken = "ADZANBOT_TELEGRAM_TOKEN"
	EnvMQTTPassword  = "ADZANBOT_MQTT_PASSWORD"
	EnvHTTPToken     = "ADZANBOT_HTTP_TOKEN"
	EnvRedisPassword = "ADZANBOT_REDIS_PASSWORD"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// applyEnv fills secrets from the environment. Environment wins over the file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.MQTT.Password, EnvMQTTPassword)
	set(&cfg.HTTP.Token, EnvHTTPToken)
	if cfg.Storage != nil {
		set(&cfg.Storage.RedisPassword, EnvRedisPassword)
	}
}
