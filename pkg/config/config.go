// Package config loads the CLI client configuration from YAML.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	User   UserConfig   `yaml:"user"`
	Chat   ChatConfig   `yaml:"chat"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	// APIBaseURL is the REST history API, e.g. https://market.example.com.
	APIBaseURL string `yaml:"api_base_url"`
	// WSURL is the realtime channel endpoint, e.g. wss://market.example.com/rt.
	WSURL string `yaml:"ws_url"`
	// RedisAddr selects the Redis transport when set.
	RedisAddr string `yaml:"redis_addr"`
	// Token is attached as a bearer token to history API requests.
	Token string `yaml:"token"`
}

type UserConfig struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

type ChatConfig struct {
	PageSize     int           `yaml:"page_size"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	TypingExpiry time.Duration `yaml:"typing_expiry"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			APIBaseURL: "http://localhost:8080",
			WSURL:      "ws://localhost:8080/rt",
		},
		Chat: ChatConfig{
			PageSize:     50,
			SettleDelay:  time.Second,
			TypingExpiry: 3 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path into a Config on top of the defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
