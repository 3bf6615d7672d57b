// Package config loads server configuration from the environment with
// viper, with defaults suitable for local development.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/ollivr/soketi/internal/apps"
)

type Config struct {
	Server     ServerConfig
	Adapter    AdapterConfig
	AppManager AppManagerConfig
	Webhooks   WebhooksConfig
	LogLevel   string
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// AdapterConfig selects the inter-process broadcast transport.
type AdapterConfig struct {
	Driver       string // local, redis or kafka
	RedisURL     string
	RedisPrefix  string
	KafkaBrokers []string
	KafkaTopic   string
}

// AppManagerConfig selects where apps are resolved from. The array driver
// reads Apps; the gorm driver connects to PostgresDSN.
type AppManagerConfig struct {
	Driver      string // array or gorm
	PostgresDSN string
	Apps        []apps.App
}

type WebhooksConfig struct {
	Enabled      bool
	KafkaBrokers []string
	KafkaTopic   string
}

var (
	ConfigInstance *Config
	once           sync.Once
	loadErr        error
)

func LoadConfig() (*Config, error) {
	once.Do(func() {
		viper.SetDefault("SOKETI_HOST", "0.0.0.0")
		viper.SetDefault("SOKETI_PORT", "6001")
		viper.SetDefault("SOKETI_READ_TIMEOUT", 30*time.Second)
		viper.SetDefault("SOKETI_WRITE_TIMEOUT", 30*time.Second)
		viper.SetDefault("SOKETI_IDLE_TIMEOUT", 60*time.Second)
		viper.SetDefault("SOKETI_ADAPTER", "local")
		viper.SetDefault("SOKETI_REDIS_PREFIX", "soketi")
		viper.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
		viper.SetDefault("KAFKA_BROKERS", "127.0.0.1:9092")
		viper.SetDefault("KAFKA_TOPIC", "soketi-broadcast")
		viper.SetDefault("APP_MANAGER_DRIVER", "array")
		viper.SetDefault("SOKETI_DEFAULT_APP_ID", "app-id")
		viper.SetDefault("SOKETI_DEFAULT_APP_KEY", "app-key")
		viper.SetDefault("SOKETI_DEFAULT_APP_SECRET", "app-secret")
		viper.SetDefault("SOKETI_WEBHOOKS_ENABLED", false)
		viper.SetDefault("SOKETI_WEBHOOKS_KAFKA_TOPIC", "")
		viper.SetDefault("LOG_LEVEL", "info")
		viper.AutomaticEnv()

		configured, err := loadApps()
		if err != nil {
			loadErr = err
			return
		}

		ConfigInstance = &Config{
			Server: ServerConfig{
				Host:         viper.GetString("SOKETI_HOST"),
				Port:         viper.GetString("SOKETI_PORT"),
				ReadTimeout:  viper.GetDuration("SOKETI_READ_TIMEOUT"),
				WriteTimeout: viper.GetDuration("SOKETI_WRITE_TIMEOUT"),
				IdleTimeout:  viper.GetDuration("SOKETI_IDLE_TIMEOUT"),
			},
			Adapter: AdapterConfig{
				Driver:       viper.GetString("SOKETI_ADAPTER"),
				RedisURL:     viper.GetString("REDIS_URL"),
				RedisPrefix:  viper.GetString("SOKETI_REDIS_PREFIX"),
				KafkaBrokers: splitList(viper.GetString("KAFKA_BROKERS")),
				KafkaTopic:   viper.GetString("KAFKA_TOPIC"),
			},
			AppManager: AppManagerConfig{
				Driver:      viper.GetString("APP_MANAGER_DRIVER"),
				PostgresDSN: viper.GetString("DATABASE_URL"),
				Apps:        configured,
			},
			Webhooks: WebhooksConfig{
				Enabled:      viper.GetBool("SOKETI_WEBHOOKS_ENABLED"),
				KafkaBrokers: splitList(viper.GetString("KAFKA_BROKERS")),
				KafkaTopic:   viper.GetString("SOKETI_WEBHOOKS_KAFKA_TOPIC"),
			},
			LogLevel: viper.GetString("LOG_LEVEL"),
		}
	})
	return ConfigInstance, loadErr
}

// loadApps reads the array-driver app list. SOKETI_APPS holds a JSON array
// of apps; when unset, a single default app is built from the
// SOKETI_DEFAULT_APP_* variables.
func loadApps() ([]apps.App, error) {
	if raw := viper.GetString("SOKETI_APPS"); raw != "" {
		var configured []apps.App
		if err := json.Unmarshal([]byte(raw), &configured); err != nil {
			return nil, fmt.Errorf("parse SOKETI_APPS: %w", err)
		}
		return configured, nil
	}
	return []apps.App{{
		ID:                   viper.GetString("SOKETI_DEFAULT_APP_ID"),
		Key:                  viper.GetString("SOKETI_DEFAULT_APP_KEY"),
		Secret:               viper.GetString("SOKETI_DEFAULT_APP_SECRET"),
		Enabled:              true,
		MaxConnections:       viper.GetInt("SOKETI_DEFAULT_APP_MAX_CONNECTIONS"),
		EnableClientMessages: viper.GetBool("SOKETI_DEFAULT_APP_ENABLE_CLIENT_MESSAGES"),
	}}, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
