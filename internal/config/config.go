package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so it reads from TOML strings like "60s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type Config struct {
	HTTPAddr    string `toml:"http_addr"`
	DBPath      string `toml:"db_path"`
	DeviceToken string `toml:"device_token"`
	TokenHeader string `toml:"token_header"`

	RateLimit  int      `toml:"rate_limit"`
	RateWindow Duration `toml:"rate_window"`

	OnlineWindow      Duration `toml:"online_window"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HistoryRetention  int      `toml:"history_retention"`
	StoreQueue        int      `toml:"store_queue"`

	MQTT MQTTConfig `toml:"mqtt"`

	RedisAddr string   `toml:"redis_addr"`
	RedisTTL  Duration `toml:"redis_ttl"`

	AllowedOrigins []string `toml:"allowed_origins"`
	LogLevel       string   `toml:"log_level"`
}

type MQTTConfig struct {
	Enabled        bool     `toml:"enabled"`
	Broker         string   `toml:"broker"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	ClientID       string   `toml:"client_id"`
	Topic          string   `toml:"topic"`
	TLS            bool     `toml:"tls"`
	ReconnectDelay Duration `toml:"reconnect"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		DBPath:            "tracker.db",
		TokenHeader:       "X-Device-Token",
		RateLimit:         100,
		RateWindow:        Duration{time.Minute},
		OnlineWindow:      Duration{60 * time.Second},
		HeartbeatInterval: Duration{30 * time.Second},
		HistoryRetention:  500,
		StoreQueue:        1024,
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "tracker-relay",
			Topic:          "track/+",
			ReconnectDelay: Duration{5 * time.Second},
			ConnectTimeout: Duration{10 * time.Second},
		},
		RedisTTL: Duration{10 * time.Minute},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path and the environment, in that order of increasing precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshaling config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.DeviceToken = getEnv("DEVICE_TOKEN", c.DeviceToken)
	c.TokenHeader = getEnv("TOKEN_HEADER", c.TokenHeader)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	c.RateLimit = getEnvInt("RATE_LIMIT", c.RateLimit, &errs)
	c.HistoryRetention = getEnvInt("HISTORY_RETENTION", c.HistoryRetention, &errs)
	c.StoreQueue = getEnvInt("STORE_QUEUE", c.StoreQueue, &errs)
	c.RateWindow = getEnvDuration("RATE_WINDOW", c.RateWindow, &errs)
	c.OnlineWindow = getEnvDuration("ONLINE_WINDOW", c.OnlineWindow, &errs)
	c.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", c.HeartbeatInterval, &errs)
	c.RedisTTL = getEnvDuration("REDIS_TTL", c.RedisTTL, &errs)

	c.MQTT.Enabled = getEnvBool("MQTT_ENABLED", c.MQTT.Enabled, &errs)
	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Topic = getEnv("MQTT_TOPIC", c.MQTT.Topic)
	c.MQTT.TLS = getEnvBool("MQTT_TLS", c.MQTT.TLS, &errs)
	c.MQTT.ReconnectDelay = getEnvDuration("MQTT_RECONNECT", c.MQTT.ReconnectDelay, &errs)
	c.MQTT.ConnectTimeout = getEnvDuration("MQTT_CONNECT_TIMEOUT", c.MQTT.ConnectTimeout, &errs)

	return errors.Join(errs...)
}

// Validate checks that intervals are positive and limits are sane.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"rate_window":        c.RateWindow.Duration,
		"online_window":      c.OnlineWindow.Duration,
		"heartbeat_interval": c.HeartbeatInterval.Duration,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("rate_limit must be positive"))
	}
	if c.HistoryRetention < 0 {
		errs = append(errs, errors.New("history_retention cannot be negative"))
	}
	if c.StoreQueue <= 0 {
		errs = append(errs, errors.New("store_queue must be positive"))
	}
	if c.TokenHeader == "" {
		errs = append(errs, errors.New("token_header is required"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.ReconnectDelay.Duration <= 0 {
			errs = append(errs, errors.New("mqtt.reconnect must be positive"))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback Duration, errs *[]error) Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return Duration{d}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
