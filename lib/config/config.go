// Package config loads visaseq settings from TOML files.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultDialTimeout = 5 * time.Second
	defaultBaudRate    = 115200
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultMQTTTopic   = "visaseq/results"
	defaultMQTTQoS     = 1
)

// Config stores runtime settings.
type Config struct {
	Resource       string
	Timeout        time.Duration
	DialTimeout    time.Duration
	IDQuery        bool
	Reset          bool
	AutoErrorQuery bool

	BaudRate     int
	PrologixPort string
	AR488        bool

	LogLevel  string
	LogFormat string

	MQTT MQTTConfig
}

// MQTTConfig stores the broker used to publish run results. An empty Broker
// disables publishing.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

type fileConfig struct {
	Resource       *string       `toml:"resource"`
	Timeout        *string       `toml:"timeout"`
	DialTimeout    *string       `toml:"dial_timeout"`
	IDQuery        *bool         `toml:"id_query"`
	Reset          *bool         `toml:"reset"`
	AutoErrorQuery *bool         `toml:"auto_error_query"`
	Serial         *serialConfig `toml:"serial"`
	Log            *logConfig    `toml:"log"`
	MQTT           *mqttConfig   `toml:"mqtt"`
}

type serialConfig struct {
	BaudRate     *int    `toml:"baud_rate"`
	PrologixPort *string `toml:"prologix_port"`
	AR488        *bool   `toml:"ar488"`
}

type logConfig struct {
	Level  *string `toml:"level"`
	Format *string `toml:"format"`
}

type mqttConfig struct {
	Broker   *string `toml:"broker"`
	Topic    *string `toml:"topic"`
	ClientID *string `toml:"client_id"`
	Username *string `toml:"username"`
	Password *string `toml:"password"`
	QoS      *int    `toml:"qos"`
}

// Load reads config from ~/.visaseq/config.toml and overlays a project-local
// .visaseq/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return LoadFiles(ctx,
		filepath.Join(homeDir, ".visaseq", "config.toml"),
		filepath.Join(workingDir, ".visaseq", "config.toml"),
	)
}

// LoadFiles overlays the given files on the defaults in order. Missing files
// are skipped.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := Defaults()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Timeout:     defaultTimeout,
		DialTimeout: defaultDialTimeout,
		IDQuery:     true,
		BaudRate:    defaultBaudRate,
		LogLevel:    defaultLogLevel,
		LogFormat:   defaultLogFormat,
		MQTT: MQTTConfig{
			Topic: defaultMQTTTopic,
			QoS:   defaultMQTTQoS,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	md, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in config file %q: %s", path, strings.Join(keys, ", "))
	}

	applySessionOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if s := decoded.Serial; s != nil {
		if s.BaudRate != nil {
			if *s.BaudRate <= 0 {
				return fmt.Errorf("serial.baud_rate in %q must be positive", path)
			}
			cfg.BaudRate = *s.BaudRate
		}
		setString(&cfg.PrologixPort, s.PrologixPort)
		if s.AR488 != nil {
			cfg.AR488 = *s.AR488
		}
	}
	if l := decoded.Log; l != nil {
		setString(&cfg.LogLevel, l.Level)
		setString(&cfg.LogFormat, l.Format)
		switch cfg.LogFormat {
		case "text", "json", "logfmt":
		default:
			return fmt.Errorf("log.format in %q must be text, json or logfmt, got %q", path, cfg.LogFormat)
		}
	}
	return applyMQTTOverrides(cfg, decoded.MQTT, path)
}

func applySessionOverrides(cfg *Config, decoded fileConfig) {
	setString(&cfg.Resource, decoded.Resource)
	if decoded.IDQuery != nil {
		cfg.IDQuery = *decoded.IDQuery
	}
	if decoded.Reset != nil {
		cfg.Reset = *decoded.Reset
	}
	if decoded.AutoErrorQuery != nil {
		cfg.AutoErrorQuery = *decoded.AutoErrorQuery
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Timeout != nil {
		d, err := parseDuration(*decoded.Timeout, "timeout", path)
		if err != nil {
			return err
		}
		cfg.Timeout = d
	}
	if decoded.DialTimeout != nil {
		d, err := parseDuration(*decoded.DialTimeout, "dial_timeout", path)
		if err != nil {
			return err
		}
		cfg.DialTimeout = d
	}
	return nil
}

func applyMQTTOverrides(cfg *Config, m *mqttConfig, path string) error {
	if m == nil {
		return nil
	}
	setString(&cfg.MQTT.Broker, m.Broker)
	setString(&cfg.MQTT.Topic, m.Topic)
	setString(&cfg.MQTT.ClientID, m.ClientID)
	setString(&cfg.MQTT.Username, m.Username)
	if m.Password != nil {
		cfg.MQTT.Password = *m.Password
	}
	if m.QoS != nil {
		if *m.QoS < 0 || *m.QoS > 2 {
			return fmt.Errorf("mqtt.qos in %q must be 0, 1 or 2, got %d", path, *m.QoS)
		}
		cfg.MQTT.QoS = byte(*m.QoS)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s in %q must be positive", key, path)
	}
	return parsed, nil
}
