// Package config loads daemon settings and process manifests.
//
// Settings are resolved with the following precedence (highest first):
// command line flags, WARDEN_* environment variables, the settings file and
// finally the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	EnvPrefix          = "WARDEN"
	DefaultAPIAddr     = "127.0.0.1:7663"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "console"
	DefaultEventBuffer = 1024
	DefaultMQTTPrefix  = "warden"
	DefaultDrain       = 100 * time.Millisecond
)

// Settings configures a warden instance.
type Settings struct {
	Manifest     string        `mapstructure:"manifest"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	API          APISettings   `mapstructure:"api"`
	Log          LogSettings   `mapstructure:"log"`
	Events       EventSettings `mapstructure:"events"`
	MQTT         MQTTSettings  `mapstructure:"mqtt"`
}

// APISettings configures the HTTP control server.
type APISettings struct {
	Enabled bool        `mapstructure:"enabled"`
	Addr    string      `mapstructure:"addr"`
	TLS     TLSSettings `mapstructure:"tls"`
}

// TLSSettings holds PEM file paths. CA enables client certificate
// verification on the server and server verification on the client.
type TLSSettings struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	CA   string `mapstructure:"ca"`
}

// Enabled reports whether a certificate pair is configured.
func (t TLSSettings) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

// LogSettings configures the diagnostic logger.
type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// EventSettings sizes the in-process event queues.
type EventSettings struct {
	Buffer int `mapstructure:"buffer"`
}

// MQTTSettings configures event forwarding. An empty broker disables it.
type MQTTSettings struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// Enabled reports whether a broker is configured.
func (m MQTTSettings) Enabled() bool {
	return strings.TrimSpace(m.Broker) != ""
}

// flagKeys maps command line flag names onto settings keys.
var flagKeys = map[string]string{
	"addr":          "api.addr",
	"api":           "api.enabled",
	"manifest":      "manifest",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"log-file":      "log.file",
	"mqtt-broker":   "mqtt.broker",
	"drain-timeout": "drain_timeout",
	"tls-cert":      "api.tls.cert",
	"tls-key":       "api.tls.key",
	"tls-ca":        "api.tls.ca",
}

// LoadSettings resolves settings from defaults, the optional file at path (or
// $WARDEN_CONFIG), the environment and any known flags in flags.
func LoadSettings(path string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("settings file %s not found", path)
			}
			return nil, fmt.Errorf("read settings file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("manifest", "")
	v.SetDefault("drain_timeout", DefaultDrain)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", DefaultAPIAddr)
	v.SetDefault("api.tls.cert", "")
	v.SetDefault("api.tls.key", "")
	v.SetDefault("api.tls.ca", "")

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 7)

	v.SetDefault("events.buffer", DefaultEventBuffer)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", DefaultMQTTPrefix)
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
}

// Validate checks settings for values the daemon cannot run with.
func (s *Settings) Validate() error {
	if s.API.Enabled && strings.TrimSpace(s.API.Addr) == "" {
		return fmt.Errorf("%s: is required when the api is enabled", fieldPath("api", "addr"))
	}
	if (s.API.TLS.Cert == "") != (s.API.TLS.Key == "") {
		return fmt.Errorf("%s: cert and key must be provided together", fieldPath("api", "tls"))
	}
	if _, err := zapcore.ParseLevel(s.Log.Level); err != nil {
		return fmt.Errorf("%s: %w", fieldPath("log", "level"), err)
	}
	switch s.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%s: must be json or console, got %q", fieldPath("log", "format"), s.Log.Format)
	}
	if s.Log.MaxSize < 0 || s.Log.MaxBackups < 0 || s.Log.MaxAge < 0 {
		return fmt.Errorf("%s: rotation limits must be non-negative", fieldPath("log"))
	}
	if s.Events.Buffer <= 0 {
		return fmt.Errorf("%s: must be greater than zero", fieldPath("events", "buffer"))
	}
	if s.DrainTimeout < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("drain_timeout"))
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		return fmt.Errorf("%s: must be 0, 1 or 2", fieldPath("mqtt", "qos"))
	}
	return nil
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}
