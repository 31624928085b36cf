// Package config loads ftserver settings from flags, environment, an
// optional .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bergsm/fileTransfer/events"
	"github.com/bergsm/fileTransfer/protocol"
	"github.com/bergsm/fileTransfer/session"
	"github.com/bergsm/fileTransfer/transport"
)

// EnvPrefix prefixes every environment variable, e.g. FTSERVER_DIRECTORY.
const EnvPrefix = "FTSERVER"

// Config is the server configuration.
type Config struct {
	Port               string        `mapstructure:"port"`
	Directory          string        `mapstructure:"directory"`
	Framing            string        `mapstructure:"framing"`
	MaxMessage         int           `mapstructure:"max-message"`
	MaxPayload         int           `mapstructure:"max-payload"`
	IOTimeout          time.Duration `mapstructure:"io-timeout"`
	DialTimeout        time.Duration `mapstructure:"dial-timeout"`
	DialBackoffInitial time.Duration `mapstructure:"dial-backoff-initial"`
	DialBackoffMax     time.Duration `mapstructure:"dial-backoff-max"`
	Concurrent         bool          `mapstructure:"concurrent"`
	MaxClients         int           `mapstructure:"max-clients"`
	StrictDisconnect   bool          `mapstructure:"strict-disconnect"`
	Watch              bool          `mapstructure:"watch"`
	StatusAddr         string        `mapstructure:"status-addr"`
	AccessLog          string        `mapstructure:"access-log"`
	LogLevel           string        `mapstructure:"log-level"`
	LogFormat          string        `mapstructure:"log-format"`
	MQTTBroker         string        `mapstructure:"mqtt-broker"`
	MQTTTopic          string        `mapstructure:"mqtt-topic"`
	MQTTUser           string        `mapstructure:"mqtt-user"`
	MQTTPass           string        `mapstructure:"mqtt-pass"`
	MQTTQoS            int           `mapstructure:"mqtt-qos"`
}

var defaults = map[string]interface{}{
	"directory":            ".",
	"framing":              "raw",
	"max-message":          protocol.DefaultMaxMessage,
	"max-payload":          session.DefaultMaxPayload,
	"io-timeout":           30 * time.Second,
	"dial-timeout":         transport.DefaultBackoff.Timeout,
	"dial-backoff-initial": transport.DefaultBackoff.Initial,
	"dial-backoff-max":     transport.DefaultBackoff.Max,
	"concurrent":           false,
	"max-clients":          8,
	"strict-disconnect":    false,
	"watch":                true,
	"status-addr":          "",
	"access-log":           "",
	"log-level":            "info",
	"log-format":           "text",
	"mqtt-broker":          "",
	"mqtt-topic":           events.DefaultTopic,
	"mqtt-user":            "",
	"mqtt-pass":            "",
	"mqtt-qos":             0,
}

// RegisterFlags adds the server flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml, json, hcl, ini or properties)")
	fs.String("env-file", ".env", "dotenv file loaded into the environment if present")
	fs.StringP("directory", "d", ".", "directory to serve")
	fs.String("framing", "raw", "message framing: raw or length")
	fs.Int("max-message", protocol.DefaultMaxMessage, "largest control message in bytes")
	fs.Int("max-payload", session.DefaultMaxPayload, "largest listing or file sent on a data connection")
	fs.Duration("io-timeout", 30*time.Second, "timeout for each send and receive, 0 disables")
	fs.Duration("dial-timeout", transport.DefaultBackoff.Timeout, "how long to keep retrying the data connection")
	fs.Duration("dial-backoff-initial", transport.DefaultBackoff.Initial, "first retry delay when the client refuses the data connection")
	fs.Duration("dial-backoff-max", transport.DefaultBackoff.Max, "largest retry delay")
	fs.Bool("concurrent", false, "serve clients concurrently from one listener")
	fs.Int("max-clients", 8, "clients served at once in concurrent mode")
	fs.Bool("strict-disconnect", false, "stop the server when a client hangs up before sending a command")
	fs.Bool("watch", true, "watch the served directory for changes")
	fs.String("status-addr", "", "address of the HTTP status endpoint, empty disables it")
	fs.String("access-log", "", "status endpoint access log file, empty logs to stderr")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "text", "log format: text or json")
	fs.String("mqtt-broker", "", "MQTT broker URL for transfer events, e.g. tcp://localhost:1883; empty disables")
	fs.String("mqtt-topic", events.DefaultTopic, "MQTT topic transfer events are published to")
	fs.String("mqtt-user", "", "MQTT username")
	fs.String("mqtt-pass", "", "MQTT password")
	fs.Int("mqtt-qos", 0, "MQTT quality of service: 0, 1 or 2")
}

// Load resolves the configuration. Precedence, highest first: positional
// port, flags set on the command line, environment (including the dotenv
// file), config file, defaults.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	envFile, _ := fs.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile, _ := fs.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	for key := range defaults {
		if flag := fs.Lookup(key); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, err
			}
		}
	}
	if len(args) > 0 {
		v.Set("port", args[0])
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if err := transport.ValidatePort(c.Port); err != nil {
		return err
	}
	if _, err := protocol.ParseFraming(c.Framing); err != nil {
		return err
	}
	if c.Directory == "" {
		return errors.New("directory must not be empty")
	}
	if c.MaxMessage <= 0 {
		return fmt.Errorf("max-message must be positive, got %d", c.MaxMessage)
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("max-payload must be positive, got %d", c.MaxPayload)
	}
	if c.Concurrent && c.MaxClients <= 0 {
		return fmt.Errorf("max-clients must be positive, got %d", c.MaxClients)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("mqtt-qos must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	if c.IOTimeout < 0 || c.DialTimeout < 0 || c.DialBackoffInitial < 0 || c.DialBackoffMax < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// SessionOptions converts the configuration for session.New.
func (c *Config) SessionOptions() session.Options {
	framing, _ := protocol.ParseFraming(c.Framing)
	return session.Options{
		Framing:    framing,
		MaxMessage: c.MaxMessage,
		MaxPayload: c.MaxPayload,
		IOTimeout:  c.IOTimeout,
		Backoff: transport.Backoff{
			Initial: c.DialBackoffInitial,
			Max:     c.DialBackoffMax,
			Timeout: c.DialTimeout,
		},
		StrictDisconnect: c.StrictDisconnect,
		Concurrent:       c.Concurrent,
		MaxClients:       c.MaxClients,
	}
}

// EventsConfig converts the MQTT settings for events.Connect.
func (c *Config) EventsConfig() events.Config {
	return events.Config{
		Broker:   c.MQTTBroker,
		Topic:    c.MQTTTopic,
		Username: c.MQTTUser,
		Password: c.MQTTPass,
		QoS:      byte(c.MQTTQoS),
		Timeout:  c.DialTimeout,
	}
}
