// Package config loads the device-agent's YAML configuration,
// following the defaults-then-unmarshal pattern of the teacher's
// cmd/gateway/main.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration for the device-agent
// process (spec §6's configuration table).
type Config struct {
	Transport    TransportConfig    `yaml:"transport"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Logging      LoggingConfig      `yaml:"logging"`
	TrustStore   TrustStoreConfig   `yaml:"trustStore"`
}

type TransportConfig struct {
	// Scheme is "https" or "mqtts".
	Scheme            string        `yaml:"scheme"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	DefaultTimeout    time.Duration `yaml:"defaultTimeout"`
	KeepAlive         time.Duration `yaml:"keepAlive"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`

	TLSCertFile   string `yaml:"tlsCertFile"`
	TLSKeyFile    string `yaml:"tlsKeyFile"`
	TLSCAFile     string `yaml:"tlsCAFile"`
	TLSMinVersion string `yaml:"tlsMinVersion"`
}

type DispatcherConfig struct {
	QueueCapacity            int           `yaml:"queueCapacity"`
	SettleTime               time.Duration `yaml:"settleTime"`
	PollInterval             time.Duration `yaml:"pollInterval"`
	LongPollTimeout          time.Duration `yaml:"longPollTimeout"`
	MaxRetries               int           `yaml:"maxRetries"`
	InitialBackoff           time.Duration `yaml:"initialBackoff"`
	MaxBackoff               time.Duration `yaml:"maxBackoff"`
	CircuitMaxFailures       uint32        `yaml:"circuitMaxFailures"`
	CircuitOpenTimeout       time.Duration `yaml:"circuitOpenTimeout"`
	MaxMessagesPerConnection int           `yaml:"maxMessagesPerConnection"`
	AverageWaitTime          time.Duration `yaml:"averageWaitTime"`
}

type PersistenceConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type TrustStoreConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns the configuration baseline applied before any YAML
// file is unmarshaled on top of it, mirroring the teacher's
// newDefaultConfig helper.
func Defaults() Config {
	return Config{
		Transport: TransportConfig{
			Scheme:            "mqtts",
			Port:              8883,
			DefaultTimeout:    60 * time.Second,
			KeepAlive:         60 * time.Second,
			ConnectionTimeout: 30 * time.Second,
			TLSMinVersion:     "TLS1.2",
		},
		Dispatcher: DispatcherConfig{
			QueueCapacity:            10000,
			SettleTime:               10 * time.Second,
			PollInterval:             3 * time.Second,
			LongPollTimeout:          60 * time.Second,
			MaxRetries:               3,
			InitialBackoff:           1 * time.Second,
			MaxBackoff:               2 * time.Minute,
			CircuitMaxFailures:       5,
			CircuitOpenTimeout:       30 * time.Second,
			MaxMessagesPerConnection: 1000,
			AverageWaitTime:          2 * time.Second,
		},
		Persistence: PersistenceConfig{
			Path: "device-agent.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		TrustStore: TrustStoreConfig{
			Path: "trust.json",
		},
	}
}

// Load reads path, applying its contents on top of Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
