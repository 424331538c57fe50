// Package config loads the broker's YAML configuration file, extending
// the teacher's inline name/version/server shape
// (Pyr33x-goqtt/cmd/goqtt/main.go) with a broker section carrying every
// admission, persistence and sweep-timing knob the core recognizes.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals a YAML scalar like "5s" into a time.Duration —
// yaml.v3 has no built-in support for Go duration strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Server holds the TCP listener configuration.
type Server struct {
	Port string `yaml:"port"`
}

// Broker holds the knobs internal/broker.Config and the transport
// sweep loop recognize.
type Broker struct {
	AllowDuplicateMessages bool     `yaml:"allow_duplicate_messages"`
	QueueQoS0Messages      bool     `yaml:"queue_qos0_messages"`
	MaxInflight            int      `yaml:"max_inflight"`
	MaxQueued              int      `yaml:"max_queued"`
	Persistence            bool     `yaml:"persistence"`
	PersistenceFilepath    string   `yaml:"persistence_filepath"`
	StoreCleanInterval     Duration `yaml:"store_clean_interval"`
	TimeoutCheckInterval   Duration `yaml:"timeout_check_interval"`
	AckTimeoutSeconds      int      `yaml:"ack_timeout_seconds"`
}

// Auth holds the sqlite-backed credential store configuration.
type Auth struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// Config is the top-level configuration file shape.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Server  Server `yaml:"server"`
	Broker  Broker `yaml:"broker"`
	Auth    Auth   `yaml:"auth"`
}

// Default returns the compiled-in defaults, matching the original
// broker's hardcoded admission limits and mosquitto's conventional
// retry/sweep intervals.
func Default() *Config {
	return &Config{
		Name:    "goqtt",
		Version: "dev",
		Server:  Server{Port: "1883"},
		Broker: Broker{
			AllowDuplicateMessages: false,
			QueueQoS0Messages:      false,
			MaxInflight:            20,
			MaxQueued:              100,
			Persistence:            false,
			PersistenceFilepath:    "./store/retained.db",
			StoreCleanInterval:     Duration(5 * time.Second),
			TimeoutCheckInterval:   Duration(5 * time.Second),
			AckTimeoutSeconds:      20,
		},
		Auth: Auth{Enabled: false, DBPath: "./store/store.db"},
	}
}

// Load reads and unmarshals the YAML config at path, filling any
// unset fields from Default.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
