package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides, e.g. LSMQ_BROKER__BIND_ADDRESS=:1884.
const EnvPrefix = "LSMQ_"

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type Config struct {
	Broker    BrokerConfig   `json:"broker"`
	Database  DatabaseConfig `json:"database"`
	Metrics   MetricsConfig  `json:"metrics"`
	Client    ClientConfig   `json:"client"`
	DebugMode bool           `json:"debug_mode"`
	AppName   string         `json:"app_name"`
	LogPath   string         `json:"log_path"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

func (c *Config) SetDefaults() {
	if c.AppName == "" {
		c.AppName = "life-stream-mqtt-broker"
	}
	if c.LogPath == "" {
		c.LogPath = "logs"
	}
	c.Broker.SetDefaults()
	c.Database.SetDefaults()
	c.Client.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

// Load reads a JSON or YAML configuration file and applies environment overrides.
// A missing file is created with the defaults and ErrConfigCreated is returned.
func Load(path string) (*Config, error) {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = kjson.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
		return nil, ErrConfigCreated
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("the configuration file does not contain a valid configuration: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func writeDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(Default(), "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
