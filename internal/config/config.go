package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models scrumbringer.yml. It is stored per project in the DB and
// can be imported/exported from the workspace file.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Auth struct {
		JWTSecret             string `yaml:"jwt_secret" json:"jwt_secret"`
		AllowLegacyUserHeader bool   `yaml:"allow_legacy_user_header" json:"allow_legacy_user_header"`
	} `yaml:"auth" json:"auth"`
	Automation struct {
		// TriggerEvents lists the lifecycle events rules may bind to.
		TriggerEvents []string `yaml:"trigger_events" json:"trigger_events"`
	} `yaml:"automation" json:"automation"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

// WebhookConfig describes one task-event webhook target.
type WebhookConfig struct {
	URL    string   `yaml:"url" json:"url"`
	Kinds  []string `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	Secret string   `yaml:"secret,omitempty" json:"secret,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sb config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	for _, ev := range c.Automation.TriggerEvents {
		if ev == "" {
			return fmt.Errorf("config.automation.trigger_events contains empty event")
		}
	}
	return nil
}

// AllowsTrigger reports whether rules may bind to the given lifecycle event.
// An absent config or an empty list means no restriction.
func (c *Config) AllowsTrigger(event string) bool {
	if c == nil || len(c.Automation.TriggerEvents) == 0 {
		return true
	}
	for _, ev := range c.Automation.TriggerEvents {
		if ev == event {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "scrumbringer.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v0

auth:
  jwt_secret: ""
  allow_legacy_user_header: true

automation:
  trigger_events: [completed]

webhooks: []
`
