package sys

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the engine parameters a Server is started with. Sample rate
// and period are fixed for the lifetime of the server except for the period,
// which SetBufferSize may change.
type Config struct {
	// Name identifies the server. Clients embed it in log output only.
	Name string `yaml:"name"`

	// SampleRate in frames per second.
	SampleRate int `yaml:"sample_rate"`

	// PeriodFrames is the number of frames per process cycle.
	PeriodFrames uint32 `yaml:"period_frames"`

	// MaxClients bounds how many clients may be open at once. Zero means
	// the default limit.
	MaxClients int `yaml:"max_clients,omitempty"`
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Name:         "default",
		SampleRate:   48000,
		PeriodFrames: 1024,
		MaxClients:   64,
	}
}

// LoadConfig loads a server configuration from a YAML file. A missing file
// is not an error; the defaults are returned instead.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes a configuration to a YAML file.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// configPathFromEnv names the config file the default server boots from.
func configPathFromEnv() string {
	return os.Getenv("PATCHBAY_CONFIG")
}

func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample_rate %d", c.SampleRate)
	}
	if c.PeriodFrames == 0 {
		return fmt.Errorf("period_frames must be nonzero")
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max_clients must not be negative")
	}
	if c.MaxClients == 0 {
		c.MaxClients = DefaultConfig().MaxClients
	}
	return nil
}
