package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MonitorConfig holds the settings that shape what the monitor reacts to.
// Loaded from an optional YAML file; zero values fall back to DefaultMonitorConfig.
type MonitorConfig struct {
	RunStates      []string `yaml:"run_states"`
	TerminalStates []string `yaml:"terminal_states"`
	CloudHosts     []string `yaml:"cloud_hosts"`
	CloudPort      int      `yaml:"cloud_port"`
	LocalPort      int      `yaml:"local_port"`

	Email struct {
		Enabled bool   `yaml:"enabled"`
		Domain  string `yaml:"domain"`
		Sender  string `yaml:"sender"`
	} `yaml:"email"`

	Download struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"download"`

	SystemTest struct {
		Enabled        bool   `yaml:"enabled"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		SigningSecret  string `yaml:"signing_secret"`
	} `yaml:"system_test"`
}

func DefaultMonitorConfig() *MonitorConfig {
	cfg := &MonitorConfig{
		RunStates:      []string{"Submitted", "QueuedInCromwell", "Running", "Aborting"},
		TerminalStates: []string{"Succeeded", "Failed", "Aborted"},
		CloudPort:      8000,
		LocalPort:      9000,
	}
	cfg.Email.Enabled = true
	cfg.Email.Domain = "broadinstitute.org"
	cfg.Email.Sender = "widdler@broadinstitute.org"
	cfg.Download.Enabled = true
	cfg.SystemTest.Enabled = true
	cfg.SystemTest.TimeoutSeconds = 30
	return cfg
}

// LoadMonitorConfig reads the YAML overlay at path. An empty path returns the defaults.
func LoadMonitorConfig(path string) (*MonitorConfig, error) {
	cfg := DefaultMonitorConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read monitor config %s: %w", path, err)
	}

	return ParseMonitorConfig(data)
}

func ParseMonitorConfig(data []byte) (*MonitorConfig, error) {
	cfg := DefaultMonitorConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse monitor config: %w", err)
	}

	defaults := DefaultMonitorConfig()
	if len(cfg.RunStates) == 0 {
		cfg.RunStates = defaults.RunStates
	}
	if len(cfg.TerminalStates) == 0 {
		cfg.TerminalStates = defaults.TerminalStates
	}
	if cfg.Email.Domain == "" {
		cfg.Email.Domain = defaults.Email.Domain
	}
	if cfg.Email.Sender == "" {
		cfg.Email.Sender = defaults.Email.Sender
	}
	if cfg.SystemTest.TimeoutSeconds <= 0 {
		cfg.SystemTest.TimeoutSeconds = defaults.SystemTest.TimeoutSeconds
	}
	if cfg.CloudPort == 0 {
		cfg.CloudPort = defaults.CloudPort
	}
	if cfg.LocalPort == 0 {
		cfg.LocalPort = defaults.LocalPort
	}
	return cfg, nil
}

func (c *MonitorConfig) IsCloudHost(host string) bool {
	for _, h := range c.CloudHosts {
		if h == host {
			return true
		}
	}
	return false
}
