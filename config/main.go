package config

import "log"

type Config struct {
	EnvConfig *EnvConfig
	Monitor   *MonitorConfig
}

func NewConfig() *Config {
	envConfig := LoadEnvConfig()

	monitorConfig, err := LoadMonitorConfig(envConfig.Monitor.ConfigFile)
	if err != nil {
		log.Printf("Warning: %v, using default monitor config", err)
		monitorConfig = DefaultMonitorConfig()
	}

	return &Config{
		EnvConfig: envConfig,
		Monitor:   monitorConfig,
	}
}
