package main

import (
	"github.com/kuuji/syneroym/internal/config"
)

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path (/etc/syneroym/config.toml).
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	return config.LoadConfig(resolvedConfigPath())
}
