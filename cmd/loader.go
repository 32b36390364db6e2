// Package cmd holds the configuration loader and local-mode helpers shared
// by the service entrypoints.
package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

//go:embed relayservice/config.yaml
var configFile []byte

// Load parses the embedded configuration file and applies environment
// overrides (Stages 0 to 2).
func Load(logger *slog.Logger) (*config.AppConfig, error) {
	return LoadFrom(configFile, logger)
}

// LoadFrom runs the same stages against raw YAML.
func LoadFrom(raw []byte, logger *slog.Logger) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}

	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration from YAML: %w", err)
	}

	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize configuration with environment overrides: %w", err)
	}
	return cfg, nil
}
