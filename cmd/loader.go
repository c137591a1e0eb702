package cmd

import (
	_ "embed" // Required for go:embed
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
	"gopkg.in/yaml.v3"
)

//go:embed prod/config.yaml
var configFile []byte

// Load parses the embedded configuration file and applies environment overrides.
func Load(logger zerolog.Logger) (*config.AppConfig, error) {
	return load(configFile, logger)
}

func load(raw []byte, logger zerolog.Logger) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}

	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to map yaml config: %w", err)
	}
	return config.UpdateConfigWithEnvOverrides(baseCfg, logger)
}
