package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/veritas-labs/scrutiny/pkg/contracts"
)

var serviceValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateService runs tag validation over a service configuration, then
// the cross-field rules (d3 expansion requires the enhanced tier).
func ValidateService(cfg contracts.ServiceConfig) error {
	if err := serviceValidator.Struct(cfg); err != nil {
		return fmt.Errorf("config: service config: %w", err)
	}
	return cfg.Validate()
}

// LoadService reads and validates a service configuration file.
func LoadService(path string) (*contracts.ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading service config: %w", err)
	}
	var cfg contracts.ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing service config %s: %w", path, err)
	}
	if err := ValidateService(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
