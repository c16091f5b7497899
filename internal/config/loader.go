package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} references.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Defaults returns the configuration used when a field is not set.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:          "stepgate",
			LogLevel:      "info",
			LogMaxSizeMB:  100,
			LogMaxBackups: 3,
		},
		GRPC: GRPCConfig{
			Listen: ":50051",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Downstream: DownstreamConfig{
			Timeout:   30 * time.Second,
			UserAgent: "stepgate",
		},
		Events: EventsConfig{
			Buffer: 256,
		},
	}
}

// Load reads a YAML config file, expands ${VAR} references from the
// environment, applies it over Defaults and validates the result.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", configPath, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; Validate reports it.
		return match
	})
}

// Validate performs basic validation on the configuration.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		return fmt.Errorf("service.name is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogMaxSizeMB < 0 || cfg.Service.LogMaxBackups < 0 {
		return fmt.Errorf("service.log_max_size_mb and service.log_max_backups must not be negative")
	}

	if cfg.GRPC.Listen == "" {
		return fmt.Errorf("grpc.listen is required")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	if cfg.Downstream.Timeout <= 0 {
		return fmt.Errorf("downstream.timeout must be positive")
	}
	if cfg.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be positive")
	}

	fields := map[string]string{
		"service.name":          cfg.Service.Name,
		"service.log_file":      cfg.Service.LogFile,
		"service.pid_file":      cfg.Service.PIDFile,
		"grpc.listen":           cfg.GRPC.Listen,
		"api.listen":            cfg.API.Listen,
		"downstream.user_agent": cfg.Downstream.UserAgent,
	}
	for field, value := range fields {
		if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}
	return nil
}
