package config

import "time"

// Config represents the complete stepgate configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	API        APIConfig        `yaml:"api"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Events     EventsConfig     `yaml:"events"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name          string `yaml:"name"`
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file,omitempty"` // empty logs to stdout
	LogMaxSizeMB  int    `yaml:"log_max_size_mb,omitempty"`
	LogMaxBackups int    `yaml:"log_max_backups,omitempty"`
	PIDFile       string `yaml:"pid_file,omitempty"` // single-instance lock, off when empty
}

// GRPCConfig defines the gRPC listener.
type GRPCConfig struct {
	Listen               string `yaml:"listen"`
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DownstreamConfig tunes the client steps use to reach the records API.
type DownstreamConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// EventsConfig sizes the in-memory event buffer.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}
