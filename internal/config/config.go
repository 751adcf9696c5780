// Package config loads arc-nosql configuration from flags, the environment
// and an optional YAML file.
package config

import (
	"github.com/spf13/viper"

	"github.com/gezibash/arc-nosql/internal/observability"
)

// EnvPrefix prefixes every environment variable, e.g.
// ARC_NOSQL_STORAGE_TABLE_BACKEND.
const EnvPrefix = "ARC_NOSQL"

// BaseConfig holds settings every command needs.
type BaseConfig struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// Config is the full configuration.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	Storage  StorageConfig  `mapstructure:"storage"`
	Stores   StoresConfig   `mapstructure:"stores"`
	Messages MessagesConfig `mapstructure:"messages"`
}

// StorageConfig selects the physical backends.
type StorageConfig struct {
	Table BackendConfig `mapstructure:"table"`

	// Blob is optional. With no backend, message payloads are always
	// stored inline.
	Blob BackendConfig `mapstructure:"blob"`
}

// BackendConfig names a registered backend and its driver settings.
type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

// StoresConfig holds table names.
type StoresConfig struct {
	Events   string `mapstructure:"events"`
	Messages string `mapstructure:"messages"`
	Tasks    string `mapstructure:"tasks"`
}

// MessagesConfig tunes the message store.
type MessagesConfig struct {
	// InlineLimit is the largest payload, in bytes, kept in the table item
	// when a blob backend is configured.
	InlineLimit int `mapstructure:"inline_limit"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// ObsConfig converts c for observability.New.
func (c ObservabilityConfig) ObsConfig() observability.ObsConfig {
	return observability.ObsConfig{
		LogLevel:       c.LogLevel,
		LogFormat:      c.LogFormat,
		OTLPEndpoint:   c.OTLPEndpoint,
		OTLPProtocol:   c.OTLPProtocol,
		MetricsAddr:    c.MetricsAddr,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "auto")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "arc-nosql")
	v.SetDefault("observability.service_version", "dev")

	v.SetDefault("storage.table.backend", "badger")
	v.SetDefault("storage.blob.backend", "")

	v.SetDefault("stores.events", "eventLog")
	v.SetDefault("stores.messages", "messageStoreMessages")
	v.SetDefault("stores.tasks", "resumableTasks")

	v.SetDefault("messages.inline_limit", 256*1024)
}
