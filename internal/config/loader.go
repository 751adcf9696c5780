package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers the global flags on fs and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("config", "", "config file path (default ./arc-nosql.yaml, ~/.arc-nosql/arc-nosql.yaml)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (auto, json, text, pretty)")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	fs.String("table-backend", "", "table backend ("+strings.Join(tableBackends(), ", ")+")")
	fs.String("blob-backend", "", "payload spill backend (empty disables spill)")

	_ = v.BindPFlag("observability.log_level", fs.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", fs.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", fs.Lookup("metrics-addr"))
	_ = v.BindPFlag("storage.table.backend", fs.Lookup("table-backend"))
	_ = v.BindPFlag("storage.blob.backend", fs.Lookup("blob-backend"))
}

// tableBackends is the flag help list. It is fixed here so the config
// package does not import the drivers.
func tableBackends() []string {
	return []string{"badger", "dynamodb", "memory", "redis", "sqlite"}
}

// Load merges defaults, the config file, ARC_NOSQL_* environment variables
// and bound flags, in increasing precedence. A missing config file is only
// an error when configFile names it explicitly.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("arc-nosql")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arc-nosql")
		v.AddConfigPath("/etc/arc-nosql")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Messages.InlineLimit < 0 {
		return Config{}, fmt.Errorf("messages.inline_limit must not be negative, got %d", cfg.Messages.InlineLimit)
	}
	return cfg, nil
}
