package storage

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config is a backend's flat string configuration. Typed getters report
// malformed values as *ConfigError tagged with the backend name.
type Config struct {
	backend string
	values  map[string]string
}

// NewConfig wraps values for the named backend.
func NewConfig(backend string, values map[string]string) Config {
	if values == nil {
		values = map[string]string{}
	}
	return Config{backend: backend, values: values}
}

// Backend returns the backend name errors are tagged with.
func (c Config) Backend() string { return c.backend }

// Values returns the underlying map.
func (c Config) Values() map[string]string { return c.values }

// String retrieves a string value, returning defaultValue if not present or empty.
func (c Config) String(key, defaultValue string) string {
	if v, ok := c.values[key]; ok && v != "" {
		return v
	}
	return defaultValue
}

// Require retrieves a string value that must be present and non-empty.
func (c Config) Require(key string) (string, error) {
	v := c.String(key, "")
	if v == "" {
		return "", NewConfigError(c.backend, key, "cannot be empty")
	}
	return v, nil
}

// Bool retrieves a boolean value.
// Accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func (c Config) Bool(key string, defaultValue bool) (bool, error) {
	v, ok := c.values[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, NewConfigError(c.backend, key, "must be a boolean (true/false, 1/0, yes/no)").WithValue(v)
	}
}

// Int retrieves an integer value.
func (c Config) Int(key string, defaultValue int) (int, error) {
	v, ok := c.values[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, NewConfigError(c.backend, key, "must be an integer").WithValue(v).WithCause(err)
	}
	return i, nil
}

// Duration retrieves a duration value.
// Accepts Go duration strings (e.g., "5s", "1m30s") or plain integers as seconds.
func (c Config) Duration(key string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := c.values[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, NewConfigError(c.backend, key, "must be a duration (e.g., '5s', '1m30s') or integer seconds").WithValue(v)
}

// FileMode retrieves an octal permission string such as "0700".
func (c Config) FileMode(key string, defaultMode os.FileMode) (os.FileMode, error) {
	v, ok := c.values[key]
	if !ok || v == "" {
		return defaultMode, nil
	}
	m, err := strconv.ParseUint(v, 8, 32)
	if err != nil {
		return 0, NewConfigError(c.backend, key, "must be an octal permission string (e.g. 0700)").WithValue(v)
	}
	return os.FileMode(m), nil
}

// OneOf retrieves a value restricted to allowed (case-insensitive).
func (c Config) OneOf(key, defaultValue string, allowed ...string) (string, error) {
	v := strings.ToLower(c.String(key, defaultValue))
	if !slices.Contains(allowed, v) {
		return "", NewConfigError(c.backend, key, "must be one of "+strings.Join(allowed, ", ")).WithValue(v)
	}
	return v, nil
}

// Path retrieves a filesystem path with ~ expanded.
func (c Config) Path(key, defaultValue string) (string, error) {
	v := c.String(key, defaultValue)
	if v == "" {
		return "", NewConfigError(c.backend, key, "cannot be empty")
	}
	return ExpandPath(v), nil
}

// ExpandPath expands ~ to the user's home directory and cleans the path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}

// MergeConfig merges src into dst, returning a new map.
// Values from src override values from dst.
func MergeConfig(dst, src map[string]string) map[string]string {
	result := make(map[string]string, len(dst)+len(src))
	maps.Copy(result, dst)
	maps.Copy(result, src)
	return result
}
