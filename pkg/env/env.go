// Package env reads typed configuration values from the process environment.
// Parse failures fall back to the default rather than erroring, so a bad
// override never prevents startup with sane settings.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// GetString returns the variable's value, or the default when unset or empty.
func GetString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetStringFromFile resolves a secret: when KEY_FILE names a readable file
// its trimmed contents win, otherwise the plain KEY variable is used. This
// matches how Docker and Kubernetes mount secrets.
func GetStringFromFile(key, defaultValue string) string {
	if filePath := os.Getenv(key + "_FILE"); filePath != "" {
		if content, err := os.ReadFile(filepath.Clean(filePath)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

// GetInt parses the variable as an integer, falling back on any parse error.
func GetInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

// GetBool parses the variable with strconv.ParseBool semantics.
func GetBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

// GetDuration parses the variable in time.ParseDuration syntax, e.g. "30s".
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return value
}
