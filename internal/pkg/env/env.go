// Package env provides utilities for working with environment variables.
package env

import (
	"os"
	"strconv"
	"time"
)

// Get returns the value of the environment variable or the default if not set.
func Get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDuration parses the variable as a time.Duration ("30s", "5m").
// Unset or malformed values return the default.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return d
}

// GetInt parses the variable as a base-10 int.
// Unset or malformed values return the default.
func GetInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}
