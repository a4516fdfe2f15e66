package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables that override file settings.
const (
	EnvDestination     = "VMVAULT_DESTINATION"
	EnvLogLevel        = "VMVAULT_LOG_LEVEL"
	EnvListenAddr      = "VMVAULT_LISTEN_ADDR"
	EnvCheckFreeSpace  = "VMVAULT_CHECK_FREE_SPACE"
	EnvCleanupAttempts = "VMVAULT_CLEANUP_ATTEMPTS"
)

// ApplyEnv returns a copy of c with environment overrides applied. Unset or
// invalid variables leave the file value in place.
func (c Config) ApplyEnv() Config {
	out := c
	if v := strings.TrimSpace(os.Getenv(EnvDestination)); v != "" {
		out.DestinationDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		out.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListenAddr)); v != "" {
		out.ListenAddr = v
	}
	out.CheckFreeSpace = getEnvBool(EnvCheckFreeSpace, out.CheckFreeSpace)
	if n := getEnvInt(EnvCleanupAttempts, out.CleanupAttempts); n > 0 {
		out.CleanupAttempts = n
	}
	return out
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
