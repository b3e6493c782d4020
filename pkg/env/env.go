// Package env reads the few process-level variables that sit outside the
// BILLING_ config namespace because the hosting platform sets them.
package env

import (
	"os"
	"strings"
)

// Get returns the trimmed value of key, or fallback when unset or blank.
func Get(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// ListenAddr prefers the platform-assigned PORT over the configured one.
func ListenAddr(configuredPort string) string {
	return ":" + strings.TrimPrefix(Get("PORT", configuredPort), ":")
}

// Instance names this process for logs: the dyno, then the hostname, then "local".
func Instance() string {
	return Get("DYNO", Get("HOSTNAME", "local"))
}
