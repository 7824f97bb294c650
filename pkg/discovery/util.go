package discovery

import (
	"os"
	"time"
)

const leaveTimeout = 5 * time.Second

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "node-unknown"
	}
	return hostname
}
