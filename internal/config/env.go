package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvOrDefault returns the value of key, or fallback when the variable is
// unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ParseList splits a comma-separated value, trimming whitespace and dropping
// empty entries.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return f, nil
}

// parseEndpoints parses a comma-separated device=url list, as used by
// ACTUATOR_ENDPOINTS.
func parseEndpoints(key string) (map[string]string, error) {
	endpoints := make(map[string]string)
	for _, entry := range ParseList(os.Getenv(key)) {
		device, url, ok := strings.Cut(entry, "=")
		device = strings.TrimSpace(device)
		url = strings.TrimSpace(url)
		if !ok || device == "" || url == "" {
			return nil, fmt.Errorf("invalid %s entry %q, want device=url", key, entry)
		}
		endpoints[device] = url
	}
	return endpoints, nil
}
