package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString returns the environment value for key or def when unset.
func GetString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// GetInt parses key as an integer, falling back to def.
func GetInt(key string, def int) int {
	v := GetString(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetBool parses key as a boolean, falling back to def.
func GetBool(key string, def bool) bool {
	v := GetString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetFloat parses key as a float64, falling back to def.
func GetFloat(key string, def float64) float64 {
	v := GetString(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetDuration accepts Go duration strings ("750ms", "10s") or a bare number of seconds.
func GetDuration(key string, def time.Duration) time.Duration {
	v := GetString(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
