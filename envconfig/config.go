// Package envconfig reads DIP_* environment variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of surrounding whitespace and
// quotes
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level for the application. DIP_DEBUG accepts a
// boolean or a verbosity integer where each step lowers the level by 4.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DIP_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			if b {
				level = slog.LevelDebug
			}
		} else if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			level = slog.Level(i * -4)
		} else {
			slog.Warn("invalid environment variable, using default", "key", "DIP_DEBUG", "value", s)
		}
	}
	return level
}

// Int64 returns a function reading key as an int64 with a default value
func Int64(key string, defaultValue int64) func() int64 {
	return func() int64 {
		if s := Var(key); s != "" {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
				return defaultValue
			}
			return n
		}
		return defaultValue
	}
}

// Uint returns a function reading key as a uint with a default value
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
				return defaultValue
			}
			return uint(n)
		}
		return defaultValue
	}
}

var (
	// Seed seeds the noise input and weight initialization. 0 picks a
	// time based seed.
	Seed = Int64("DIP_SEED", 0)
	// Epochs overrides the optimizer epochs per iteration. 0 keeps the
	// trainer default.
	Epochs = Uint("DIP_EPOCHS", 0)
)

// EnvVar describes one supported variable
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every supported variable with its current value
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DIP_DEBUG":  {"DIP_DEBUG", LogLevel(), "Show additional debug information (e.g. DIP_DEBUG=1)"},
		"DIP_SEED":   {"DIP_SEED", Seed(), "Seed for the noise input and weight initialization"},
		"DIP_EPOCHS": {"DIP_EPOCHS", Epochs(), "Optimizer epochs per iteration"},
	}
}

// Values returns the current value of every supported variable as text
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
