package env

import (
	"log"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/agentuity/go-stmtcache/logger"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Prefix marks the variables LoadFile is willing to import.
const Prefix = "STMTCACHE_"

// EnvLogFormat selects the log format when --log-format is not given.
const EnvLogFormat = "STMTCACHE_LOG_FORMAT"

// LoadFile reads a .env file and exports every STMTCACHE_ variable that is
// not already set in the process environment. A missing file is not an error.
// It returns the keys it set, sorted.
func LoadFile(filename string) ([]string, error) {
	vars, err := godotenv.Read(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading %s", filename)
	}
	var set []string
	for _, key := range slices.Sorted(maps.Keys(vars)) {
		if !strings.HasPrefix(key, Prefix) {
			continue
		}
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, vars[key]); err != nil {
			return set, errors.Wrapf(err, "setting %s", key)
		}
		set = append(set, key)
	}
	return set, nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

// LogLevel resolves --log-level, then STMTCACHE_LOG_LEVEL, falling back to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, ok := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"))
	if !ok {
		return logger.LevelInfo
	}
	return level
}

// LogFormat resolves --log-format, then STMTCACHE_LOG_FORMAT. It returns
// "json" or "console".
func LogFormat(cmd *cobra.Command) (string, error) {
	switch format := strings.ToLower(FlagOrEnv(cmd, "log-format", EnvLogFormat, "console")); format {
	case "json", "console":
		return format, nil
	case "":
		return "console", nil
	default:
		return "", errors.Newf("unknown log format %q (want console or json)", format)
	}
}

// NewLogger returns a console or JSON logger at the level chosen by LogLevel.
func NewLogger(cmd *cobra.Command) (logger.Logger, error) {
	format, err := LogFormat(cmd)
	if err != nil {
		return nil, err
	}
	level := LogLevel(cmd)
	if format == "json" {
		return logger.NewJSONLoggerWithSink(os.Stderr, level), nil
	}
	log.SetFlags(0)
	return logger.NewConsoleLogger(level), nil
}
