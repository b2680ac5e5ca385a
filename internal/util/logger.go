// Package util provides logging setup and host platform helpers used
// throughout forge.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const logPrefix = "forge_"

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultLogConfig returns the logging settings used before the config
// file has been read.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Directory: "logs", MaxSizeMB: 10, MaxBackups: 5, Console: true}
}

// logFileName is the daily file forge appends to.
func logFileName(day time.Time) string {
	return logPrefix + day.Format("2006-01-02") + ".log"
}

// InitLogger points the global zerolog logger at today's JSON log file
// and, when enabled, a console writer. Unknown levels fall back to info.
func InitLogger(cfg LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return fmt.Errorf("create log directory %s: %w", cfg.Directory, err)
	}
	path := filepath.Join(cfg.Directory, logFileName(time.Now()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}

	var out io.Writer = file
	if cfg.Console {
		out = zerolog.MultiLevelWriter(file, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(out).With().Timestamp().Str("app", "forge").Caller().Logger()

	log.Info().Str("level", level.String()).Str("log_file", path).Msg("logger initialized")

	go cleanOldLogs(cfg.Directory, cfg.MaxBackups, cfg.MaxSizeMB)
	return nil
}

// cleanOldLogs keeps the newest maxBackups forge log files and removes
// older ones, plus any past file that outgrew maxSizeMB.
func cleanOldLogs(directory string, maxBackups, maxSizeMB int) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return
	}

	today := logFileName(time.Now())
	limit := int64(maxSizeMB) * mib
	var kept []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, logPrefix) || filepath.Ext(name) != ".log" {
			continue
		}
		if info, err := e.Info(); err == nil && limit > 0 && info.Size() > limit && name != today {
			removeLog(filepath.Join(directory, name), "oversized")
			continue
		}
		kept = append(kept, name)
	}

	// Names carry the date, so lexical order is age order.
	sort.Strings(kept)
	for len(kept) > maxBackups {
		removeLog(filepath.Join(directory, kept[0]), "expired")
		kept = kept[1:]
	}
}

func removeLog(path, why string) {
	if err := os.Remove(path); err == nil {
		log.Debug().Str("file", path).Str("reason", why).Msg("removed log file")
	}
}

// ComponentLogger returns the global logger tagged with a component field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
