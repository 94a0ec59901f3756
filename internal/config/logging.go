package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

// LogConfig is the [log] section of the settings file. An empty level or
// format falls back to info-level text output, which suits interactive runs;
// scheduled runs usually set format = "json" for log aggregation.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Apply installs the configured handler as the process-wide slog default.
// Logs go to stderr so report JSON on stdout stays machine-readable.
func (lc *LogConfig) Apply() error {
	level, ok := logLevels[strings.ToLower(lc.Level)]
	if !ok {
		return errors.Mark(errors.Newf("unknown log level %q", lc.Level), errcode.ErrConfiguration)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format := strings.ToLower(lc.Format); format {
	case "", "text", "plain":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return errors.Mark(errors.Newf("unknown log format %q", format), errcode.ErrConfiguration)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
