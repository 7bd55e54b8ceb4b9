package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

const service = "open-connections-digest"

// Logger is a slog.Logger with a verbose switch for per-stage detail.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// NewLogger builds a text or json logger tagged with the build. Timestamps
// are dropped since cron and journald add their own.
func NewLogger(format string, verbose bool, output io.Writer, version, commit string) *Logger {
	if output == nil {
		output = os.Stdout
	}

	level := new(slog.LevelVar)
	if verbose {
		level.Set(slog.LevelDebug)
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}

	var handler slog.Handler = slog.NewTextHandler(output, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{
		Logger: slog.New(handler).With(
			slog.String("service", service),
			slog.String("version", version),
			slog.String("commit", commit),
		),
		level: level,
	}
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), level: new(slog.LevelVar)}
}

// SetAsDefault routes slog and the log package through this logger.
func (l *Logger) SetAsDefault() {
	slog.SetDefault(l.Logger)
	slog.SetLogLoggerLevel(l.level.Level())
}

func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Verbose logs at Debug, and only when verbose output was asked for.
func (l *Logger) Verbose(msg string, args ...any) {
	if l.level.Level() <= slog.LevelDebug {
		l.Debug(msg, args...)
	}
}

// LogRunStats writes the one-line summary of a finished run. Failed runs
// are logged at Warn.
func (l *Logger) LogRunStats(status models.RunStatus, stats models.RunStats) {
	level := slog.LevelInfo
	if status == models.RunFailed {
		level = slog.LevelWarn
	}
	l.LogAttrs(context.Background(), level, "run_completed",
		slog.String("status", string(status)),
		slog.Int("requests_scanned", stats.RequestsScanned),
		slog.Int("connectors", stats.Connectors),
		slog.Int("messages_sent", stats.MessagesSent),
		slog.Int("warnings", stats.Warnings),
		slog.Int("errors", stats.Errors),
		slog.Duration("duration", stats.Duration),
	)
}

func (l *Logger) LogError(msg string, err error, args ...any) {
	l.Error(msg, append([]any{slog.String("error", err.Error())}, args...)...)
}
