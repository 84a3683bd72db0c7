// Package logging builds the slog handles passed to every vmctl component.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"import.name/sjournal"
)

// Levels beyond the slog defaults.
const (
	LevelTrace    = slog.LevelDebug - 4
	LevelCritical = slog.LevelError + 4
)

// Options selects where and how much to log.
type Options struct {
	// Path is the log file. It is truncated on open. Empty means stderr.
	Path string

	// Level is one of trace, debug, info, warn, error, critical.
	Level string

	// Journal sends records to the systemd journal instead of Path.
	Journal bool

	// Version is attached to every record.
	Version string
}

// ParseLevel maps a level name to a slog.Level. Matching is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}

// New returns a logger and the closer for its sink. The closer is a no-op
// for stderr and the journal.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		h      slog.Handler
		closer io.Closer = nopCloser{}
	)

	switch {
	case opts.Journal:
		jh, err := sjournal.NewHandler(&sjournal.HandlerOptions{
			Delimiter:  sjournal.ColonDelimiter,
			TimeFormat: time.RFC3339Nano,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("logging: journal: %w", err)
		}
		h = leveled{Handler: jh, level: level}

	case opts.Path != "":
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %s: %w", opts.Path, err)
		}
		h = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
		closer = f

	default:
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(h)
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger, closer, nil
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// leveled drops records below level before they reach the wrapped handler.
type leveled struct {
	slog.Handler
	level slog.Level
}

func (l leveled) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= l.level && l.Handler.Enabled(ctx, level)
}

func (l leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveled{Handler: l.Handler.WithAttrs(attrs), level: l.level}
}

func (l leveled) WithGroup(name string) slog.Handler {
	return leveled{Handler: l.Handler.WithGroup(name), level: l.level}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
