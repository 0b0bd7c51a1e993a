// Package logging builds the process logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/phsym/console-slog"
	slogmulti "github.com/samber/slog-multi"
)

// Options selects handlers and levels.
type Options struct {
	// Development switches stdout to the colored console handler.
	Development bool
	Level       string
	// ErrorFile, if set, receives a JSON copy of every error record and of
	// records carrying an "alert" attribute.
	ErrorFile string
}

// ParseLevel maps debug/info/warn/error to a slog level. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to out. The returned closer releases the
// error file, if any.
func New(out io.Writer, opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var primary slog.Handler
	if opts.Development {
		primary = console.NewHandler(out, &console.HandlerOptions{
			AddSource: true,
			Level:     level,
		})
	} else {
		primary = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	router := slogmulti.Router().Add(primary)
	var closer io.Closer = nopCloser{}

	if opts.ErrorFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.ErrorFile), 0755); err != nil {
			return nil, nil, fmt.Errorf("create error log directory: %w", err)
		}
		f, err := os.OpenFile(opts.ErrorFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open error log: %w", err)
		}
		closer = f
		router = router.Add(
			slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}),
			isAlert,
		)
	}

	return slog.New(router.Handler()), closer, nil
}

func isAlert(_ context.Context, r slog.Record) bool {
	if r.Level >= slog.LevelError {
		return true
	}
	alert := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "alert" {
			alert = true
			return false
		}
		return true
	})
	return alert
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
