// Package logging wraps log/slog so every component logs with the same
// handler, level and a "component" attribute.
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("consumer")
//	log.Info("subscribed", "stream", name)
package logging

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// Init replaces the global logger. JSON output is meant for production.
func Init(level slog.Level, jsonFormat bool) {
	InitWithWriter(os.Stdout, level, jsonFormat)
}

// InitWithWriter is Init with an explicit destination, used by tests.
func InitWithWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	mu.Lock()
	logger = slog.New(handler)
	mu.Unlock()
	slog.SetDefault(logger)
}

// Component returns a logger tagged with the component name.
func Component(name string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.With("component", name)
}

// ParseLevel maps the CLI level names onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Preview renders a payload for log context, truncated to max bytes. Text
// is cut on a rune boundary; anything that is not valid UTF-8 is hex encoded.
func Preview(b []byte, max int) string {
	n := min(len(b), max)
	if !utf8.Valid(b) {
		s := "hex:" + hex.EncodeToString(b[:n])
		if n < len(b) {
			s += fmt.Sprintf("...(%d bytes)", len(b))
		}
		return s
	}
	if n == len(b) {
		return string(b)
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n]) + fmt.Sprintf("...(%d bytes)", len(b))
}
