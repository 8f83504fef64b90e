package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rendis/conductor/internal/logging"
)

// newLogger writes text records to w. Stdout carries MCP traffic, so
// commands pass stderr.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(h)), nil
}
