package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

func initLogger() error {
	var level slog.Level
	switch strings.ToUpper(FlagVerbose) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q", FlagVerbose)
	}
	// stderr keeps table and yaml output on stdout machine-readable
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return nil
}
