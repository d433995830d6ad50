// Package logging builds the zerolog logger shared by the CLI and server.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File is a log file path; relative paths resolve against Dir. Empty
	// disables file output.
	File       string
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	Verbose    bool
}

// ParseLevel maps a config level name to a zerolog level. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch s {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to console and, when configured, a rotating
// file. The closer releases the file.
func New(opts Options, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	if console == nil {
		console = consoleOutput()
	}

	writer := console
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		path := opts.File
		if !filepath.IsAbs(path) && opts.Dir != "" {
			path = filepath.Join(opts.Dir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("create log directory: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		writer = zerolog.MultiLevelWriter(console, lj)
		closer = lj
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), closer, nil
}

func consoleOutput() io.Writer {
	if isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return os.Stderr
}
