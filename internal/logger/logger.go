package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFilename   = "devsession.log"
)

// Config describes where session diagnostics go.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug, info, warn, error
	Format string     `mapstructure:"format"` // text or json
	Color  bool       `mapstructure:"color"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig holds rotation settings. If Dir is empty the session log is not
// written to a file. If BackendDir is set, each backend's log stream is also
// kept in BackendDir/<name>.log. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	BackendDir string `mapstructure:"backend_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// SessionPath is the session log file, or "" when logging to a file is off.
func (c Config) SessionPath() string {
	if c.File.Dir == "" {
		return ""
	}
	name := c.File.Filename
	if name == "" {
		name = DefaultFilename
	}
	return filepath.Join(c.File.Dir, name)
}

// SessionWriter returns the rotating session log, or nil when disabled.
func (c Config) SessionWriter() io.WriteCloser {
	p := c.SessionPath()
	if p == "" {
		return nil
	}
	return c.File.rotating(p)
}

// BackendWriter returns a rotating file for one backend's log lines, or nil
// when backend archiving is disabled.
func (c Config) BackendWriter(name string) (io.WriteCloser, error) {
	if c.File.BackendDir == "" {
		return nil, nil
	}
	if !isSafeName(name) {
		return nil, fmt.Errorf("unsafe backend name for log file: %q", name)
	}
	return c.File.rotating(filepath.Join(c.File.BackendDir, name+".log")), nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the session logger. Records go to the rotating file when one is
// configured and to fallback otherwise. The returned closer releases the file.
func New(c Config, fallback io.Writer) (*slog.Logger, io.Closer, error) {
	var w io.Writer = fallback
	var closer io.Closer = nopCloser{}
	if fw := c.SessionWriter(); fw != nil {
		w, closer = fw, fw
	}
	if w == nil {
		return nil, nil, errors.New("logger: no destination")
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		if c.Color {
			h = NewColorTextHandler(w, opts, true)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	default:
		return nil, nil, fmt.Errorf("logger: unknown format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// isSafeName validates names used in filenames.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
