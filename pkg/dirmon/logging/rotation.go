package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// MaxSizeMB is the size in megabytes at which the file is rotated.
	// Zero uses the default of 10.
	MaxSizeMB int

	// MaxAge is the number of days to retain rotated files.
	// Zero keeps them regardless of age.
	MaxAge int

	// MaxBackups is the number of rotated files to keep.
	// Zero keeps all of them (subject to MaxAge).
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// DefaultRotationConfig returns sensible defaults for rotation.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  10,
		MaxAge:     30,
		MaxBackups: 5,
	}
}

// NewRotatingWriter returns a rotating writer for path. Parent directories
// are created up front so configuration errors surface at Init.
func NewRotatingWriter(path string, cfg RotationConfig) (*lumberjack.Logger, error) {
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = DefaultRotationConfig().MaxSizeMB
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
