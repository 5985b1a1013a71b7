package log

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// buildOutput fans log lines out to stdout and, when enabled, a
// size-rotated file.
func buildOutput(cfg Config) (io.Writer, error) {
	writers := []io.Writer{os.Stdout}

	if cfg.File.Enabled {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	}

	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}
