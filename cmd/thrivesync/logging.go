package main

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger writes to stderr and, when a log file is configured, to a
// size-rotated file as well.
func newLogger(cfg Config) (*log.Logger, io.Closer) {
	path := strings.TrimSpace(cfg.LogFile)
	if path == "" {
		return log.New(os.Stderr, "thrivesync ", log.LstdFlags|log.Lmsgprefix), io.NopCloser(nil)
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	return log.New(io.MultiWriter(os.Stderr, rotating), "thrivesync ", log.LstdFlags|log.Lmsgprefix), rotating
}
