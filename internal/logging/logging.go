// Package logging wires logrus to the console or a rotating log file and
// provides the gin request logging middleware.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB  = 20
	maxLogBackups = 5
	maxLogAgeDays = 14
)

// SetLogLevel maps a textual level onto the global logrus level.
// Unknown values fall back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// Setup configures the global logger from cfg. Console logging writes to
// stderr; otherwise output goes to a size-rotated file under the data
// directory. The returned closer releases the file.
func Setup(cfg *config.Config) (io.Closer, error) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	SetLogLevel(cfg.LogLevel)
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	if cfg.ConsoleLog {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	path := cfg.LogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
		Compress:   true,
	}
	log.SetOutput(writer)
	return writer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
