package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the process-wide base logger.
type Config struct {
	Level   string    // log level name, "info" when empty or unknown
	Output  io.Writer // destination, defaults to os.Stdout
	Service string    // service name stamped on every entry
	Version string    // build version stamped on every entry, omitted when empty
	Debug   bool      // human-readable console output for local runs
}

var (
	mu   sync.RWMutex
	base zerolog.Logger
)

// Configure replaces the process-wide base logger. Binaries call it twice:
// once with defaults before the config file is read, then again when the
// configured level and debug flag are known. Loggers derived before the
// second call keep the defaults.
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	if cfg.Debug {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.TimeOnly}
	}

	service := cfg.Service
	if service == "" {
		service = "dearrow-thumbnails"
	}

	c := zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", service)
	if cfg.Version != "" {
		c = c.Str("version", cfg.Version)
	}

	mu.Lock()
	base = c.Logger()
	mu.Unlock()
}

func logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Base returns the current base logger.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child of the base logger tagged with a component
// name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str(FieldComponent, component).Logger()
}

func init() {
	Configure(Config{})
}
