// Package logging provides structured logging for ronion nodes.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string // "json" or "console"
	Output io.Writer
}

// Logger wraps zerolog.Logger with additional context.
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new structured logger for the named node kind
// ("index", "relay", "proxy").
func NewLogger(cfg LogConfig, service string) *Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer
	if cfg.Output != nil {
		output = cfg.Output
	} else {
		output = os.Stdout
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{Logger: logger}
}

// WithComponent returns a logger with component context.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With().Str("component", component).Logger()}
}

// WithCircuit returns a logger with circuit context.
func (l *Logger) WithCircuit(id uint32) *Logger {
	return &Logger{Logger: l.With().Uint32("circuit_id", id).Logger()}
}

// WithRelay returns a logger with relay context.
func (l *Logger) WithRelay(id uint32) *Logger {
	return &Logger{Logger: l.With().Uint32("relay_id", id).Logger()}
}

// WithTunnel returns a logger with tunnel peer-address context.
func (l *Logger) WithTunnel(addr string) *Logger {
	return &Logger{Logger: l.With().Str("tunnel_addr", addr).Logger()}
}
