// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel type defines the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelNone // Disables logging
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

// ParseLogLevel accepts the LogLevel names as well as zerolog's level
// names, in any case. Trace maps to debug; fatal and panic map to error.
func ParseLogLevel(s string) (LogLevel, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "warning":
		return LevelWarning, nil
	case "none":
		return LevelNone, nil
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return LevelInfo, fmt.Errorf("%w: invalid log level: %q", ErrInvalidArgument, s)
	}
	if lvl == zerolog.Disabled {
		return LevelNone, nil
	}
	return fromZerologLevel(lvl), nil
}

// SimpleLogger is a zerolog.LevelWriter that drops entries below its level
// and writes the rest as "timestamp [LEVEL] <prefix> entry" lines.
type SimpleLogger struct {
	mu         sync.Mutex
	level      LogLevel
	output     io.Writer
	timeFormat string
	prefix     string
}

var _ zerolog.LevelWriter = (*SimpleLogger)(nil)

// NewSimpleLogger creates a new SimpleLogger instance.
// If output is nil, it defaults to os.Stdout.
func NewSimpleLogger(output io.Writer, level LogLevel, prefix string) *SimpleLogger {
	if output == nil {
		output = os.Stdout
	}
	return &SimpleLogger{
		level:      level,
		output:     output,
		timeFormat: time.RFC3339,
		prefix:     prefix,
	}
}

// SetLevel sets the logging level of the SimpleLogger.
func (l *SimpleLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level of the SimpleLogger.
func (l *SimpleLogger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevelFromString sets the level from a name understood by ParseLogLevel.
func (l *SimpleLogger) SetLevelFromString(levelStr string) error {
	level, err := ParseLogLevel(levelStr)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}

// Write implements io.Writer for callers that log plain text; the level is
// taken from a "[LEVEL]" or "LEVEL:" prefix and defaults to info.
func (l *SimpleLogger) Write(p []byte) (n int, err error) {
	return l.write(determineLevel(string(p)), p)
}

// WriteLevel implements zerolog.LevelWriter.
func (l *SimpleLogger) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	return l.write(fromZerologLevel(level), p)
}

func (l *SimpleLogger) write(level LogLevel, p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level == LevelNone || level < l.level {
		return len(p), nil
	}
	line := fmt.Sprintf("%s [%s] <%s> %s\n",
		time.Now().Format(l.timeFormat), level, l.prefix, strings.TrimSpace(string(p)))
	if _, err := io.WriteString(l.output, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying output if it's not os.Stdout.
func (l *SimpleLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if closer, ok := l.output.(io.Closer); ok && l.output != os.Stdout {
		return closer.Close()
	}
	return nil
}

// determineLevel tries to infer the log level from the message prefix.
func determineLevel(message string) LogLevel {
	upperMessage := strings.ToUpper(message)
	switch {
	case strings.HasPrefix(upperMessage, "[DEBUG]"), strings.HasPrefix(upperMessage, "DEBUG:"):
		return LevelDebug
	case strings.HasPrefix(upperMessage, "[WARNING]"), strings.HasPrefix(upperMessage, "WARN:"),
		strings.HasPrefix(upperMessage, "WARNING:"):
		return LevelWarning
	case strings.HasPrefix(upperMessage, "[ERROR]"), strings.HasPrefix(upperMessage, "ERROR:"):
		return LevelError
	}
	return LevelInfo
}

func fromZerologLevel(level zerolog.Level) LogLevel {
	switch {
	case level <= zerolog.DebugLevel:
		return LevelDebug
	case level == zerolog.InfoLevel, level == zerolog.NoLevel:
		return LevelInfo
	case level == zerolog.WarnLevel:
		return LevelWarning
	default:
		return LevelError
	}
}

// newLogger builds the client logger writing to w. A nil writer yields a
// disabled logger.
func newLogger(w io.Writer, level string, mode string) zerolog.Logger {
	if w == nil {
		return zerolog.Nop()
	}
	logger := zerolog.New(w).With().Timestamp().Str("mode", mode).Logger()
	if level != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			logger = logger.Level(lvl)
		}
	}
	return logger
}
