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
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the client-side settings shared by every transport.
type Config struct {
	// Timeout bounds each call when the caller's context carries no earlier
	// deadline. Zero leaves timing entirely to the context.
	Timeout time.Duration
	// Logger receives structured log lines; nil disables logging.
	Logger io.Writer
	// LogLevel is a zerolog level name ("debug", "info", ...).
	LogLevel string
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Timeout:  1 * time.Second,
		LogLevel: "info",
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %v", ErrInvalidArgument, c.Timeout)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("%w: log level %q: %v", ErrInvalidArgument, c.LogLevel, err)
		}
	}
	return nil
}

// SerialConfig holds the line settings of a serial port.
type SerialConfig struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
	Timeout  time.Duration
}

// DefaultSerialConfig returns 9600 8N1 with a 300ms read timeout.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  300 * time.Millisecond,
	}
}

// Validate checks the serial line settings.
func (c SerialConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: serial address is empty", ErrInvalidArgument)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("%w: invalid baud rate %d", ErrInvalidArgument, c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("%w: invalid data bits %d (must be 5-8)", ErrInvalidArgument, c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("%w: invalid stop bits %d (must be 1 or 2)", ErrInvalidArgument, c.StopBits)
	}
	switch c.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("%w: invalid parity %q (must be N, E or O)", ErrInvalidArgument, c.Parity)
	}
	return nil
}
