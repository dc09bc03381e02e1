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
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	serial "github.com/hootrhino/goserial"
)

// DefaultTCPPort is used when a tcp:// URL names no port.
const DefaultTCPPort = "502"

// Endpoint is a parsed device URL.
type Endpoint struct {
	Scheme  string
	Mode    string       // ModeTCP, ModeRTU or ModeRTUOverTCP
	Address string       // host:port, or the serial device
	Serial  SerialConfig // line settings, ModeRTU only
}

// ParseURL parses a device URL:
//
//	tcp://host[:port]                  Modbus TCP, port 502 by default
//	rtu+tcp://host:port                RTU frames over TCP
//	serial-tcp://host:port             same as rtu+tcp
//	serial:///dev/ttyUSB0?baudrate=19200&parity=E
//	rtu://COM3                         same as serial
//
// Serial URLs accept baudrate, databits, stopbits, parity and timeout
// query parameters.
func ParseURL(rawURL string) (*Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url %q: %v", ErrInvalidArgument, rawURL, err)
	}

	ep := &Endpoint{Scheme: strings.ToLower(u.Scheme)}
	switch ep.Scheme {
	case "tcp":
		if u.Hostname() == "" {
			return nil, fmt.Errorf("%w: %q has no host", ErrInvalidArgument, rawURL)
		}
		port := u.Port()
		if port == "" {
			port = DefaultTCPPort
		}
		ep.Mode = ModeTCP
		ep.Address = net.JoinHostPort(u.Hostname(), port)
	case "rtu+tcp", "serial-tcp":
		if u.Hostname() == "" || u.Port() == "" {
			return nil, fmt.Errorf("%w: %q needs host and port", ErrInvalidArgument, rawURL)
		}
		ep.Mode = ModeRTUOverTCP
		ep.Address = u.Host
	case "serial", "rtu":
		ep.Mode = ModeRTU
		ep.Serial, err = parseSerialQuery(u.Host+u.Path, u.Query())
		if err != nil {
			return nil, err
		}
		ep.Address = ep.Serial.Address
	case "":
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidArgument, rawURL)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q for %s", ErrInvalidArgument, u.Scheme, rawURL)
	}
	return ep, nil
}

func parseSerialQuery(address string, q url.Values) (SerialConfig, error) {
	cfg := DefaultSerialConfig()
	cfg.Address = address

	ints := []struct {
		key string
		dst *int
	}{
		{"baudrate", &cfg.BaudRate},
		{"databits", &cfg.DataBits},
		{"stopbits", &cfg.StopBits},
	}
	for _, p := range ints {
		if v := q.Get(p.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%w: %s=%q: %v", ErrInvalidArgument, p.key, v, err)
			}
			*p.dst = n
		}
	}
	if v := q.Get("parity"); v != "" {
		cfg.Parity = strings.ToUpper(v[:1])
	}
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%w: timeout=%q: %v", ErrInvalidArgument, v, err)
		}
		cfg.Timeout = d
	}
	return cfg, cfg.Validate()
}

// serialPort hides the deadline setters of a goserial port. They are
// no-ops, so NewStream must read the port from a goroutine instead.
type serialPort struct {
	io.ReadWriteCloser
}

// openSerial opens a serial port; tests replace it.
var openSerial = func(c SerialConfig) (io.ReadWriteCloser, error) {
	p, err := serial.Open(&serial.Config{
		Address:  c.Address,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
		Timeout:  c.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return serialPort{p}, nil
}

// Dial connects to the device named by rawURL and returns a client using
// the framing the scheme implies.
func Dial(ctx context.Context, rawURL string, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ep, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	var rwc io.ReadWriteCloser
	switch ep.Mode {
	case ModeTCP, ModeRTUOverTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, classifyIOError("dial "+ep.Address, err)
		}
		rwc = conn
	default:
		port, err := openSerial(ep.Serial)
		if err != nil {
			return nil, fmt.Errorf("%w: open serial port %s: %v", ErrConnectionClosed, ep.Address, err)
		}
		rwc = port
	}

	c, err := NewClient(NewStream(rwc), ep.Mode, cfg)
	if err != nil {
		rwc.Close()
		return nil, err
	}
	c.log().Info().Str("url", rawURL).Str("address", ep.Address).Msg("modbus: connected")
	return c, nil
}
