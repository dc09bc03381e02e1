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
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Transport modes reported by GetMode.
const (
	ModeTCP        = "TCP"
	ModeRTU        = "RTU"
	ModeRTUOverTCP = "RTU_OVER_TCP"
)

// State is the stage of the transaction a Client is running.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateAwaitingResponse
	StateDecoding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting response"
	case StateDecoding:
		return "decoding"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// framer is implemented by TCPPackager and RTUPackager.
type framer interface {
	frame(unitID uint8, pdu []byte) (adu []byte, transactionID uint16, err error)
	readFrame(ctx context.Context, s Stream, transactionID uint16, unitID uint8) ([]byte, error)
}

// Client runs Modbus transactions over one Stream, one at a time. It is safe
// for concurrent use; concurrent calls are queued behind the one in flight.
type Client struct {
	stream  Stream
	framer  framer
	mode    string
	timeout time.Duration
	level   string

	sem    chan struct{} // one slot: the transaction in flight
	state  atomic.Int32
	closed atomic.Bool

	mu              sync.RWMutex // protects logger and lastModbusError
	logger          zerolog.Logger
	lastModbusError *ModbusError
}

// NewClient creates a client speaking mode over s.
func NewClient(s Stream, mode string, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var f framer
	switch mode {
	case ModeTCP:
		f = NewTCPPackager()
	case ModeRTU, ModeRTUOverTCP:
		f = NewRTUPackager()
	default:
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrInvalidArgument, mode)
	}
	return &Client{
		stream:  s,
		framer:  f,
		mode:    mode,
		timeout: cfg.Timeout,
		level:   cfg.LogLevel,
		sem:     make(chan struct{}, 1),
		logger:  newLogger(cfg.Logger, cfg.LogLevel, mode),
	}, nil
}

func mustClient(s Stream, mode string, cfg Config) *Client {
	c, err := NewClient(s, mode, cfg)
	if err != nil {
		// invalid settings fall back to the defaults; mode is always valid here
		fallback := DefaultConfig()
		fallback.Logger = cfg.Logger
		c, _ = NewClient(s, mode, fallback)
		c.log().Warn().Err(err).Msg("modbus: invalid config, using defaults")
	}
	return c
}

// NewTCPClient creates a client framing requests with the MBAP header over
// conn (usually a net.Conn).
func NewTCPClient(conn io.ReadWriteCloser, cfg Config) *Client {
	return mustClient(NewStream(conn), ModeTCP, cfg)
}

// NewRTUClient creates a client framing requests as RTU frames over port
// (a serial port or anything else carrying raw RTU bytes).
func NewRTUClient(port io.ReadWriteCloser, cfg Config) *Client {
	return mustClient(NewStream(port), ModeRTU, cfg)
}

// NewRTUOverTCPClient creates a client sending RTU frames over a TCP
// connection, as serial device servers expect.
func NewRTUOverTCPClient(conn io.ReadWriteCloser, cfg Config) *Client {
	return mustClient(NewStream(conn), ModeRTUOverTCP, cfg)
}

// State returns the current transaction state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) log() *zerolog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.logger
	return &l
}

// acquire waits for the transaction slot.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	c.setState(StateIdle)
	<-c.sem
}

// Execute sends req to unitID and returns the decoded response. Requests that
// fail validation are rejected before anything is written. A device
// exception is returned as a *ModbusError and cached for GetLastModbusError.
func (c *Client) Execute(ctx context.Context, unitID uint8, req *Request) (*Response, error) {
	reqPDU, err := req.Encode()
	if err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: client is closed", ErrConnectionClosed)
	}

	if err := c.acquire(ctx); err != nil {
		return nil, classifyIOError("wait for transaction slot", err)
	}
	defer c.release()
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: client is closed", ErrConnectionClosed)
	}

	if c.timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.timeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}

	logger := c.log()
	c.setState(StateSending)
	adu, transactionID, err := c.framer.frame(unitID, reqPDU)
	if err != nil {
		return nil, err
	}
	logger.Debug().
		Str("function", req.FunctionCode.String()).
		Uint8("unit", unitID).
		Uint16("txid", transactionID).
		Hex("adu", adu).
		Msg("modbus: sending request")
	if err := c.stream.Write(ctx, adu); err != nil {
		logger.Warn().Err(err).Str("function", req.FunctionCode.String()).Msg("modbus: write failed")
		return nil, fmt.Errorf("modbus: %s (unit %d): %w", req.FunctionCode, unitID, err)
	}

	c.setState(StateAwaitingResponse)
	respPDU, err := c.framer.readFrame(ctx, c.stream, transactionID, unitID)
	if err != nil {
		logger.Warn().Err(err).Str("function", req.FunctionCode.String()).Msg("modbus: no valid response")
		return nil, fmt.Errorf("modbus: %s (unit %d): %w", req.FunctionCode, unitID, err)
	}
	logger.Debug().Hex("pdu", respPDU).Msg("modbus: received response")

	c.setState(StateDecoding)
	resp, err := req.Decode(respPDU)
	if err != nil {
		var mbErr *ModbusError
		if errors.As(err, &mbErr) {
			c.setLastModbusError(mbErr)
			return nil, err
		}
		logger.Warn().Err(err).Str("function", req.FunctionCode.String()).Msg("modbus: invalid response")
		return nil, fmt.Errorf("modbus: %s (unit %d): %w", req.FunctionCode, unitID, err)
	}
	return resp, nil
}

// Close closes the underlying stream. A transaction in flight fails with
// ErrConnectionClosed, as does every later call.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.log().Debug().Msg("modbus: closing client")
	return c.stream.Close()
}
