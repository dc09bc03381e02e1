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
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

func newScriptClient(t *testing.T, mode string, respond func([]byte) []byte) (*Client, *scriptStream) {
	t.Helper()
	s := newScriptStream(nil)
	s.respond = respond
	c, err := NewClient(s, mode, Config{})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, s
}

func TestClient_RoundTrip(t *testing.T) {
	for _, mode := range []string{ModeTCP, ModeRTU, ModeRTUOverTCP} {
		t.Run(mode, func(t *testing.T) {
			dev := newFakeDevice()
			respond := dev.tcp
			if mode != ModeTCP {
				respond = dev.rtu
			}
			c, _ := newScriptClient(t, mode, respond)
			ctx := context.Background()

			n, err := c.WriteMultipleRegisters(ctx, 1, 10, []uint16{0x1234, 0, 0xFFFF})
			if err != nil || n != 3 {
				t.Fatalf("WriteMultipleRegisters = %d, %v", n, err)
			}
			regs, err := c.ReadHoldingRegisters(ctx, 1, 10, 3)
			if err != nil {
				t.Fatalf("ReadHoldingRegisters failed: %v", err)
			}
			assertUint16Equal(t, []uint16{0x1234, 0, 0xFFFF}, regs)

			v, err := c.WriteSingleRegister(ctx, 1, 11, 42)
			if err != nil || v != 42 {
				t.Fatalf("WriteSingleRegister = %d, %v", v, err)
			}
			regs, _ = c.ReadHoldingRegisters(ctx, 1, 11, 1)
			assertUint16Equal(t, []uint16{42}, regs)

			coils := []bool{true, false, true, true, false, false, true, false, true, true}
			if n, err := c.WriteMultipleCoils(ctx, 1, 3, coils); err != nil || n != uint16(len(coils)) {
				t.Fatalf("WriteMultipleCoils = %d, %v", n, err)
			}
			got, err := c.ReadCoils(ctx, 1, 3, uint16(len(coils)))
			if err != nil {
				t.Fatalf("ReadCoils failed: %v", err)
			}
			if !equalBool(got, coils) {
				t.Errorf("ReadCoils = %v, want %v", got, coils)
			}

			on, err := c.WriteSingleCoil(ctx, 1, 4, true)
			if err != nil || !on {
				t.Fatalf("WriteSingleCoil = %v, %v", on, err)
			}
			got, _ = c.ReadCoils(ctx, 1, 4, 1)
			if !got[0] {
				t.Error("coil 4 not set after WriteSingleCoil")
			}

			inputs, err := c.ReadDiscreteInputs(ctx, 1, 0, 4)
			if err != nil {
				t.Fatalf("ReadDiscreteInputs failed: %v", err)
			}
			if !equalBool(inputs, []bool{true, false, false, true}) {
				t.Errorf("ReadDiscreteInputs = %v", inputs)
			}

			in, err := c.ReadInputRegisters(ctx, 1, 5, 2)
			if err != nil {
				t.Fatalf("ReadInputRegisters failed: %v", err)
			}
			assertUint16Equal(t, []uint16{1005, 1006}, in)

			if c.State() != StateIdle {
				t.Errorf("State() = %v after calls, want idle", c.State())
			}
		})
	}
}

func TestClient_Aliases(t *testing.T) {
	dev := newFakeDevice()
	c, _ := newScriptClient(t, ModeTCP, dev.tcp)
	ctx := context.Background()

	if on, err := c.WriteCoil(ctx, 1, 0, true); err != nil || !on {
		t.Errorf("WriteCoil = %v, %v", on, err)
	}
	if v, err := c.WriteRegister(ctx, 1, 0, 7); err != nil || v != 7 {
		t.Errorf("WriteRegister = %v, %v", v, err)
	}
	if n, err := c.WriteCoils(ctx, 1, 0, []bool{true, true}); err != nil || n != 2 {
		t.Errorf("WriteCoils = %v, %v", n, err)
	}
	if n, err := c.WriteRegisters(ctx, 1, 0, []uint16{1, 2, 3}); err != nil || n != 3 {
		t.Errorf("WriteRegisters = %v, %v", n, err)
	}
}

func TestClient_TCPWireFormat(t *testing.T) {
	dev := newFakeDevice()
	c, s := newScriptClient(t, ModeTCP, dev.tcp)
	ctx := context.Background()

	c.ReadHoldingRegisters(ctx, 0x11, 0x006B, 3)
	c.ReadHoldingRegisters(ctx, 0x11, 0x006B, 3)
	want := [][]byte{
		{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x11, 0x03, 0x00, 0x6B, 0x00, 0x03},
		{0x00, 0x02, 0x00, 0x00, 0x00, 0x06, 0x11, 0x03, 0x00, 0x6B, 0x00, 0x03},
	}
	if len(s.writes) != len(want) {
		t.Fatalf("client wrote %d frames, want %d", len(s.writes), len(want))
	}
	for i := range want {
		if !bytes.Equal(s.writes[i], want[i]) {
			t.Errorf("frame %d = % X, want % X", i, s.writes[i], want[i])
		}
	}
}

func TestClient_DeviceException(t *testing.T) {
	dev := newFakeDevice()
	dev.exception = ExceptionIllegalDataAddress
	c, _ := newScriptClient(t, ModeRTU, dev.rtu)

	_, err := c.ReadCoils(context.Background(), 1, 0, 8)
	var mbErr *ModbusError
	if !errors.As(err, &mbErr) {
		t.Fatalf("ReadCoils returned %v, want *ModbusError", err)
	}
	if mbErr.Category() != CategoryIllegalDataAddress {
		t.Errorf("Category() = %v, want illegal data address", mbErr.Category())
	}
	if last := c.GetLastModbusError(); last == nil || last.ExceptionCode != ExceptionIllegalDataAddress {
		t.Errorf("GetLastModbusError() = %v", last)
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
}

func TestClient_TransactionIDMismatch(t *testing.T) {
	dev := newFakeDevice()
	stale := true
	c, _ := newScriptClient(t, ModeTCP, func(req []byte) []byte {
		resp := dev.tcp(req)
		if stale {
			stale = false
			resp[1]-- // answer to an earlier request
		}
		return resp
	})
	ctx := context.Background()

	if _, err := c.ReadHoldingRegisters(ctx, 1, 0, 2); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("ReadHoldingRegisters returned %v, want ErrProtocolMismatch", err)
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
	if _, err := c.ReadHoldingRegisters(ctx, 1, 0, 2); err != nil {
		t.Errorf("next call failed: %v", err)
	}
}

func TestClient_RTUCorruption(t *testing.T) {
	dev := newFakeDevice()
	c, _ := newScriptClient(t, ModeRTU, func(req []byte) []byte {
		resp := dev.rtu(req)
		resp[len(resp)-1] ^= 0xFF
		return resp
	})
	if _, err := c.ReadInputRegisters(context.Background(), 1, 0, 1); !errors.Is(err, ErrFrameCorruption) {
		t.Errorf("ReadInputRegisters returned %v, want ErrFrameCorruption", err)
	}
}

func TestClient_InvalidArgumentWritesNothing(t *testing.T) {
	c, s := newScriptClient(t, ModeTCP, newFakeDevice().tcp)
	ctx := context.Background()

	if _, err := c.ReadHoldingRegisters(ctx, 1, 0, 126); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ReadHoldingRegisters(126) returned %v, want ErrInvalidArgument", err)
	}
	if _, err := c.ReadCoils(ctx, 1, 0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ReadCoils(0) returned %v, want ErrInvalidArgument", err)
	}
	if _, err := c.WriteMultipleRegisters(ctx, 1, 0, make([]uint16, 124)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("WriteMultipleRegisters(124) returned %v, want ErrInvalidArgument", err)
	}
	if _, err := c.WriteMultipleCoils(ctx, 1, 0, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("WriteMultipleCoils(nil) returned %v, want ErrInvalidArgument", err)
	}
	if len(s.writes) != 0 {
		t.Errorf("client wrote %d frames for invalid requests", len(s.writes))
	}
	// the transaction counter did not move
	c.ReadHoldingRegisters(ctx, 1, 0, 1)
	if got := s.writes[0][:2]; !bytes.Equal(got, []byte{0x00, 0x01}) {
		t.Errorf("first transaction id = % X, want 00 01", got)
	}
}

func TestClient_Closed(t *testing.T) {
	c, _ := newScriptClient(t, ModeTCP, newFakeDevice().tcp)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := c.ReadCoils(context.Background(), 1, 0, 1); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("ReadCoils after Close returned %v, want ErrConnectionClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestClient_PeerClosed(t *testing.T) {
	client, server := net.Pipe()
	c := NewTCPClient(client, Config{})
	defer c.Close()

	go func() {
		buf := make([]byte, 12)
		server.Read(buf)
		server.Close()
	}()
	if _, err := c.ReadHoldingRegisters(context.Background(), 1, 0, 1); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("ReadHoldingRegisters returned %v, want ErrConnectionClosed", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		// swallow requests, never answer
		buf := make([]byte, 256)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	c := NewTCPClient(client, Config{Timeout: 30 * time.Millisecond})
	defer c.Close()

	start := time.Now()
	_, err := c.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadHoldingRegisters returned %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if c.State() != StateIdle {
		t.Errorf("State() = %v, want idle", c.State())
	}
}

func TestClient_CancelWhileQueued(t *testing.T) {
	c, _ := newScriptClient(t, ModeTCP, newFakeDevice().tcp)
	c.sem <- struct{}{} // a transaction in flight
	defer func() { <-c.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.ReadCoils(ctx, 1, 0, 1); !errors.Is(err, ErrTimeout) {
		t.Errorf("ReadCoils returned %v, want ErrTimeout", err)
	}
}

func TestClient_ConcurrentCallsSerialize(t *testing.T) {
	client, server := net.Pipe()
	dev := newFakeDevice()
	for i := range dev.holding {
		dev.holding[i] = uint16(i * 3)
	}
	go dev.serveTCP(server)

	c := NewTCPClient(client, Config{Timeout: 5 * time.Second})
	defer c.Close()

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(addr uint16) {
			defer wg.Done()
			regs, err := c.ReadHoldingRegisters(context.Background(), 1, addr, 4)
			if err != nil {
				errs <- err
				return
			}
			for j, v := range regs {
				if v != (addr+uint16(j))*3 {
					errs <- errors.New("register value from another transaction")
					return
				}
			}
		}(uint16(i * 4))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClient_Logging(t *testing.T) {
	var buf bytes.Buffer
	dev := newFakeDevice()
	s := newScriptStream(nil)
	s.respond = dev.tcp
	c, err := NewClient(s, ModeTCP, Config{Logger: &buf, LogLevel: "debug"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	c.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	if !strings.Contains(buf.String(), "sending request") || !strings.Contains(buf.String(), `"mode":"TCP"`) {
		t.Errorf("debug log missing request entry: %s", buf.String())
	}

	var plain bytes.Buffer
	c.SetLogger(NewSimpleLogger(&plain, LevelWarning, "plc"))
	c.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	if plain.Len() != 0 {
		t.Errorf("warning-level logger wrote debug entries: %s", plain.String())
	}
	dev.exception = ExceptionSlaveDeviceBusy
	c.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	if !strings.Contains(plain.String(), "[WARNING] <plc>") {
		t.Errorf("device exception not logged: %s", plain.String())
	}
}

func TestNewClient_Invalid(t *testing.T) {
	if _, err := NewClient(newScriptStream(nil), "ascii", Config{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewClient(ascii) returned %v, want ErrInvalidArgument", err)
	}
	if _, err := NewClient(newScriptStream(nil), ModeTCP, Config{LogLevel: "loud"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewClient(bad level) returned %v, want ErrInvalidArgument", err)
	}
	if _, err := NewClient(newScriptStream(nil), ModeTCP, Config{Timeout: -1}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewClient(negative timeout) returned %v, want ErrInvalidArgument", err)
	}
}

func TestClient_GetMode(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	testCases := []struct {
		c    *Client
		want string
	}{
		{NewTCPClient(client, Config{}), ModeTCP},
		{NewRTUClient(client, Config{}), ModeRTU},
		{NewRTUOverTCPClient(client, Config{}), ModeRTUOverTCP},
	}
	for _, tc := range testCases {
		if got := tc.c.GetMode(); got != tc.want {
			t.Errorf("GetMode() = %q, want %q", got, tc.want)
		}
	}
}
