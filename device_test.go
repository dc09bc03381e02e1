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
	"encoding/binary"
	"io"
	"net"
	"sync"
)

const fakeDeviceSize = 256

// fakeDevice is a minimal in-memory slave used to answer client requests.
type fakeDevice struct {
	mu        sync.Mutex
	coils     []bool
	discrete  []bool
	holding   []uint16
	input     []uint16
	exception uint8 // when set, every request is answered with this exception
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{
		coils:    make([]bool, fakeDeviceSize),
		discrete: make([]bool, fakeDeviceSize),
		holding:  make([]uint16, fakeDeviceSize),
		input:    make([]uint16, fakeDeviceSize),
	}
	for i := range d.input {
		d.input[i] = uint16(1000 + i)
		d.discrete[i] = i%3 == 0
	}
	return d
}

func (d *fakeDevice) handlePDU(pdu []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	fc := pdu[0]
	if d.exception != 0 {
		return []byte{fc | exceptionFlag, d.exception}
	}
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	val := binary.BigEndian.Uint16(pdu[3:5])
	illegalAddress := []byte{fc | exceptionFlag, ExceptionIllegalDataAddress}
	echo := append([]byte(nil), pdu[:5]...)

	switch FunctionCode(fc) {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		src := d.coils
		if FunctionCode(fc) == FuncCodeReadDiscreteInputs {
			src = d.discrete
		}
		if addr+int(val) > len(src) {
			return illegalAddress
		}
		packed := packBits(src[addr : addr+int(val)])
		return append([]byte{fc, byte(len(packed))}, packed...)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		src := d.holding
		if FunctionCode(fc) == FuncCodeReadInputRegisters {
			src = d.input
		}
		if addr+int(val) > len(src) {
			return illegalAddress
		}
		resp := []byte{fc, byte(2 * val)}
		for _, v := range src[addr : addr+int(val)] {
			resp = binary.BigEndian.AppendUint16(resp, v)
		}
		return resp
	case FuncCodeWriteSingleCoil:
		if addr >= len(d.coils) {
			return illegalAddress
		}
		d.coils[addr] = val == coilOn
		return echo
	case FuncCodeWriteSingleRegister:
		if addr >= len(d.holding) {
			return illegalAddress
		}
		d.holding[addr] = val
		return echo
	case FuncCodeWriteMultipleCoils:
		if addr+int(val) > len(d.coils) {
			return illegalAddress
		}
		copy(d.coils[addr:], unpackBits(pdu[6:], int(val)))
		return echo
	case FuncCodeWriteMultipleRegisters:
		if addr+int(val) > len(d.holding) {
			return illegalAddress
		}
		for i := 0; i < int(val); i++ {
			d.holding[addr+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
		return echo
	}
	return []byte{fc | exceptionFlag, ExceptionIllegalFunction}
}

// tcp answers a complete MBAP request frame.
func (d *fakeDevice) tcp(frame []byte) []byte {
	p := NewTCPPackager()
	txid, unit, pdu, err := p.Unpack(frame)
	if err != nil {
		return nil
	}
	resp, _ := p.Pack(txid, unit, d.handlePDU(pdu))
	return resp
}

// rtu answers a complete RTU request frame.
func (d *fakeDevice) rtu(frame []byte) []byte {
	p := NewRTUPackager()
	unit, pdu, err := p.Unpack(frame)
	if err != nil {
		return nil
	}
	resp, _ := p.Pack(unit, d.handlePDU(pdu))
	return resp
}

// serveTCP answers MBAP requests read from conn until it is closed. Frames
// are read by their declared length, so interleaved writes would break it.
func (d *fakeDevice) serveTCP(conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, TCPHeaderLength)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		if length < 2 || length > MaxPDULength+1 {
			return
		}
		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if _, err := conn.Write(d.tcp(append(header, body...))); err != nil {
			return
		}
	}
}
