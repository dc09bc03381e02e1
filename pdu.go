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
	"fmt"
)

// FunctionCode identifies a Modbus function.
type FunctionCode uint8

// Supported function codes.
const (
	FuncCodeReadCoils              FunctionCode = 0x01
	FuncCodeReadDiscreteInputs     FunctionCode = 0x02
	FuncCodeReadHoldingRegisters   FunctionCode = 0x03
	FuncCodeReadInputRegisters     FunctionCode = 0x04
	FuncCodeWriteSingleCoil        FunctionCode = 0x05
	FuncCodeWriteSingleRegister    FunctionCode = 0x06
	FuncCodeWriteMultipleCoils     FunctionCode = 0x0F
	FuncCodeWriteMultipleRegisters FunctionCode = 0x10
)

// exceptionFlag is set on the function code of an exception response.
const exceptionFlag = 0x80

// Per-request quantity limits.
const (
	MaxReadBits       = 2000
	MaxReadRegisters  = 125
	MaxWriteBits      = 1968
	MaxWriteRegisters = 123
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// Standard Response PDU Lengths (Including Function Code, Excluding Slave ID and CRC)
const (
	RespPDULenException              = 1 + 1     // FuncCode (1) + ExceptionCode (1)
	RespPDULenWriteSingleCoil        = 1 + 2 + 2 // FuncCode (1) + Address (2) + Value (2)
	RespPDULenWriteSingleRegister    = 1 + 2 + 2 // FuncCode (1) + Address (2) + Value (2)
	RespPDULenWriteMultipleCoils     = 1 + 2 + 2 // FuncCode (1) + Address (2) + Quantity (2)
	RespPDULenWriteMultipleRegisters = 1 + 2 + 2 // FuncCode (1) + Address (2) + Quantity (2)
)

func (fc FunctionCode) String() string {
	switch fc {
	case FuncCodeReadCoils:
		return "read coils"
	case FuncCodeReadDiscreteInputs:
		return "read discrete inputs"
	case FuncCodeReadHoldingRegisters:
		return "read holding registers"
	case FuncCodeReadInputRegisters:
		return "read input registers"
	case FuncCodeWriteSingleCoil:
		return "write single coil"
	case FuncCodeWriteSingleRegister:
		return "write single register"
	case FuncCodeWriteMultipleCoils:
		return "write multiple coils"
	case FuncCodeWriteMultipleRegisters:
		return "write multiple registers"
	default:
		return fmt.Sprintf("function 0x%02X", uint8(fc))
	}
}

// IsRead reports whether fc is one of the four read functions.
func (fc FunctionCode) IsRead() bool {
	return fc >= FuncCodeReadCoils && fc <= FuncCodeReadInputRegisters
}

func (fc FunctionCode) readsBits() bool {
	return fc == FuncCodeReadCoils || fc == FuncCodeReadDiscreteInputs
}

// Request carries the parameters of one exchange. Coils is used by the coil
// writes, Registers by the register writes; Quantity must agree with them.
type Request struct {
	FunctionCode FunctionCode
	Address      uint16
	Quantity     uint16
	Coils        []bool
	Registers    []uint16
}

// Response is a decoded, validated response PDU.
type Response struct {
	FunctionCode FunctionCode
	Address      uint16
	Quantity     uint16
	Value        uint16 // echoed value of the single writes
	Coils        []bool
	Registers    []uint16
}

// buildRequestPDU constructs a Modbus request PDU.
func buildRequestPDU(functionCode FunctionCode, data []byte) []byte {
	pdu := make([]byte, 1+len(data))
	pdu[0] = byte(functionCode)
	copy(pdu[1:], data)
	return pdu
}

func checkRange(fc FunctionCode, address, quantity uint16, limit int) error {
	if quantity == 0 || int(quantity) > limit {
		return fmt.Errorf("%w: %s quantity %d out of range 1-%d", ErrInvalidArgument, fc, quantity, limit)
	}
	if int(address)+int(quantity) > 0x10000 {
		return fmt.Errorf("%w: %s address %d + quantity %d exceeds 65536", ErrInvalidArgument, fc, address, quantity)
	}
	return nil
}

// Validate checks the request against the limits of its function.
func (r *Request) Validate() error {
	switch r.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		return checkRange(r.FunctionCode, r.Address, r.Quantity, MaxReadBits)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return checkRange(r.FunctionCode, r.Address, r.Quantity, MaxReadRegisters)
	case FuncCodeWriteSingleCoil:
		if len(r.Coils) != 1 || r.Quantity > 1 {
			return fmt.Errorf("%w: %s needs exactly one value, got %d", ErrInvalidArgument, r.FunctionCode, len(r.Coils))
		}
	case FuncCodeWriteSingleRegister:
		if len(r.Registers) != 1 || r.Quantity > 1 {
			return fmt.Errorf("%w: %s needs exactly one value, got %d", ErrInvalidArgument, r.FunctionCode, len(r.Registers))
		}
	case FuncCodeWriteMultipleCoils:
		if len(r.Coils) != int(r.Quantity) {
			return fmt.Errorf("%w: %s quantity %d disagrees with %d values", ErrInvalidArgument, r.FunctionCode, r.Quantity, len(r.Coils))
		}
		return checkRange(r.FunctionCode, r.Address, r.Quantity, MaxWriteBits)
	case FuncCodeWriteMultipleRegisters:
		if len(r.Registers) != int(r.Quantity) {
			return fmt.Errorf("%w: %s quantity %d disagrees with %d values", ErrInvalidArgument, r.FunctionCode, r.Quantity, len(r.Registers))
		}
		return checkRange(r.FunctionCode, r.Address, r.Quantity, MaxWriteRegisters)
	default:
		return fmt.Errorf("%w: unsupported %s", ErrInvalidArgument, r.FunctionCode)
	}
	return nil
}

// Encode validates the request and serializes it into a PDU.
func (r *Request) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	switch r.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:2], r.Address)
		binary.BigEndian.PutUint16(data[2:4], r.Quantity)
		return buildRequestPDU(r.FunctionCode, data), nil

	case FuncCodeWriteSingleCoil:
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:2], r.Address)
		binary.BigEndian.PutUint16(data[2:4], coilValue(r.Coils[0]))
		return buildRequestPDU(r.FunctionCode, data), nil

	case FuncCodeWriteSingleRegister:
		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:2], r.Address)
		binary.BigEndian.PutUint16(data[2:4], r.Registers[0])
		return buildRequestPDU(r.FunctionCode, data), nil

	case FuncCodeWriteMultipleCoils:
		packed := packBits(r.Coils)
		data := make([]byte, 5+len(packed))
		binary.BigEndian.PutUint16(data[0:2], r.Address)
		binary.BigEndian.PutUint16(data[2:4], r.Quantity)
		data[4] = byte(len(packed))
		copy(data[5:], packed)
		return buildRequestPDU(r.FunctionCode, data), nil

	default: // FuncCodeWriteMultipleRegisters
		data := make([]byte, 5+2*len(r.Registers))
		binary.BigEndian.PutUint16(data[0:2], r.Address)
		binary.BigEndian.PutUint16(data[2:4], r.Quantity)
		data[4] = byte(2 * len(r.Registers))
		for i, v := range r.Registers {
			binary.BigEndian.PutUint16(data[5+2*i:], v)
		}
		return buildRequestPDU(r.FunctionCode, data), nil
	}
}

// ResponseLength returns the length of a successful response PDU, function
// code included.
func (r *Request) ResponseLength() int {
	switch r.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		return 2 + (int(r.Quantity)+7)/8
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return 2 + 2*int(r.Quantity)
	case FuncCodeWriteSingleCoil:
		return RespPDULenWriteSingleCoil
	case FuncCodeWriteSingleRegister:
		return RespPDULenWriteSingleRegister
	case FuncCodeWriteMultipleCoils:
		return RespPDULenWriteMultipleCoils
	case FuncCodeWriteMultipleRegisters:
		return RespPDULenWriteMultipleRegisters
	}
	return 0
}

// Decode validates a response PDU against this request and unpacks it.
// An exception response yields a *ModbusError.
func (r *Request) Decode(pdu []byte) (*Response, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: empty response PDU", ErrProtocolMismatch)
	}

	fc := FunctionCode(pdu[0])
	if fc == r.FunctionCode|exceptionFlag {
		if len(pdu) != RespPDULenException {
			return nil, fmt.Errorf("%w: exception response for %s has %d bytes, want %d",
				ErrProtocolMismatch, r.FunctionCode, len(pdu), RespPDULenException)
		}
		return nil, &ModbusError{FunctionCode: uint8(r.FunctionCode), ExceptionCode: pdu[1]}
	}
	if fc != r.FunctionCode {
		return nil, fmt.Errorf("%w: unexpected function code 0x%02X in response to %s",
			ErrProtocolMismatch, uint8(fc), r.FunctionCode)
	}

	if r.FunctionCode.IsRead() {
		return r.decodeRead(pdu)
	}
	return r.decodeWrite(pdu)
}

func (r *Request) decodeRead(pdu []byte) (*Response, error) {
	want := r.ResponseLength()
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: %s response too short: %d bytes", ErrProtocolMismatch, r.FunctionCode, len(pdu))
	}
	byteCount := int(pdu[1])
	if byteCount != want-2 || len(pdu) != 2+byteCount {
		return nil, fmt.Errorf("%w: %s response byte count %d (PDU %d bytes), want %d for quantity %d",
			ErrProtocolMismatch, r.FunctionCode, byteCount, len(pdu), want-2, r.Quantity)
	}

	resp := &Response{FunctionCode: r.FunctionCode, Address: r.Address, Quantity: r.Quantity}
	data := pdu[2:]
	if r.FunctionCode.readsBits() {
		resp.Coils = unpackBits(data, int(r.Quantity))
		return resp, nil
	}
	resp.Registers = make([]uint16, r.Quantity)
	for i := range resp.Registers {
		resp.Registers[i] = binary.BigEndian.Uint16(data[2*i : 2*i+2])
	}
	return resp, nil
}

func (r *Request) decodeWrite(pdu []byte) (*Response, error) {
	if len(pdu) != r.ResponseLength() {
		return nil, fmt.Errorf("%w: %s response length %d, want %d",
			ErrProtocolMismatch, r.FunctionCode, len(pdu), r.ResponseLength())
	}
	respAddress := binary.BigEndian.Uint16(pdu[1:3])
	respValue := binary.BigEndian.Uint16(pdu[3:5])
	if respAddress != r.Address {
		return nil, fmt.Errorf("%w: %s response address mismatch: expected %d, got %d",
			ErrProtocolMismatch, r.FunctionCode, r.Address, respAddress)
	}

	resp := &Response{FunctionCode: r.FunctionCode, Address: respAddress}
	switch r.FunctionCode {
	case FuncCodeWriteSingleCoil:
		if respValue != coilOn && respValue != coilOff {
			return nil, fmt.Errorf("%w: %s response value format error: expected 0x0000 or 0xFF00, got 0x%04X",
				ErrProtocolMismatch, r.FunctionCode, respValue)
		}
		if want := coilValue(r.Coils[0]); respValue != want {
			return nil, fmt.Errorf("%w: %s response value mismatch: expected 0x%04X, got 0x%04X",
				ErrProtocolMismatch, r.FunctionCode, want, respValue)
		}
		resp.Quantity = 1
		resp.Value = respValue
		resp.Coils = []bool{respValue == coilOn}
	case FuncCodeWriteSingleRegister:
		if respValue != r.Registers[0] {
			return nil, fmt.Errorf("%w: %s response value mismatch: expected %d, got %d",
				ErrProtocolMismatch, r.FunctionCode, r.Registers[0], respValue)
		}
		resp.Quantity = 1
		resp.Value = respValue
		resp.Registers = []uint16{respValue}
	default:
		if respValue != r.Quantity {
			return nil, fmt.Errorf("%w: %s response quantity mismatch: expected %d, got %d",
				ErrProtocolMismatch, r.FunctionCode, r.Quantity, respValue)
		}
		resp.Quantity = respValue
	}
	return resp, nil
}

func coilValue(on bool) uint16 {
	if on {
		return coilOn
	}
	return coilOff
}

// packBits packs values LSB-first, first value in bit 0 of byte 0.
func packBits(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

// unpackBits is the inverse of packBits; padding bits beyond quantity are ignored.
func unpackBits(data []byte, quantity int) []bool {
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits
}
