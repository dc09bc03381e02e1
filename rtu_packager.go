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
)

// MaxRTUFrameLength is unit id + maximum PDU + CRC.
const MaxRTUFrameLength = 1 + MaxPDULength + 2

// RTUPackager handles RTU frame packing/unpacking with CRC validation.
// RTU frames carry no correlation id, so the packager is stateless.
type RTUPackager struct{}

// NewRTUPackager creates a new RTU packager.
func NewRTUPackager() *RTUPackager {
	return &RTUPackager{}
}

// Pack creates an RTU frame with slave ID, PDU, and CRC
func (p *RTUPackager) Pack(slaveID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: PDU cannot be empty", ErrInvalidArgument)
	}
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("%w: PDU too long: %d bytes (max %d)", ErrInvalidArgument, len(pdu), MaxPDULength)
	}

	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, slaveID)
	frame = append(frame, pdu...)
	return AppendCRC(frame), nil
}

// Unpack extracts slave ID and PDU from RTU frame with CRC validation
func (p *RTUPackager) Unpack(frame []byte) (uint8, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("%w: frame too short: %d bytes (minimum 4)", ErrFrameCorruption, len(frame))
	}
	if len(frame) > MaxRTUFrameLength {
		return 0, nil, fmt.Errorf("%w: frame too long: %d bytes (maximum %d)", ErrFrameCorruption, len(frame), MaxRTUFrameLength)
	}
	if !VerifyCRC(frame) {
		return 0, nil, fmt.Errorf("%w: CRC verification failed", ErrFrameCorruption)
	}

	pdu := make([]byte, len(frame)-3)
	copy(pdu, frame[1:len(frame)-2])
	return frame[0], pdu, nil
}

// payloadLength returns how many bytes follow the function code before the
// CRC. more reports that the first of them is a byte count that must be read
// before the rest is known.
func payloadLength(functionCode uint8) (n int, more bool, err error) {
	if functionCode&exceptionFlag != 0 {
		return RespPDULenException - 1, false, nil
	}
	switch FunctionCode(functionCode) {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return 1, true, nil
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return RespPDULenWriteSingleCoil - 1, false, nil
	}
	return 0, false, fmt.Errorf("%w: unsupported function code 0x%02X in response", ErrProtocolMismatch, functionCode)
}

// ReadResponse reads one RTU frame from s. The length of the frame is worked
// out from its function code (and byte count, for reads), so the stream is
// never read past the CRC.
func (p *RTUPackager) ReadResponse(ctx context.Context, s Stream, slaveID uint8) ([]byte, error) {
	head, err := s.ReadExactly(ctx, 2)
	if err != nil {
		return nil, err
	}
	frame := append(make([]byte, 0, MaxRTUFrameLength), head...)

	n, more, err := payloadLength(head[1])
	if err != nil {
		return nil, err
	}
	chunk, err := s.ReadExactly(ctx, n)
	if err != nil {
		return nil, err
	}
	frame = append(frame, chunk...)

	if more {
		// a zero byte count still ends in a CRC; decoding rejects it
		// against the request
		if byteCount := int(chunk[0]); byteCount > 0 {
			data, err := s.ReadExactly(ctx, byteCount)
			if err != nil {
				return nil, err
			}
			frame = append(frame, data...)
		}
	}

	crc, err := s.ReadExactly(ctx, 2)
	if err != nil {
		return nil, err
	}
	frame = append(frame, crc...)

	respSlaveID, pdu, err := p.Unpack(frame)
	if err != nil {
		return nil, err
	}
	if respSlaveID != slaveID {
		return nil, fmt.Errorf("%w: slave ID mismatch: expected %d, got %d", ErrProtocolMismatch, slaveID, respSlaveID)
	}
	return pdu, nil
}

func (p *RTUPackager) frame(slaveID uint8, pdu []byte) ([]byte, uint16, error) {
	frame, err := p.Pack(slaveID, pdu)
	return frame, 0, err
}

func (p *RTUPackager) readFrame(ctx context.Context, s Stream, _ uint16, slaveID uint8) ([]byte, error) {
	return p.ReadResponse(ctx, s, slaveID)
}
