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
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// Modbus TCP Protocol Constants
const (
	ProtocolIdentifierTCP = 0x0000
	TCPHeaderLength       = 7                              // MBAP header length in bytes, unit id included
	MaxPDULength          = 253                            // Maximum PDU length according to Modbus spec
	MaxTCPFrameLength     = TCPHeaderLength + MaxPDULength // Maximum complete frame length
)

// TCPPackager frames PDUs with the MBAP header and owns the transaction
// counter of one client.
type TCPPackager struct {
	transactionID uint32
}

// NewTCPPackager creates a new TCPPackager.
func NewTCPPackager() *TCPPackager {
	return &TCPPackager{}
}

// NextTransactionID returns the next transaction id, wrapping from 65535 to 0.
func (p *TCPPackager) NextTransactionID() uint16 {
	id := atomic.AddUint32(&p.transactionID, 1)
	return uint16(id & 0xFFFF)
}

// Pack packs a Modbus TCP PDU into a complete TCP frame.
// MBAP format: Transaction Identifier (2 bytes) + Protocol Identifier (2 bytes) + Length (2 bytes) + Unit Identifier (1 byte).
func (p *TCPPackager) Pack(transactionID uint16, unitID uint8, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: PDU cannot be empty", ErrInvalidArgument)
	}
	if len(pdu) > MaxPDULength {
		return nil, fmt.Errorf("%w: PDU length %d exceeds maximum %d bytes", ErrInvalidArgument, len(pdu), MaxPDULength)
	}

	// Length field includes the Unit Identifier (1 byte) + PDU length
	length := uint16(len(pdu) + 1)

	frame := make([]byte, TCPHeaderLength+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], ProtocolIdentifierTCP)
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unitID
	copy(frame[7:], pdu)

	return frame, nil
}

// Unpack splits a complete TCP frame into transaction id, unit id and PDU.
func (p *TCPPackager) Unpack(frame []byte) (transactionID uint16, unitID uint8, pdu []byte, err error) {
	if len(frame) < TCPHeaderLength {
		err = fmt.Errorf("%w: invalid TCP frame length: %d bytes, minimum required: %d bytes",
			ErrFrameCorruption, len(frame), TCPHeaderLength)
		return
	}
	if len(frame) > MaxTCPFrameLength {
		err = fmt.Errorf("%w: TCP frame length %d exceeds maximum %d bytes", ErrFrameCorruption, len(frame), MaxTCPFrameLength)
		return
	}

	var length uint16
	transactionID, length, unitID, err = parseMBAPHeader(frame[:TCPHeaderLength])
	if err != nil {
		return
	}

	pdu = frame[TCPHeaderLength:]
	if expected := uint16(len(pdu) + 1); length != expected {
		err = fmt.Errorf("%w: length field mismatch: header indicates %d, actual frame has %d",
			ErrFrameCorruption, length, expected)
		pdu = nil
	}
	return
}

// parseMBAPHeader checks the declared length and the protocol id of a
// 7-byte header. A protocol mismatch is only reported for a usable length,
// so the caller can still skip the frame body.
func parseMBAPHeader(header []byte) (transactionID, length uint16, unitID uint8, err error) {
	transactionID = binary.BigEndian.Uint16(header[0:2])
	protocolID := binary.BigEndian.Uint16(header[2:4])
	length = binary.BigEndian.Uint16(header[4:6])
	unitID = header[6]

	// unit id + at least a function code and one more byte, at most a full PDU
	if length < 2 || length > MaxPDULength+1 {
		err = fmt.Errorf("%w: invalid length field %d", ErrFrameCorruption, length)
		return
	}
	if protocolID != ProtocolIdentifierTCP {
		err = fmt.Errorf("%w: invalid protocol identifier: 0x%04X, expected 0x%04X",
			ErrProtocolMismatch, protocolID, ProtocolIdentifierTCP)
	}
	return
}

// Encode allocates a transaction id and frames pdu with it. The counter
// only advances when pdu is acceptable.
func (p *TCPPackager) Encode(unitID uint8, pdu []byte) ([]byte, uint16, error) {
	if len(pdu) == 0 || len(pdu) > MaxPDULength {
		return nil, 0, fmt.Errorf("%w: PDU length %d out of range 1-%d", ErrInvalidArgument, len(pdu), MaxPDULength)
	}
	transactionID := p.NextTransactionID()
	frame, err := p.Pack(transactionID, unitID, pdu)
	return frame, transactionID, err
}

// ReadResponse reads one MBAP frame from s and returns its PDU. It reads the
// header first, then exactly the declared remainder, and rejects frames that
// do not carry the expected transaction and unit id.
func (p *TCPPackager) ReadResponse(ctx context.Context, s Stream, transactionID uint16, unitID uint8) ([]byte, error) {
	header, err := s.ReadExactly(ctx, TCPHeaderLength)
	if err != nil {
		return nil, err
	}
	respTxID, length, respUnitID, err := parseMBAPHeader(header)
	if errors.Is(err, ErrFrameCorruption) {
		return nil, err
	}

	// the body is consumed even for a foreign frame so the next call
	// starts on a header
	pdu, readErr := s.ReadExactly(ctx, int(length)-1)
	if readErr != nil {
		return nil, readErr
	}
	if err != nil {
		return nil, err
	}

	if respTxID != transactionID {
		return nil, fmt.Errorf("%w: transaction id mismatch: expected 0x%04X, got 0x%04X",
			ErrProtocolMismatch, transactionID, respTxID)
	}
	if respUnitID != unitID {
		return nil, fmt.Errorf("%w: unit id mismatch: expected %d, got %d", ErrProtocolMismatch, unitID, respUnitID)
	}
	return pdu, nil
}

func (p *TCPPackager) frame(unitID uint8, pdu []byte) ([]byte, uint16, error) {
	return p.Encode(unitID, pdu)
}

func (p *TCPPackager) readFrame(ctx context.Context, s Stream, transactionID uint16, unitID uint8) ([]byte, error) {
	return p.ReadResponse(ctx, s, transactionID, unitID)
}
