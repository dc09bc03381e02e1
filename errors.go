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
	"net"
	"os"

	serial "github.com/hootrhino/goserial"
)

// Failure kinds. Every error returned by this package wraps exactly one of
// them (or is a *ModbusError), so callers branch with errors.Is / errors.As.
var (
	ErrInvalidArgument  = errors.New("modbus: invalid argument")
	ErrConnectionClosed = errors.New("modbus: connection closed")
	ErrTimeout          = errors.New("modbus: timeout")
	ErrFrameCorruption  = errors.New("modbus: frame corruption")
	ErrProtocolMismatch = errors.New("modbus: protocol mismatch")
	ErrDeviceException  = errors.New("modbus: device exception")
)

// Exception codes.
const (
	ExceptionIllegalFunction                    uint8 = 0x01
	ExceptionIllegalDataAddress                 uint8 = 0x02
	ExceptionIllegalDataValue                   uint8 = 0x03
	ExceptionSlaveDeviceFailure                 uint8 = 0x04
	ExceptionAcknowledge                        uint8 = 0x05
	ExceptionSlaveDeviceBusy                    uint8 = 0x06
	ExceptionMemoryParityError                  uint8 = 0x08
	ExceptionGatewayPathUnavailable             uint8 = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond uint8 = 0x0B
)

// ExceptionCategory is the named class of a device exception.
type ExceptionCategory int

const (
	CategorySlaveException ExceptionCategory = iota
	CategoryIllegalFunction
	CategoryIllegalDataAddress
	CategoryIllegalDataValue
	CategorySlaveDeviceFailure
)

func (c ExceptionCategory) String() string {
	switch c {
	case CategoryIllegalFunction:
		return "illegal function"
	case CategoryIllegalDataAddress:
		return "illegal data address"
	case CategoryIllegalDataValue:
		return "illegal data value"
	case CategorySlaveDeviceFailure:
		return "slave device failure"
	default:
		return "slave exception"
	}
}

// CategoryOf maps a raw exception code to its category. Reserved and vendor
// codes fall into CategorySlaveException.
func CategoryOf(exceptionCode uint8) ExceptionCategory {
	switch exceptionCode {
	case ExceptionIllegalFunction:
		return CategoryIllegalFunction
	case ExceptionIllegalDataAddress:
		return CategoryIllegalDataAddress
	case ExceptionIllegalDataValue:
		return CategoryIllegalDataValue
	case ExceptionSlaveDeviceFailure:
		return CategorySlaveDeviceFailure
	default:
		return CategorySlaveException
	}
}

// getExceptionMessage returns a human-readable message for a Modbus exception code.
func getExceptionMessage(exceptionCode uint8) string {
	switch exceptionCode {
	case ExceptionIllegalFunction:
		return "Illegal function"
	case ExceptionIllegalDataAddress:
		return "Illegal data address"
	case ExceptionIllegalDataValue:
		return "Illegal data value"
	case ExceptionSlaveDeviceFailure:
		return "Slave device failure"
	case ExceptionAcknowledge:
		return "Acknowledge"
	case ExceptionSlaveDeviceBusy:
		return "Slave device busy"
	case ExceptionMemoryParityError:
		return "Memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "Gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "Gateway target device failed to respond"
	default:
		return "Unknown exception code"
	}
}

// ModbusError is an exception response: the device rejected the request.
type ModbusError struct {
	FunctionCode  uint8 // request function code, exception bit cleared
	ExceptionCode uint8
}

// Category returns the named category of the exception code.
func (e *ModbusError) Category() ExceptionCategory {
	return CategoryOf(e.ExceptionCode)
}

func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X (%s: %s), function 0x%02X",
		e.ExceptionCode, e.Category(), getExceptionMessage(e.ExceptionCode), e.FunctionCode)
}

// Is lets errors.Is(err, ErrDeviceException) match any exception response.
func (e *ModbusError) Is(target error) bool {
	return target == ErrDeviceException
}

// classifyIOError maps a stream error onto the failure kinds above.
func classifyIOError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, serial.ErrTimeout):
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("modbus: %s: %w", op, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %s: %v", ErrConnectionClosed, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnectionClosed, op, err)
}
