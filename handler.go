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
	"io"
)

// GetLastModbusError returns the last cached ModbusError.
func (c *Client) GetLastModbusError() *ModbusError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastModbusError
}

// setLastModbusError sets and logs the last ModbusError.
func (c *Client) setLastModbusError(err *ModbusError) {
	c.mu.Lock()
	c.lastModbusError = err
	logger := c.logger
	c.mu.Unlock()
	if err != nil {
		logger.Warn().
			Uint8("function", err.FunctionCode).
			Uint8("exception", err.ExceptionCode).
			Str("category", err.Category().String()).
			Msg("modbus: device exception")
	}
}

// GetMode returns the transport mode: "TCP", "RTU" or "RTU_OVER_TCP".
func (c *Client) GetMode() string {
	return c.mode
}

// SetLogger redirects the client log to w. A *SimpleLogger filters by its
// own level; nil disables logging.
func (c *Client) SetLogger(w io.Writer) {
	logger := newLogger(w, c.level, c.mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// ReadCoils reads quantity coils starting at startAddress.
func (c *Client) ReadCoils(ctx context.Context, slaveID uint8, startAddress, quantity uint16) ([]bool, error) {
	resp, err := c.Execute(ctx, slaveID, &Request{
		FunctionCode: FuncCodeReadCoils,
		Address:      startAddress,
		Quantity:     quantity,
	})
	if err != nil {
		return nil, err
	}
	return resp.Coils, nil
}

// ReadDiscreteInputs reads quantity discrete inputs starting at startAddress.
func (c *Client) ReadDiscreteInputs(ctx context.Context, slaveID uint8, startAddress, quantity uint16) ([]bool, error) {
	resp, err := c.Execute(ctx, slaveID, &Request{
		FunctionCode: FuncCodeReadDiscreteInputs,
		Address:      startAddress,
		Quantity:     quantity,
	})
	if err != nil {
		return nil, err
	}
	return resp.Coils, nil
}

// ReadHoldingRegisters reads quantity holding registers starting at startAddress.
func (c *Client) ReadHoldingRegisters(ctx context.Context, slaveID uint8, startAddress, quantity uint16) ([]uint16, error) {
	resp, err := c.Execute(ctx, slaveID, &Request{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Address:      startAddress,
		Quantity:     quantity,
	})
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// ReadInputRegisters reads quantity input registers starting at startAddress.
func (c *Client) ReadInputRegisters(ctx context.Context, slaveID uint8, startAddress, quantity uint16) ([]uint16, error) {
	resp, err := c.Execute(ctx, slaveID, &Request{
		FunctionCode: FuncCodeReadInputRegisters,
		Address:      startAddress,
		Quantity:     quantity,
	})
	if err != nil {
		return nil, err
	}
	return resp.Registers, nil
}

// WriteSingleCoil writes one coil and returns the state the device echoed.
func (c *Client) WriteSingleCoil(ctx context.Context, slaveID uint8, address uint16, value bool) (bool, error) {
	resp, err := c.Execute(ctx, slaveID, &Request{
		FunctionCode: FuncCodeWriteSingleCoil,
		Address:      address,
		Quantity:     1,
		Coils:        []bool{value},
	})
	if err != nil {
		return false, err
	}
	return resp.Value == coilOn, nil
}

// WriteSingleRegister writes one register and returns the echoed value.
func (c *Client) WriteSingleRegister(ctx context.Context, slaveID uint8, address, value uint16) (uint16, error) {
	resp, err := c.Execute(ctx, slaveID, &Request{
		FunctionCode: FuncCodeWriteSingleRegister,
		Address:      address,
		Quantity:     1,
		Registers:    []uint16{value},
	})
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// WriteMultipleCoils writes values starting at startAddress and returns the
// quantity the device confirmed.
func (c *Client) WriteMultipleCoils(ctx context.Context, slaveID uint8, startAddress uint16, values []bool) (uint16, error) {
	resp, err := c.Execute(ctx, slaveID, &Request{
		FunctionCode: FuncCodeWriteMultipleCoils,
		Address:      startAddress,
		Quantity:     uint16(len(values)),
		Coils:        values,
	})
	if err != nil {
		return 0, err
	}
	return resp.Quantity, nil
}

// WriteMultipleRegisters writes values starting at startAddress and returns
// the quantity the device confirmed.
func (c *Client) WriteMultipleRegisters(ctx context.Context, slaveID uint8, startAddress uint16, values []uint16) (uint16, error) {
	resp, err := c.Execute(ctx, slaveID, &Request{
		FunctionCode: FuncCodeWriteMultipleRegisters,
		Address:      startAddress,
		Quantity:     uint16(len(values)),
		Registers:    values,
	})
	if err != nil {
		return 0, err
	}
	return resp.Quantity, nil
}

// WriteCoil is WriteSingleCoil.
func (c *Client) WriteCoil(ctx context.Context, slaveID uint8, address uint16, value bool) (bool, error) {
	return c.WriteSingleCoil(ctx, slaveID, address, value)
}

// WriteRegister is WriteSingleRegister.
func (c *Client) WriteRegister(ctx context.Context, slaveID uint8, address, value uint16) (uint16, error) {
	return c.WriteSingleRegister(ctx, slaveID, address, value)
}

// WriteCoils is WriteMultipleCoils.
func (c *Client) WriteCoils(ctx context.Context, slaveID uint8, startAddress uint16, values []bool) (uint16, error) {
	return c.WriteMultipleCoils(ctx, slaveID, startAddress, values)
}

// WriteRegisters is WriteMultipleRegisters.
func (c *Client) WriteRegisters(ctx context.Context, slaveID uint8, startAddress uint16, values []uint16) (uint16, error) {
	return c.WriteMultipleRegisters(ctx, slaveID, startAddress, values)
}
