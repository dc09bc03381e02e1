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
	"math"
)

// ByteOrder names how the bytes of a multi-register value are laid out on
// the wire. Letters are the bytes of the big-endian value, A being the most
// significant; "CDAB" is the common word-swapped float layout.
type ByteOrder string

const (
	ByteOrderAB       ByteOrder = "AB"
	ByteOrderBA       ByteOrder = "BA"
	ByteOrderABCD     ByteOrder = "ABCD"
	ByteOrderDCBA     ByteOrder = "DCBA"
	ByteOrderBADC     ByteOrder = "BADC"
	ByteOrderCDAB     ByteOrder = "CDAB"
	ByteOrderABCDEFGH ByteOrder = "ABCDEFGH"
	ByteOrderHGFEDCBA ByteOrder = "HGFEDCBA"
	ByteOrderBADCFEHG ByteOrder = "BADCFEHG"
	ByteOrderGHEFCDAB ByteOrder = "GHEFCDAB"
)

// check reports an error unless o is a permutation of the first width letters.
func (o ByteOrder) check(width int) error {
	if len(o) != width {
		return fmt.Errorf("%w: byte order %q does not describe a %d-byte value", ErrInvalidArgument, o, width)
	}
	var seen [8]bool
	for i := 0; i < len(o); i++ {
		idx := int(o[i] - 'A')
		if idx < 0 || idx >= width || seen[idx] {
			return fmt.Errorf("%w: invalid byte order %q", ErrInvalidArgument, o)
		}
		seen[idx] = true
	}
	return nil
}

// RegistersToBytes flattens registers into their wire bytes.
func RegistersToBytes(regs []uint16) []byte {
	data := make([]byte, 0, 2*len(regs))
	for _, r := range regs {
		data = binary.BigEndian.AppendUint16(data, r)
	}
	return data
}

// BytesToRegisters packs wire bytes into registers; an odd trailing byte is
// padded with zero.
func BytesToRegisters(data []byte) []uint16 {
	regs := make([]uint16, (len(data)+1)/2)
	for i := range regs {
		hi := uint16(data[2*i]) << 8
		if 2*i+1 < len(data) {
			hi |= uint16(data[2*i+1])
		}
		regs[i] = hi
	}
	return regs
}

func decodeRegisters[T any](regs []uint16, order ByteOrder, width int, conv func([]byte) T) ([]T, error) {
	if err := order.check(width); err != nil {
		return nil, err
	}
	data := RegistersToBytes(regs)
	if len(data)%width != 0 {
		return nil, fmt.Errorf("%w: %d registers do not hold whole %d-byte values", ErrInvalidArgument, len(regs), width)
	}
	values := make([]T, 0, len(data)/width)
	value := make([]byte, width)
	for off := 0; off < len(data); off += width {
		for i := 0; i < width; i++ {
			value[i] = data[off+int(order[i]-'A')]
		}
		values = append(values, conv(value))
	}
	return values, nil
}

func encodeRegisters[T any](values []T, order ByteOrder, width int, conv func([]byte, T)) ([]uint16, error) {
	if err := order.check(width); err != nil {
		return nil, err
	}
	data := make([]byte, len(values)*width)
	value := make([]byte, width)
	for n, v := range values {
		conv(value, v)
		for i := 0; i < width; i++ {
			data[n*width+int(order[i]-'A')] = value[i]
		}
	}
	return BytesToRegisters(data), nil
}

// RegistersToInt16s reinterprets each register as a signed value.
func RegistersToInt16s(regs []uint16, order ByteOrder) ([]int16, error) {
	return decodeRegisters(regs, order, 2, func(b []byte) int16 {
		return int16(binary.BigEndian.Uint16(b))
	})
}

// RegistersToUint32s combines register pairs into unsigned 32-bit values.
func RegistersToUint32s(regs []uint16, order ByteOrder) ([]uint32, error) {
	return decodeRegisters(regs, order, 4, binary.BigEndian.Uint32)
}

// RegistersToInt32s combines register pairs into signed 32-bit values.
func RegistersToInt32s(regs []uint16, order ByteOrder) ([]int32, error) {
	return decodeRegisters(regs, order, 4, func(b []byte) int32 {
		return int32(binary.BigEndian.Uint32(b))
	})
}

// RegistersToFloat32s combines register pairs into IEEE 754 floats.
func RegistersToFloat32s(regs []uint16, order ByteOrder) ([]float32, error) {
	return decodeRegisters(regs, order, 4, func(b []byte) float32 {
		return math.Float32frombits(binary.BigEndian.Uint32(b))
	})
}

// RegistersToUint64s combines groups of four registers.
func RegistersToUint64s(regs []uint16, order ByteOrder) ([]uint64, error) {
	return decodeRegisters(regs, order, 8, binary.BigEndian.Uint64)
}

// RegistersToFloat64s combines groups of four registers into doubles.
func RegistersToFloat64s(regs []uint16, order ByteOrder) ([]float64, error) {
	return decodeRegisters(regs, order, 8, func(b []byte) float64 {
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	})
}

// Uint32sToRegisters is the inverse of RegistersToUint32s.
func Uint32sToRegisters(values []uint32, order ByteOrder) ([]uint16, error) {
	return encodeRegisters(values, order, 4, binary.BigEndian.PutUint32)
}

// Float32sToRegisters is the inverse of RegistersToFloat32s.
func Float32sToRegisters(values []float32, order ByteOrder) ([]uint16, error) {
	return encodeRegisters(values, order, 4, func(b []byte, v float32) {
		binary.BigEndian.PutUint32(b, math.Float32bits(v))
	})
}

// Float64sToRegisters is the inverse of RegistersToFloat64s.
func Float64sToRegisters(values []float64, order ByteOrder) ([]uint16, error) {
	return encodeRegisters(values, order, 8, func(b []byte, v float64) {
		binary.BigEndian.PutUint64(b, math.Float64bits(v))
	})
}
