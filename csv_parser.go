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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// CSVBlockParser converts between CSV and poller blocks. The header row
// names the columns; tag, slaverId, function, readAddress and readQuantity
// are required, in any order.
type CSVBlockParser struct {
	headers []string
}

// NewCSVBlockParser creates a new CSV block parser
func NewCSVBlockParser() *CSVBlockParser {
	return &CSVBlockParser{
		headers: []string{"tag", "slaverId", "function", "readAddress", "readQuantity"},
	}
}

// ParseCSV parses CSV data and returns the validated blocks.
func (p *CSVBlockParser) ParseCSV(reader io.Reader) ([]Block, error) {
	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read CSV: %v", ErrInvalidArgument, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty CSV file", ErrInvalidArgument)
	}

	headerMap := make(map[string]int)
	for i, h := range records[0] {
		headerMap[strings.TrimSpace(h)] = i
	}
	for _, field := range p.headers {
		if _, exists := headerMap[field]; !exists {
			return nil, fmt.Errorf("%w: missing required field in CSV header: %s", ErrInvalidArgument, field)
		}
	}

	blocks := make([]Block, 0, len(records)-1)
	for i, record := range records[1:] {
		block, err := p.parseRecord(record, headerMap)
		if err != nil {
			return nil, fmt.Errorf("%w: error parsing row %d: %v", ErrInvalidArgument, i+2, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// ParseCSVFromString is ParseCSV over a string.
func (p *CSVBlockParser) ParseCSVFromString(csvData string) ([]Block, error) {
	return p.ParseCSV(strings.NewReader(csvData))
}

func (p *CSVBlockParser) parseRecord(record []string, headerMap map[string]int) (Block, error) {
	getField := func(fieldName string) string {
		if idx, exists := headerMap[fieldName]; exists && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}
	parseUintField := func(fieldName string, bitSize int) (uint64, error) {
		strVal := getField(fieldName)
		if strVal == "" {
			return 0, fmt.Errorf("'%s' is required", fieldName)
		}
		base := 10
		if hex, ok := strings.CutPrefix(strings.ToLower(strVal), "0x"); ok {
			strVal, base = hex, 16
		}
		val, err := strconv.ParseUint(strVal, base, bitSize)
		if err != nil {
			return 0, fmt.Errorf("invalid '%s': %w", fieldName, err)
		}
		return val, nil
	}

	block := Block{Tag: getField("tag")}
	if block.Tag == "" {
		return block, fmt.Errorf("'tag' is required")
	}
	slaveID, err := parseUintField("slaverId", 8)
	if err != nil {
		return block, err
	}
	function, err := parseUintField("function", 8)
	if err != nil {
		return block, err
	}
	address, err := parseUintField("readAddress", 16)
	if err != nil {
		return block, err
	}
	quantity, err := parseUintField("readQuantity", 16)
	if err != nil {
		return block, err
	}

	block.SlaveID = uint8(slaveID)
	block.FunctionCode = FunctionCode(function)
	block.Address = uint16(address)
	block.Quantity = uint16(quantity)
	return block, nil
}

// ToCSV writes blocks as CSV with a header row.
func (p *CSVBlockParser) ToCSV(blocks []Block, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	if err := csvWriter.Write(p.headers); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, b := range blocks {
		record := []string{
			b.Tag,
			strconv.FormatUint(uint64(b.SlaveID), 10),
			strconv.FormatUint(uint64(b.FunctionCode), 10),
			strconv.FormatUint(uint64(b.Address), 10),
			strconv.FormatUint(uint64(b.Quantity), 10),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record for %s: %w", b.Tag, err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// LoadCSV parses blocks from reader and loads them into the poller.
func (p *Poller) LoadCSV(reader io.Reader) error {
	blocks, err := NewCSVBlockParser().ParseCSV(reader)
	if err != nil {
		return err
	}
	return p.Load(blocks)
}
