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
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Block is one contiguous range read on every poll.
type Block struct {
	Tag          string
	SlaveID      uint8
	FunctionCode FunctionCode // one of the four read functions
	Address      uint16
	Quantity     uint16
}

// BlockResult carries the values read for a Block.
type BlockResult struct {
	Block
	Coils     []bool   // read coils / discrete inputs
	Registers []uint16 // read holding / input registers
	Time      time.Time
}

// OnDataFunc is a callback type for pushing block data
type OnDataFunc func(BlockResult)

// OnErrorFunc is a callback type for error reporting
type OnErrorFunc func(error)

// DefaultPollInterval is used when a poller is created without an interval.
const DefaultPollInterval = time.Second

// blockGroup is one read request covering adjacent blocks of the same slave
// and function.
type blockGroup struct {
	Block
	members []int // indexes into the loaded blocks
}

// groupBlocks merges blocks whose ranges follow each other without a gap
// into single reads, as long as the merged quantity stays within the limit
// of the read function. Groups come out ordered by slave, function and
// address.
func groupBlocks(blocks []Block) []blockGroup {
	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := blocks[order[i]], blocks[order[j]]
		if a.SlaveID != b.SlaveID {
			return a.SlaveID < b.SlaveID
		}
		if a.FunctionCode != b.FunctionCode {
			return a.FunctionCode < b.FunctionCode
		}
		return a.Address < b.Address
	})

	var groups []blockGroup
	for _, idx := range order {
		b := blocks[idx]
		if n := len(groups); n > 0 && canAddToGroup(groups[n-1], b) {
			groups[n-1].Quantity += b.Quantity
			groups[n-1].members = append(groups[n-1].members, idx)
			continue
		}
		groups = append(groups, blockGroup{Block: b, members: []int{idx}})
	}
	return groups
}

// canAddToGroup reports whether b continues g and fits in one request.
func canAddToGroup(g blockGroup, b Block) bool {
	if g.SlaveID != b.SlaveID || g.FunctionCode != b.FunctionCode {
		return false
	}
	if int(g.Address)+int(g.Quantity) != int(b.Address) {
		return false
	}
	limit := MaxReadRegisters
	if b.FunctionCode.readsBits() {
		limit = MaxReadBits
	}
	return int(g.Quantity)+int(b.Quantity) <= limit
}

// Poller reads a fixed set of blocks through a client at an interval and
// hands the results to callbacks. Adjacent blocks are fetched with a single
// request. Callbacks run on the polling goroutine, in block order.
type Poller struct {
	client   ModbusApi
	interval time.Duration
	onData   atomic.Value // OnDataFunc
	onError  atomic.Value // OnErrorFunc

	mu     sync.Mutex // protects blocks, groups, cancel and done
	blocks []Block
	groups []blockGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller reading through client every interval. A
// non-positive interval falls back to DefaultPollInterval.
func NewPoller(client ModbusApi, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		client:   client,
		interval: interval,
	}
}

// Load validates and installs the blocks to poll, replacing earlier ones.
func (p *Poller) Load(blocks []Block) error {
	tagMap := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		if b.Tag == "" {
			return fmt.Errorf("%w: block without tag", ErrInvalidArgument)
		}
		if tagMap[b.Tag] {
			return fmt.Errorf("%w: duplicate tag: %s", ErrInvalidArgument, b.Tag)
		}
		tagMap[b.Tag] = true
		if !b.FunctionCode.IsRead() {
			return fmt.Errorf("%w: block %s: %s is not a read function", ErrInvalidArgument, b.Tag, b.FunctionCode)
		}
		req := Request{FunctionCode: b.FunctionCode, Address: b.Address, Quantity: b.Quantity}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("block %s: %w", b.Tag, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = append([]Block(nil), blocks...)
	p.groups = groupBlocks(p.blocks)
	return nil
}

// SetOnData sets the callback for data events
func (p *Poller) SetOnData(fn OnDataFunc) {
	p.onData.Store(fn)
}

// SetOnError sets the callback for error events
func (p *Poller) SetOnError(fn OnErrorFunc) {
	p.onError.Store(fn)
}

func (p *Poller) readBlock(ctx context.Context, b Block) (BlockResult, error) {
	res := BlockResult{Block: b}
	var err error
	switch b.FunctionCode {
	case FuncCodeReadCoils:
		res.Coils, err = p.client.ReadCoils(ctx, b.SlaveID, b.Address, b.Quantity)
	case FuncCodeReadDiscreteInputs:
		res.Coils, err = p.client.ReadDiscreteInputs(ctx, b.SlaveID, b.Address, b.Quantity)
	case FuncCodeReadHoldingRegisters:
		res.Registers, err = p.client.ReadHoldingRegisters(ctx, b.SlaveID, b.Address, b.Quantity)
	case FuncCodeReadInputRegisters:
		res.Registers, err = p.client.ReadInputRegisters(ctx, b.SlaveID, b.Address, b.Quantity)
	default:
		err = fmt.Errorf("%w: %s is not a read function", ErrInvalidArgument, b.FunctionCode)
	}
	res.Time = time.Now()
	return res, err
}

// splitGroup hands every member block its part of the group's values.
func splitGroup(g blockGroup, data BlockResult, blocks []Block, results []BlockResult) {
	for _, idx := range g.members {
		b := blocks[idx]
		lo := int(b.Address - g.Address)
		hi := lo + int(b.Quantity)
		res := BlockResult{Block: b, Time: data.Time}
		if g.FunctionCode.readsBits() {
			res.Coils = data.Coils[lo:hi:hi]
		} else {
			res.Registers = data.Registers[lo:hi:hi]
		}
		results[idx] = res
	}
}

// PollOnce reads every block once and dispatches the results in block
// order. Nothing is dispatched when ctx is done before the reads finish.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.Lock()
	blocks, groups := p.blocks, p.groups
	p.mu.Unlock()

	results := make([]BlockResult, len(blocks))
	errs := make([]error, len(blocks))
	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		data, err := p.readBlock(ctx, g.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			for _, idx := range g.members {
				errs[idx] = err
			}
			continue
		}
		splitGroup(g, data, blocks, results)
	}

	for i, b := range blocks {
		if errs[i] != nil {
			if cb, ok := p.onError.Load().(OnErrorFunc); ok && cb != nil {
				cb(fmt.Errorf("block %s: %w", b.Tag, errs[i]))
			}
			continue
		}
		if cb, ok := p.onData.Load().(OnDataFunc); ok && cb != nil {
			cb(results[i])
		}
	}
}

// Start launches the polling goroutine. The first poll happens immediately.
// Calling Start on a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.poll(ctx, p.done)
}

func (p *Poller) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// Stop stops the polling goroutine and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}
