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
	"sync"
	"sync/atomic"
	"time"
)

// Stream is the bidirectional byte channel a Client talks over.
//
// ReadExactly returns exactly n bytes or an error; it never returns a short
// read. Write sends all of p or fails. Both give up when ctx is done.
type Stream interface {
	ReadExactly(ctx context.Context, n int) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Close() error
}

// deadlineConn is satisfied by net.Conn and by net.Pipe ends.
type deadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// NewStream adapts a connection or port to the Stream contract.
// Connections with deadlines are cancelled through the deadline; any other
// io.ReadWriteCloser (serial ports) is read from a helper goroutine.
func NewStream(rwc io.ReadWriteCloser) Stream {
	if conn, ok := rwc.(deadlineConn); ok {
		return &connStream{conn: conn}
	}
	return &portStream{port: rwc}
}

// aLongTimeAgo is a non-zero time in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

type connStream struct {
	conn   deadlineConn
	closed atomic.Bool
}

// withDeadline applies ctx's deadline through set and forces an immediate
// deadline if ctx is cancelled while op runs.
func withDeadline(ctx context.Context, set func(time.Time) error, op func() error) error {
	deadline, _ := ctx.Deadline()
	if err := set(deadline); err != nil {
		return err
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		set(aLongTimeAgo)
	})
	err := op()
	if !stop() {
		<-fired
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *connStream) ReadExactly(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: read length %d", ErrInvalidArgument, n)
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: read on closed stream", ErrConnectionClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyIOError("read", err)
	}

	buf := make([]byte, n)
	err := withDeadline(ctx, s.conn.SetReadDeadline, func() error {
		_, err := io.ReadFull(s.conn, buf)
		return err
	})
	if err != nil {
		return nil, classifyIOError("read", err)
	}
	return buf, nil
}

func (s *connStream) Write(ctx context.Context, p []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: write on closed stream", ErrConnectionClosed)
	}
	if err := ctx.Err(); err != nil {
		return classifyIOError("write", err)
	}
	err := withDeadline(ctx, s.conn.SetWriteDeadline, func() error {
		return writeFull(s.conn, p)
	})
	return classifyIOError("write", err)
}

func (s *connStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

// writeFull loops over short writes.
func writeFull(w io.Writer, data []byte) error {
	written := 0
	for written < len(data) {
		n, err := w.Write(data[written:])
		if err != nil {
			return fmt.Errorf("write failed after %d bytes: %w", written, err)
		}
		written += n
	}
	return nil
}

type ioResult struct {
	data []byte
	err  error
}

// portStream serves ports that cannot be interrupted. A read that outlives
// its context keeps running in the background. Bytes it delivers before the
// next request is written are dropped; bytes delivered after that belong to
// the new response and are served first. An abandoned write is waited for
// before the next one starts.
type portStream struct {
	port   io.ReadWriteCloser
	closed atomic.Bool

	mu           sync.Mutex
	leftover     []byte
	pendingRead  chan ioResult
	readStale    bool // pendingRead was started before the last write
	pendingWrite chan ioResult
}

// startRead issues one port read of at most want bytes. s.mu must be held.
func (s *portStream) startRead(want int) chan ioResult {
	ch := make(chan ioResult, 1)
	s.pendingRead = ch
	s.readStale = false
	go func() {
		buf := make([]byte, want)
		k, err := s.port.Read(buf)
		ch <- ioResult{data: buf[:k], err: err}
	}()
	return ch
}

// settle waits for an abandoned write stored in *pending.
func (s *portStream) settle(ctx context.Context, pending *chan ioResult) error {
	s.mu.Lock()
	ch := *pending
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case res := <-ch:
		s.mu.Lock()
		*pending = nil
		s.mu.Unlock()
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *portStream) run(ctx context.Context, pending *chan ioResult, op func() ioResult) ([]byte, error) {
	if err := s.settle(ctx, pending); err != nil {
		return nil, err
	}
	done := make(chan ioResult, 1)
	go func() { done <- op() }()

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		s.mu.Lock()
		*pending = done
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *portStream) ReadExactly(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: read length %d", ErrInvalidArgument, n)
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: read on closed stream", ErrConnectionClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyIOError("read", err)
	}

	for {
		s.mu.Lock()
		if len(s.leftover) >= n {
			data := append([]byte(nil), s.leftover[:n]...)
			s.leftover = s.leftover[n:]
			s.mu.Unlock()
			return data, nil
		}
		ch := s.pendingRead
		if ch == nil {
			ch = s.startRead(n - len(s.leftover))
		}
		s.mu.Unlock()

		select {
		case res := <-ch:
			s.mu.Lock()
			stale := s.readStale
			s.pendingRead = nil
			s.readStale = false
			s.leftover = append(s.leftover, res.data...)
			s.mu.Unlock()
			if res.err == nil {
				continue
			}
			err := classifyIOError("read", res.err)
			// a port timeout counted from before the request says nothing
			// about the device's answer
			if stale && errors.Is(err, ErrTimeout) {
				continue
			}
			return nil, err
		case <-ctx.Done():
			return nil, classifyIOError("read", ctx.Err())
		}
	}
}

// discardInput drops bytes received before a new request goes out.
func (s *portStream) discardInput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leftover = nil
	if s.pendingRead == nil {
		return
	}
	select {
	case <-s.pendingRead:
		s.pendingRead = nil
	default:
		s.readStale = true
	}
}

func (s *portStream) Write(ctx context.Context, p []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: write on closed stream", ErrConnectionClosed)
	}
	if err := ctx.Err(); err != nil {
		return classifyIOError("write", err)
	}
	s.discardInput()
	_, err := s.run(ctx, &s.pendingWrite, func() ioResult {
		return ioResult{err: writeFull(s.port, p)}
	})
	return classifyIOError("write", err)
}

func (s *portStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.port.Close()
}
