// Package buffer provides the bounded byte queue that sits between segment writers and stream readers.
package buffer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var (
	// ErrBufferClosed is returned when writing to a closed buffer.
	ErrBufferClosed = errors.New("buffer is closed")
	// ErrReadTimeout is returned when a blocking read saw no data before its timeout.
	ErrReadTimeout = errors.New("read timeout")
)

// RingBuffer is a fixed-capacity FIFO of bytes. Writers block while it is full,
// readers block while it is empty. Close wakes every waiter and is permanent;
// data written before Close can still be drained.
type RingBuffer struct {
	data     []byte
	size     int
	readPos  int
	writePos int
	length   int
	position int64
	written  int64
	closed   bool
	mu       sync.Mutex
	cond     *sync.Cond
}

// NewRingBuffer creates a new ring buffer holding at most size bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	b := &RingBuffer{
		data: make([]byte, size),
		size: size,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends p, blocking while the buffer is full.
func (b *RingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for written < len(p) {
		for b.length == b.size && !b.closed {
			b.cond.Wait()
		}
		if b.closed {
			return written, ErrBufferClosed
		}

		toWrite := len(p) - written
		if free := b.size - b.length; toWrite > free {
			toWrite = free
		}
		for toWrite > 0 {
			contiguous := b.size - b.writePos
			if contiguous > toWrite {
				contiguous = toWrite
			}
			copy(b.data[b.writePos:b.writePos+contiguous], p[written:written+contiguous])
			b.writePos = (b.writePos + contiguous) % b.size
			b.length += contiguous
			b.written += int64(contiguous)
			written += contiguous
			toWrite -= contiguous
		}
		b.cond.Broadcast()
	}
	return written, nil
}

// Read implements io.Reader. It blocks until at least one byte is available
// and returns io.EOF once the buffer is closed and drained.
func (b *RingBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.length == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.length == 0 {
		return 0, io.EOF
	}
	return b.take(p), nil
}

// ReadN returns up to n bytes. With block set it waits until n bytes are buffered,
// the buffer is closed, or timeout elapses (zero means no timeout), then returns
// whatever is available. A timeout with nothing buffered yields ErrReadTimeout.
func (b *RingBuffer) ReadN(n int, block bool, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if block {
		var expired bool
		if timeout > 0 {
			t := time.AfterFunc(timeout, func() {
				b.mu.Lock()
				expired = true
				b.cond.Broadcast()
				b.mu.Unlock()
			})
			defer t.Stop()
		}
		for b.length < n && !b.closed && !expired {
			b.cond.Wait()
		}
		if b.length == 0 && !b.closed && expired {
			return nil, ErrReadTimeout
		}
	}
	if b.length == 0 {
		if b.closed {
			return nil, io.EOF
		}
		return nil, nil
	}

	if n > b.length {
		n = b.length
	}
	p := make([]byte, n)
	b.take(p)
	return p, nil
}

// take copies buffered bytes into p. Caller must hold mu.
func (b *RingBuffer) take(p []byte) int {
	toRead := len(p)
	if toRead > b.length {
		toRead = b.length
	}
	read := 0
	for toRead > 0 {
		contiguous := b.size - b.readPos
		if contiguous > toRead {
			contiguous = toRead
		}
		copy(p[read:read+contiguous], b.data[b.readPos:b.readPos+contiguous])
		b.readPos = (b.readPos + contiguous) % b.size
		b.length -= contiguous
		b.position += int64(contiguous)
		read += contiguous
		toRead -= contiguous
	}
	b.cond.Broadcast()
	return read
}

// WaitFree blocks until there is free space, the buffer is closed, or ctx is done.
func (b *RingBuffer) WaitFree(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.length == b.size && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}
	if b.closed {
		return ErrBufferClosed
	}
	return ctx.Err()
}

// Close closes the buffer and wakes up all waiting readers and writers. Safe to call more than once.
func (b *RingBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (b *RingBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of buffered bytes.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Free returns the number of bytes that can be written without blocking.
func (b *RingBuffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size - b.length
}

// Size returns the capacity of the buffer.
func (b *RingBuffer) Size() int {
	return b.size
}

// Position returns the total number of bytes consumed by readers.
func (b *RingBuffer) Position() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Written returns the total number of bytes accepted by Write.
func (b *RingBuffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}
