package network

import (
	"sync"
)

// StreamBufferCapacity is the number of items a StreamBuffer holds before Put blocks.
const StreamBufferCapacity = 5

// StreamBuffer is a bounded FIFO handing chunks from a loader to a drain.
// Abort wakes every waiter; after it, Put and Take fail with ErrCancelled.
type StreamBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items     [][]byte
	capacity  int
	aborted   bool
	cause     error
	highWater int
}

// NewStreamBuffer returns an empty buffer with the default capacity.
func NewStreamBuffer() *StreamBuffer {
	return newStreamBuffer(StreamBufferCapacity)
}

func newStreamBuffer(capacity int) *StreamBuffer {
	if capacity <= 0 {
		capacity = StreamBufferCapacity
	}
	b := &StreamBuffer{
		items:    make([][]byte, 0, capacity),
		capacity: capacity,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Put enqueues chunk, blocking while the buffer is full.
func (b *StreamBuffer) Put(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) >= b.capacity && !b.aborted {
		b.notFull.Wait()
	}
	if b.aborted {
		return b.abortErr()
	}

	b.items = append(b.items, chunk)
	if len(b.items) > b.highWater {
		b.highWater = len(b.items)
	}
	b.notEmpty.Signal()
	return nil
}

// Take dequeues the oldest chunk, blocking while the buffer is empty.
func (b *StreamBuffer) Take() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) == 0 && !b.aborted {
		b.notEmpty.Wait()
	}
	if b.aborted {
		return nil, b.abortErr()
	}

	chunk := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	b.notFull.Signal()
	return chunk, nil
}

// Abort marks the buffer as cancelled and wakes both sides. The first cause wins.
func (b *StreamBuffer) Abort(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.aborted {
		return
	}
	b.aborted = true
	b.cause = cause
	b.items = nil
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Aborted reports whether Abort was called.
func (b *StreamBuffer) Aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// Len returns the number of queued items.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// HighWater returns the largest number of items ever queued at once.
func (b *StreamBuffer) HighWater() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.highWater
}

func (b *StreamBuffer) abortErr() error {
	if b.cause == nil {
		return ErrCancelled
	}
	return b.cause
}
