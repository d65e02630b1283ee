// Package sync provides the pools and maps the sftp client shares between its goroutines.
package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/sftpkit/sftp/internal/pragma"
)

// ErrPoolClosed is returned from WorkPool.Get once the pool has been closed.
var ErrPoolClosed = errors.New("sftp: work pool closed")

// SlicePool is a set of temporary slices that may be individually saved and retrieved.
//
// Any slice stored in the SlicePool will be held onto indefinitely,
// and slices are returned for reuse in a round-robin order.
//
// A SlicePool is safe for use by multiple goroutines simultaneously.
// Unlike the standard library Pool, the free list is maintained as a channel,
// so it is suitable for short-lived packet buffers.
type SlicePool[S ~[]T, T any] struct {
	noCopy pragma.DoNotCopy

	metrics

	ch     chan S
	length int
}

// NewSlicePool returns a [SlicePool] set to hold onto depth number of items,
// and discard any slice with a capacity greater than the cull length.
//
// It will panic if given a negative depth, the same as making a negative-buffer channel.
// It will also panic if given a zero or negative cull length.
func NewSlicePool[S ~[]T, T any](depth, cullLength int) *SlicePool[S, T] {
	if cullLength <= 0 {
		panic("sftp: slice pool: cull length must be greater than zero")
	}

	return &SlicePool[S, T]{
		ch:     make(chan S, depth),
		length: cullLength,
	}
}

// Get retrieves a slice from the pool, sets the length to the capacity, and then returns it to the caller.
// If the pool is empty, it will return a nil slice.
//
// A nil SlicePool is treated as an empty pool.
func (p *SlicePool[S, T]) Get() S {
	if p == nil {
		return nil
	}

	select {
	case b := <-p.ch:
		p.hit()
		return b[:cap(b)]

	default:
		p.miss()
		return nil // let the reader allocate the exact size it needs.
	}
}

// Put adds the slice to the pool, if there is capacity in the pool,
// and if the capacity of the slice is not more than the culling length.
//
// A nil SlicePool is treated as a pool with no capacity.
func (p *SlicePool[S, T]) Put(b S) {
	if p == nil || b == nil {
		return
	}

	if cap(b) > p.length {
		// oversized buffers would pin memory for the life of the pool.
		return
	}

	select {
	case p.ch <- b:
	default:
	}
}

// Pool is a set of temporary items that may be individually saved and retrieved.
// It is a typed free list in the same manner as [SlicePool].
type Pool[T any] struct {
	noCopy pragma.DoNotCopy

	metrics

	ch chan *T
}

// NewPool returns a [Pool] set to hold onto depth number of pointers to the given type.
func NewPool[T any](depth int) *Pool[T] {
	return &Pool[T]{
		ch: make(chan *T, depth),
	}
}

// Get retrieves an item from the pool,
// or a pointer to a newly allocated item if the pool is empty.
func (p *Pool[T]) Get() *T {
	if p == nil {
		return new(T)
	}

	select {
	case v := <-p.ch:
		p.hit()
		return v

	default:
		p.miss()
		return new(T)
	}
}

// Put zeroes the given item, and adds it to the pool if there is capacity.
func (p *Pool[T]) Put(v *T) {
	if p == nil || v == nil {
		return
	}

	var z T
	*v = z

	select {
	case p.ch <- v:
	default:
	}
}

// WorkPool is a fixed set of work channels, handed out one per outstanding request.
//
// The number of channels bounds how much work may be outstanding at once:
// once every channel has been handed out, Get blocks until one is returned with Put.
// Blocked callers are woken in the order they started waiting.
//
// Close stops handing out channels, and Wait then blocks until every outstanding channel has been returned.
type WorkPool[T any] struct {
	noCopy pragma.DoNotCopy

	ch   chan chan T
	done chan struct{}

	mu     sync.Mutex
	closed bool
	out    int
	idle   chan struct{}
}

// NewWorkPool returns a [WorkPool] filled with depth number of work channels, each with a buffer of 1.
//
// It will panic if given a negative depth, the same as making a negative-buffer channel.
func NewWorkPool[T any](depth int) *WorkPool[T] {
	p := &WorkPool[T]{
		ch:   make(chan chan T, depth),
		done: make(chan struct{}),
		idle: make(chan struct{}),
	}

	for len(p.ch) < cap(p.ch) {
		p.ch <- make(chan T, 1)
	}

	return p
}

// Cap returns the number of work channels the pool was created with.
func (p *WorkPool[T]) Cap() int {
	if p == nil {
		return 0
	}
	return cap(p.ch)
}

// Outstanding returns the number of work channels currently handed out.
func (p *WorkPool[T]) Outstanding() int {
	if p == nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.out
}

// Get retrieves a work channel from the pool, blocking until one is available.
//
// It returns ErrPoolClosed if the pool is, or becomes, closed while waiting,
// and ctx.Err() if the context is done first.
//
// A nil WorkPool always returns a new work channel.
func (p *WorkPool[T]) Get(ctx context.Context) (chan T, error) {
	if p == nil {
		return make(chan T, 1), nil
	}

	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)

	case <-p.done:
		return nil, ErrPoolClosed

	case v := <-p.ch:
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.closed {
			p.ch <- v // cannot block: we just took this slot.
			return nil, ErrPoolClosed
		}

		p.out++
		return v, nil
	}
}

// TryGet retrieves a work channel from the pool if one is free, without blocking.
// It reports false if every channel is handed out, or if the pool is closed.
//
// A nil WorkPool always returns a new work channel.
func (p *WorkPool[T]) TryGet() (chan T, bool) {
	if p == nil {
		return make(chan T, 1), true
	}

	select {
	case <-p.done:
		return nil, false

	case v := <-p.ch:
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.closed {
			p.ch <- v
			return nil, false
		}

		p.out++
		return v, true

	default:
		return nil, false
	}
}

// Put returns the given work channel to the pool.
// Any value left buffered in the channel is discarded.
//
// Put panics if more work channels are returned than were handed out.
//
// A nil WorkPool simply discards work channels.
func (p *WorkPool[T]) Put(v chan T) {
	if p == nil {
		return
	}

	select {
	case <-v:
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out <= 0 {
		panic("sftp: work pool overfill")
	}

	p.out--
	p.ch <- v

	if p.closed && p.out == 0 {
		close(p.idle)
	}
}

// Close closes the [WorkPool] to all further Get requests, and wakes any blocked Get.
// It does not wait for outstanding channels, see Wait.
//
// Calling Close more than once returns ErrPoolClosed.
func (p *WorkPool[T]) Close() error {
	if p == nil {
		return errors.New("sftp: cannot close nil work pool")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.closed = true
	close(p.done)

	if p.out == 0 {
		close(p.idle)
	}

	return nil
}

// Wait blocks until the pool has been closed and every outstanding channel has been returned,
// or until the context is done.
func (p *WorkPool[T]) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}

	select {
	case <-p.idle:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
