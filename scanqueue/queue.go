// Package scanqueue serializes pallet scan submissions from many devices. A
// single drain loop hands requests to one consumer in arrival order, pausing
// between items, and exits once the queue is empty.
package scanqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("scan queue is full")
	ErrClosed    = errors.New("scan queue is closed")
)

// Request is one scan submission waiting to be processed.
type Request struct {
	PalletNumber string
	DeviceID     string
	ReceivedAt   time.Time
}

// Consumer processes one request. Errors are logged and do not stop the queue.
type Consumer func(ctx context.Context, req Request) error

// Queue is a FIFO with at most one request in flight.
type Queue struct {
	options options

	mu       sync.Mutex
	items    []Request
	consumer Consumer
	running  bool
	closed   bool
	// idle is closed when the current drain loop exits.
	idle chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty queue. The drain loop starts on the first Enqueue.
func New(opts ...Option) *Queue {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var ctx, cancel = context.WithCancel(context.Background())
	return &Queue{
		options: options,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnItemReady sets the consumer. Requests popped with no consumer are dropped.
func (q *Queue) OnItemReady(fn Consumer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumer = fn
}

// Enqueue appends a request and starts the drain loop if it is not running.
// It never blocks.
func (q *Queue) Enqueue(palletNumber, deviceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if q.options.maxDepth > 0 && len(q.items) >= q.options.maxDepth {
		q.options.logger.Warn("scan queue full, rejecting request",
			"pallet_number", palletNumber, "device_id", deviceID, "depth", len(q.items))
		return fmt.Errorf("%w: %d requests waiting", ErrQueueFull, len(q.items))
	}

	q.items = append(q.items, Request{
		PalletNumber: palletNumber,
		DeviceID:     deviceID,
		ReceivedAt:   q.options.clock.Now(),
	})

	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		q.wg.Add(1)
		go q.drain()
	}

	return nil
}

// Len returns the number of requests waiting, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait blocks until the drain loop has emptied the queue or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	var idle = q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further requests, discards waiting ones and stops the drain
// loop after the in-flight request returns.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var discarded = len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	if discarded > 0 {
		q.options.logger.Warn("scan queue closed with pending requests", "discarded", discarded)
	}
}

func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		var req, consumer, ok = q.pop()
		if !ok {
			return
		}

		q.process(consumer, req)

		select {
		case <-q.ctx.Done():
		case <-q.options.clock.After(q.options.pacing):
		}
	}
}

// pop removes the oldest request. When the queue is empty it marks the loop
// stopped under the same lock so a concurrent Enqueue starts a new one.
func (q *Queue) pop() (Request, Consumer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.closed {
		q.running = false
		close(q.idle)
		return Request{}, nil, false
	}

	var req = q.items[0]
	q.items[0] = Request{}
	q.items = q.items[1:]
	return req, q.consumer, true
}

func (q *Queue) process(consumer Consumer, req Request) {
	var logger = q.options.logger.With("pallet_number", req.PalletNumber, "device_id", req.DeviceID)

	if consumer == nil {
		logger.Warn("no consumer registered, dropping scan request")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("scan consumer panicked", "panic", r)
		}
	}()

	if err := consumer(q.ctx, req); err != nil {
		logger.Warn("scan consumer failed", "error", err)
		return
	}

	logger.Debug("scan request processed", "waited", q.options.clock.Since(req.ReceivedAt))
}
