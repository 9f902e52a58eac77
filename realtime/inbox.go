package realtime

import "sync"

// inbox runs deliveries one at a time in arrival order on its own goroutine,
// so push never blocks the caller. Paho's router must not block on handlers
// that subscribe, publish or write audit records.
type inbox struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newInbox() *inbox {
	var i = &inbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go i.run()
	return i
}

// push queues fn. Deliveries pushed after close are dropped.
func (i *inbox) push(fn func()) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.pending = append(i.pending, fn)
	i.mu.Unlock()

	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// close discards pending deliveries and stops the goroutine once the running
// delivery returns. It does not wait, so a handler may close its own inbox.
func (i *inbox) close() {
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		i.pending = nil
		i.mu.Unlock()
		close(i.done)
	})
}

func (i *inbox) run() {
	for {
		select {
		case <-i.done:
			return
		case <-i.wake:
		}

		for {
			var fn, ok = i.pop()
			if !ok {
				break
			}
			fn()
		}
	}
}

func (i *inbox) pop() (func(), bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed || len(i.pending) == 0 {
		return nil, false
	}

	var fn = i.pending[0]
	i.pending[0] = nil
	i.pending = i.pending[1:]
	return fn, true
}
