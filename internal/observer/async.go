package observer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Async delivers notifications to an inner observer on its own goroutine.
// When the buffer is full the notification is dropped and counted; the
// caller is never blocked.
type Async struct {
	inner   Observer
	name    string
	ch      chan Notification
	done    chan struct{}
	dropped atomic.Int64
	logger  *slog.Logger

	// mu guards closed and the close of ch. Senders hold the read lock.
	mu     sync.RWMutex
	closed bool
}

// NewAsync starts a delivery goroutine with the given buffer size.
func NewAsync(name string, inner Observer, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		inner:  inner,
		name:   name,
		ch:     make(chan Notification, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for n := range a.ch {
		a.inner.Notify(n)
	}
}

// Notify enqueues n for delivery without blocking. After Close it only
// counts n as dropped.
func (a *Async) Notify(n Notification) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.ch <- n:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("observer buffer full, dropping notifications",
				"observer", a.name,
				"dropped", a.dropped.Load(),
			)
		}
	}
}

// Dropped returns how many notifications were discarded.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting notifications and waits for the buffer to drain or
// ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
