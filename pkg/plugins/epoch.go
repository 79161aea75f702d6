package plugins

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTickInterval is how often the epoch advances.
const DefaultTickInterval = 10 * time.Millisecond

// errEpochDeadline is the cancellation cause of a call that ran out of ticks.
var errEpochDeadline = errors.New("epoch deadline reached")

// Epoch is a coarse global clock shared by every plugin call. A single
// goroutine advances it; each call gets a deadline expressed in ticks and is
// interrupted once the clock reaches it.
type Epoch struct {
	interval time.Duration
	ticks    atomic.Uint64

	mu      sync.Mutex
	changed chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewEpoch starts an epoch advancing every interval.
func NewEpoch(interval time.Duration) *Epoch {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	e := &Epoch{
		interval: interval,
		changed:  make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Epoch) run() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.ticks.Add(1)
			e.mu.Lock()
			close(e.changed)
			e.changed = make(chan struct{})
			e.mu.Unlock()
		}
	}
}

// Now returns the current tick.
func (e *Epoch) Now() uint64 {
	return e.ticks.Load()
}

// Ticks converts a duration to a tick count, at least one.
func (e *Epoch) Ticks(d time.Duration) uint64 {
	n := uint64(d / e.interval)
	if n == 0 {
		n = 1
	}
	return n
}

// Stop halts the clock. Pending deadlines never fire afterwards.
func (e *Epoch) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Epoch) next() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

// WithTimeout derives a context that is cancelled once d worth of ticks have
// elapsed. expired reports whether the cancellation came from the epoch rather
// than the parent or cancel.
func (e *Epoch) WithTimeout(parent context.Context, d time.Duration) (ctx context.Context, cancel func(), expired func() bool) {
	return e.WithDeadline(parent, e.Now()+e.Ticks(d))
}

// WithDeadline is WithTimeout with an absolute tick.
func (e *Epoch) WithDeadline(parent context.Context, deadline uint64) (context.Context, func(), func() bool) {
	ctx, cancel := context.WithCancelCause(parent)
	var hit atomic.Bool

	go func() {
		for {
			ch := e.next()
			if e.Now() >= deadline {
				hit.Store(true)
				cancel(errEpochDeadline)
				return
			}
			select {
			case <-ch:
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			}
		}
	}()

	return ctx, func() { cancel(nil) }, hit.Load
}
