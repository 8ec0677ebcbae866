package read

import (
	"sync"
	"time"
)

// flight is one provider round-trip for a fingerprint. Every caller that
// asks for the same fingerprint while it is in flight waits on done.
type flight struct {
	res     *resolved
	done    chan struct{}
	waiters int
	// position in the aggregated call
	index int

	data []byte
	ok   bool
	err  error
}

func newFlight(res *resolved) *flight {
	return &flight{res: res, done: make(chan struct{})}
}

// batcher collects flights for one chain until its window closes.
type batcher struct {
	chainID  int64
	wait     time.Duration
	dispatch func(chainID int64, flights []*flight)

	mu    sync.Mutex
	queue []*flight
	timer *time.Timer
}

func newBatcher(chainID int64, wait time.Duration, dispatch func(int64, []*flight)) *batcher {
	return &batcher{chainID: chainID, wait: wait, dispatch: dispatch}
}

// enqueue adds flights in one step, so they always land in the same window.
// The first flight of a window arms the timer.
func (b *batcher) enqueue(flights ...*flight) {
	if len(flights) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, flights...)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.wait, b.fire)
	}
}

func (b *batcher) fire() {
	if flights := b.take(); len(flights) > 0 {
		b.dispatch(b.chainID, flights)
	}
}

func (b *batcher) take() []*flight {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	flights := b.queue
	b.queue = nil
	return flights
}

// flush dispatches the open window now, on the calling goroutine.
func (b *batcher) flush() {
	b.fire()
}

func (b *batcher) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
