package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStopReset is how long a stop request stays set before it clears
// itself, so a later send is not cancelled before it starts.
const DefaultStopReset = time.Second

// StopFlag is the shared cancellation cell for the send in progress.
//
// While a send holds a watch, a stop runs the watch callbacks at once and
// stays latched until the last watch is released; releasing consumes the
// stop. A stop with no send watching clears itself after the reset window.
type StopFlag struct {
	stopped    atomic.Bool
	resetAfter time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	watchers map[int]func()
	nextID   int
}

func NewStopFlag(resetAfter time.Duration) *StopFlag {
	return &StopFlag{resetAfter: resetAfter, watchers: make(map[int]func())}
}

// Stop sets the flag and aborts every watching send.
func (f *StopFlag) Stop() {
	f.stopped.Store(true)

	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	abort := make([]func(), 0, len(f.watchers))
	for _, fn := range f.watchers {
		abort = append(abort, fn)
	}
	if len(f.watchers) == 0 && f.resetAfter > 0 {
		f.timer = time.AfterFunc(f.resetAfter, f.Reset)
	}
	f.mu.Unlock()

	for _, fn := range abort {
		fn()
	}
}

// Watch registers abort to run when Stop is called, until the returned
// release func runs. Releasing the last watch clears a pending stop.
// Watch on a nil flag does nothing.
func (f *StopFlag) Watch(abort func()) (release func()) {
	if f == nil {
		return func() {}
	}
	f.mu.Lock()
	if f.watchers == nil {
		f.watchers = make(map[int]func())
	}
	id := f.nextID
	f.nextID++
	f.watchers[id] = abort
	if f.timer != nil {
		// the send now owns the pending stop
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers, id)
			last := len(f.watchers) == 0
			f.mu.Unlock()
			if last {
				f.Reset()
			}
		})
	}
}

func (f *StopFlag) Reset() {
	f.stopped.Store(false)
}

// Stopped is safe on a nil flag, which never stops.
func (f *StopFlag) Stopped() bool {
	if f == nil {
		return false
	}
	return f.stopped.Load()
}
