package presence

import (
	"sync"
	"time"

	"github.com/ghaiht95/genmob/types"
)

// ExpireFunc is called when a grace timer fires. It has to check with the Registry whether the generation is still
// current, the timer may have lost a race against a cancel.
type ExpireFunc func(key types.MemberKey, generation uint64)

// Evictor keeps one cancellable removal timer per member.
type Evictor struct {
	mu       sync.Mutex
	timers   map[types.MemberKey]*time.Timer
	delay    time.Duration
	onExpire ExpireFunc
	stopped  bool
	wg       sync.WaitGroup
}

func NewEvictor(delay time.Duration, onExpire ExpireFunc) *Evictor {
	return &Evictor{
		timers:   make(map[types.MemberKey]*time.Timer),
		delay:    delay,
		onExpire: onExpire,
	}
}

func (e *Evictor) Delay() time.Duration {
	return e.delay
}

// Schedule arms the timer for key, replacing a pending one.
func (e *Evictor) Schedule(key types.MemberKey, generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if t, ok := e.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(e.delay, func() {
		e.mu.Lock()
		if e.timers[key] == t {
			delete(e.timers, key)
		}
		if e.stopped {
			e.mu.Unlock()
			return
		}
		e.wg.Add(1)
		e.mu.Unlock()
		defer e.wg.Done()
		e.onExpire(key, generation)
	})
	e.timers[key] = t
}

// Cancel stops the timer of key. It reports whether a timer was pending; a timer that already started firing is not
// affected and relies on the generation check.
func (e *Evictor) Cancel(key types.MemberKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[key]
	if !ok {
		return false
	}
	delete(e.timers, key)
	return t.Stop()
}

func (e *Evictor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Stop cancels all timers and waits for expiry callbacks that are already running.
func (e *Evictor) Stop() {
	e.mu.Lock()
	e.stopped = true
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
