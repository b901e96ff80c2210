// Package signal is a small observer runtime: signals carry write
// notifications, effects re-run when a signal they depend on is written,
// and batches coalesce the writes made inside them into one notification
// per observer.
//
// An effect declares its dependencies through the Tracker handed to each
// run. Nothing is tracked implicitly, so effects driven from different
// goroutines never pick up each other's reads. Batches are process-wide: a
// write made on any goroutine while a batch is open is delivered when the
// outermost batch ends.
package signal

import "sync"

type observer interface {
	notify()
}

var rt = &runtime{queued: map[observer]struct{}{}}

type runtime struct {
	mu     sync.Mutex
	depth  int
	queue  []observer
	queued map[observer]struct{}
}

// Signal is a dependency token. Readers record it with NotifyRead, writers
// call NotifyWrite.
type Signal struct {
	mu        sync.Mutex
	observers map[observer]struct{}
	order     []observer
}

// New returns a signal with no observers.
func New() *Signal {
	return &Signal{observers: map[observer]struct{}{}}
}

// NotifyRead records the signal as a dependency of the effect run t belongs
// to. A nil tracker records nothing.
func (s *Signal) NotifyRead(t *Tracker) {
	t.Track(s)
}

// NotifyWrite notifies every observer, or queues them when inside Batch.
func (s *Signal) NotifyWrite() {
	s.mu.Lock()
	targets := append([]observer(nil), s.order...)
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	rt.mu.Lock()
	if rt.depth > 0 {
		for _, o := range targets {
			if _, ok := rt.queued[o]; !ok {
				rt.queued[o] = struct{}{}
				rt.queue = append(rt.queue, o)
			}
		}
		rt.mu.Unlock()
		return
	}
	rt.mu.Unlock()

	for _, o := range targets {
		o.notify()
	}
}

// Subscribe calls fn after every write to s. Writes inside one Batch produce
// one call.
func (s *Signal) Subscribe(fn func()) (unsubscribe func()) {
	sub := &subscription{fn: fn}
	s.add(sub)
	return func() { s.remove(sub) }
}

func (s *Signal) add(o observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observers[o]; ok {
		return
	}
	s.observers[o] = struct{}{}
	s.order = append(s.order, o)
}

func (s *Signal) remove(o observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observers[o]; !ok {
		return
	}
	delete(s.observers, o)
	for i, existing := range s.order {
		if existing == o {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

type subscription struct {
	fn func()
}

func (s *subscription) notify() {
	s.fn()
}

// Tracker collects the signals one effect run depends on. It may be shared
// with goroutines the run starts, but reads recorded after the run returns
// are ignored.
type Tracker struct {
	mu     sync.Mutex
	seen   map[*Signal]struct{}
	paused int
	done   bool
}

// Track records sigs as dependencies of the run.
func (t *Tracker) Track(sigs ...*Signal) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done || t.paused > 0 {
		return
	}
	for _, s := range sigs {
		t.seen[s] = struct{}{}
	}
}

// Untracked runs fn without recording the reads it makes through t.
func (t *Tracker) Untracked(fn func()) {
	if t == nil {
		fn()
		return
	}
	t.mu.Lock()
	t.paused++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.paused--
		t.mu.Unlock()
	}()
	fn()
}

func (t *Tracker) finish() map[*Signal]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	return t.seen
}

type effect struct {
	fn func(t *Tracker)

	mu      sync.Mutex
	deps    map[*Signal]struct{}
	running bool
	stopped bool
}

// Effect runs fn now and again whenever a signal it tracked during its last
// run is written. Writes that arrive while fn is running do not re-run it.
func Effect(fn func(t *Tracker)) (stop func()) {
	e := &effect{fn: fn, deps: map[*Signal]struct{}{}, running: true}
	e.run()
	return e.stop
}

func (e *effect) notify() {
	e.mu.Lock()
	if e.stopped || e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	e.run()
}

func (e *effect) run() {
	t := &Tracker{seen: map[*Signal]struct{}{}}
	defer func() {
		seen := t.finish()
		e.mu.Lock()
		defer e.mu.Unlock()
		e.running = false
		if e.stopped {
			return
		}
		for s := range e.deps {
			if _, still := seen[s]; !still {
				s.remove(e)
			}
		}
		for s := range seen {
			s.add(e)
		}
		e.deps = seen
	}()

	e.fn(t)
}

func (e *effect) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for s := range e.deps {
		s.remove(e)
	}
	e.deps = map[*Signal]struct{}{}
}

// Batch runs fn and delivers the notifications it caused once, after fn
// returns. Batches nest; delivery happens when the outermost one ends.
func Batch(fn func()) {
	rt.mu.Lock()
	rt.depth++
	rt.mu.Unlock()

	defer func() {
		rt.mu.Lock()
		rt.depth--
		if rt.depth > 0 {
			rt.mu.Unlock()
			return
		}
		rt.mu.Unlock()
		flush()
	}()

	fn()
}

func flush() {
	for {
		rt.mu.Lock()
		if len(rt.queue) == 0 || rt.depth > 0 {
			rt.mu.Unlock()
			return
		}
		next := rt.queue
		rt.queue = nil
		for _, o := range next {
			delete(rt.queued, o)
		}
		rt.mu.Unlock()

		for _, o := range next {
			o.notify()
		}
	}
}
