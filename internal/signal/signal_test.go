package signal

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestEffectRerunsOnWrite(t *testing.T) {
	s := New()
	runs := 0
	stop := Effect(func(tr *Tracker) {
		s.NotifyRead(tr)
		runs++
	})
	if runs != 1 {
		t.Fatalf("expected initial run, got %d", runs)
	}

	s.NotifyWrite()
	if runs != 2 {
		t.Fatalf("expected re-run, got %d", runs)
	}

	stop()
	s.NotifyWrite()
	if runs != 2 {
		t.Fatalf("stopped effect ran again: %d", runs)
	}
}

func TestEffectTracksOnlyLastRun(t *testing.T) {
	a, b := New(), New()
	useA := true
	runs := 0
	Effect(func(tr *Tracker) {
		runs++
		if useA {
			a.NotifyRead(tr)
		} else {
			b.NotifyRead(tr)
		}
	})

	useA = false
	a.NotifyWrite()
	if runs != 2 {
		t.Fatalf("expected re-run on a, got %d", runs)
	}
	a.NotifyWrite()
	if runs != 2 {
		t.Fatalf("a should no longer be tracked, got %d", runs)
	}
	b.NotifyWrite()
	if runs != 3 {
		t.Fatalf("expected re-run on b, got %d", runs)
	}
}

func TestEffectIgnoresReadsFromOtherGoroutines(t *testing.T) {
	a, b := New(), New()
	var runs atomic.Int32
	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		<-inside
		// An unrelated reader on another goroutine, with no tracker of its own.
		a.NotifyRead(nil)
		close(release)
	}()

	stop := Effect(func(tr *Tracker) {
		b.NotifyRead(tr)
		if runs.Add(1) == 1 {
			close(inside)
			<-release
		}
	})
	defer stop()

	a.NotifyWrite()
	if n := runs.Load(); n != 1 {
		t.Fatalf("write to an untracked signal re-ran the effect: runs = %d", n)
	}
	b.NotifyWrite()
	if n := runs.Load(); n != 2 {
		t.Fatalf("runs after tracked write = %d, want 2", n)
	}
}

func TestConcurrentEffects(t *testing.T) {
	signals := make([]*Signal, 8)
	for i := range signals {
		signals[i] = New()
	}
	counts := make([]atomic.Int32, len(signals))
	var stops []func()
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range signals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop := Effect(func(tr *Tracker) {
				signals[i].NotifyRead(tr)
				counts[i].Add(1)
			})
			mu.Lock()
			stops = append(stops, stop)
			mu.Unlock()
		}()
	}
	wg.Wait()
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	for i := range signals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			signals[i].NotifyWrite()
		}()
	}
	wg.Wait()
	for i := range counts {
		if n := counts[i].Load(); n != 2 {
			t.Errorf("effect %d ran %d times, want 2", i, n)
		}
	}
}

func TestBatchCoalesces(t *testing.T) {
	a, b := New(), New()
	calls := 0
	a.Subscribe(func() { calls++ })
	runs := 0
	Effect(func(tr *Tracker) {
		tr.Track(a, b)
		runs++
	})

	Batch(func() {
		a.NotifyWrite()
		b.NotifyWrite()
		Batch(func() { a.NotifyWrite() })
		if calls != 0 || runs != 1 {
			t.Errorf("notifications leaked out of batch: calls=%d runs=%d", calls, runs)
		}
	})

	if calls != 1 {
		t.Errorf("expected one subscriber call, got %d", calls)
	}
	if runs != 2 {
		t.Errorf("expected one effect re-run, got %d", runs-1)
	}
}

func TestUntracked(t *testing.T) {
	s := New()
	runs := 0
	Effect(func(tr *Tracker) {
		runs++
		tr.Untracked(func() { s.NotifyRead(tr) })
	})
	s.NotifyWrite()
	if runs != 1 {
		t.Errorf("untracked read should not subscribe, got %d runs", runs)
	}
}

func TestTrackAfterRunIgnored(t *testing.T) {
	s := New()
	var kept *Tracker
	runs := 0
	Effect(func(tr *Tracker) {
		kept = tr
		runs++
	})
	kept.Track(s)
	s.NotifyWrite()
	if runs != 1 {
		t.Errorf("read recorded after the run subscribed the effect: %d runs", runs)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := New()
	calls := 0
	unsubscribe := s.Subscribe(func() { calls++ })
	s.NotifyWrite()
	unsubscribe()
	s.NotifyWrite()
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
