package statusled

import (
	"sync"
	"testing"
	"time"

	"airbrake-fc/internal/fc"
)

func TestPatternFor_DistinctPhases(t *testing.T) {
	// Every phase a recovery crew cares about must be distinguishable.
	states := []fc.State{
		fc.StatePreflight,
		fc.StateBoost,
		fc.StateDeployed,
		fc.StateLocked,
		fc.StateAbortLockout,
	}
	seen := map[string]fc.State{}
	for _, st := range states {
		key := patternKey(PatternFor(st))
		if prev, dup := seen[key]; dup {
			t.Fatalf("states %v and %v share pattern %q", prev, st, key)
		}
		seen[key] = st
	}
}

func TestPattern_ValueAt(t *testing.T) {
	p := Pattern{100 * time.Millisecond, 900 * time.Millisecond}

	if got := p.ValueAt(0); got != 1 {
		t.Fatalf("value at 0: got %d want 1", got)
	}
	if got := p.ValueAt(99 * time.Millisecond); got != 1 {
		t.Fatalf("value at 99ms: got %d want 1", got)
	}
	if got := p.ValueAt(100 * time.Millisecond); got != 0 {
		t.Fatalf("value at 100ms: got %d want 0", got)
	}
	if got := p.ValueAt(999 * time.Millisecond); got != 0 {
		t.Fatalf("value at 999ms: got %d want 0", got)
	}
	// Wraps around the cycle.
	if got := p.ValueAt(1050 * time.Millisecond); got != 1 {
		t.Fatalf("value at 1.05s: got %d want 1", got)
	}
}

func TestPattern_ValueAt_Degenerate(t *testing.T) {
	if got := (Pattern{}).ValueAt(5 * time.Second); got != 0 {
		t.Fatalf("empty pattern: got %d want 0", got)
	}
	// Single-entry pattern is solid on.
	p := Pattern{time.Second}
	if got := p.ValueAt(0); got != 1 {
		t.Fatalf("solid pattern at 0: got %d want 1", got)
	}
	if got := p.ValueAt(2500 * time.Millisecond); got != 1 {
		t.Fatalf("solid pattern at 2.5s: got %d want 1", got)
	}
}

type fakeLine struct {
	mu     sync.Mutex
	values []int
	closed bool
}

func (l *fakeLine) SetValue(v int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = append(l.values, v)
	return nil
}

func (l *fakeLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLine) snapshot() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.values...)
}

func TestService_BlinksAndClosesOff(t *testing.T) {
	line := &fakeLine{}
	s := New(line)
	s.SetState(fc.StateAbortLockout) // 50ms on / 50ms off

	// Wait for at least one on and one off edge.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		vals := line.snapshot()
		if hasValue(vals, 1) && hasValue(vals, 0) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	vals := line.snapshot()
	if !hasValue(vals, 1) || !hasValue(vals, 0) {
		t.Fatalf("no blink edges observed: %v", vals)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	vals = line.snapshot()
	if vals[len(vals)-1] != 0 {
		t.Fatalf("final value=%d want 0", vals[len(vals)-1])
	}
	if !line.closed {
		t.Fatalf("line not closed")
	}
}

func patternKey(p Pattern) string {
	key := ""
	for _, d := range p {
		key += d.String() + ","
	}
	return key
}

func hasValue(vals []int, want int) bool {
	for _, v := range vals {
		if v == want {
			return true
		}
	}
	return false
}
