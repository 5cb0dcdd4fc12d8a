// Package statusled blinks the board LED so the flight phase is readable
// without a ground link: the pattern encodes the controller state.
package statusled

import (
	"log"
	"sync"
	"time"

	"airbrake-fc/internal/fc"
)

// Line is the digital output the blinker drives.
type Line interface {
	SetValue(v int) error
	Close() error
}

// Pattern is a repeating on/off cycle: durations alternate starting with ON.
// An empty pattern means solid off, a single entry solid on.
type Pattern []time.Duration

// PatternFor maps a controller state to its blink pattern.
func PatternFor(s fc.State) Pattern {
	switch s {
	case fc.StatePreflight:
		// Slow heartbeat on the pad.
		return Pattern{100 * time.Millisecond, 900 * time.Millisecond}
	case fc.StateBoost, fc.StatePostBurnHold, fc.StateWindow:
		// Fast blink in powered/coast flight.
		return Pattern{100 * time.Millisecond, 100 * time.Millisecond}
	case fc.StateDeployed:
		// Solid while the brake is out.
		return Pattern{time.Second}
	case fc.StateRetracting, fc.StateLocked:
		// Double blink after retraction.
		return Pattern{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond, 700 * time.Millisecond}
	case fc.StateAbortLockout:
		// Rapid flicker: something went wrong.
		return Pattern{50 * time.Millisecond, 50 * time.Millisecond}
	default:
		return Pattern{}
	}
}

// ValueAt returns the LED level the pattern prescribes at elapsed time since
// the pattern started.
func (p Pattern) ValueAt(elapsed time.Duration) int {
	if len(p) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range p {
		total += d
	}
	if total <= 0 {
		return 0
	}
	t := elapsed % total
	for i, d := range p {
		if t < d {
			if i%2 == 0 {
				return 1
			}
			return 0
		}
		t -= d
	}
	return 0
}

// Service drives a Line with the pattern for the most recently reported
// state.
type Service struct {
	line Line

	mu      sync.Mutex
	pattern Pattern
	since   time.Time
	last    int

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New starts the blinker on line, initially off.
func New(line Line) *Service {
	s := &Service{
		line:    line,
		pattern: Pattern{},
		since:   time.Now(),
		last:    -1,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// SetState switches to the pattern for st. The pattern phase restarts only
// when the pattern actually changes, so a steady state keeps a steady rhythm.
func (s *Service) SetState(st fc.State) {
	p := PatternFor(st)
	s.mu.Lock()
	defer s.mu.Unlock()
	if patternsEqual(p, s.pattern) {
		return
	}
	s.pattern = p
	s.since = time.Now()
}

// Close stops the blinker and leaves the LED off.
func (s *Service) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	_ = s.line.SetValue(0)
	return s.line.Close()
}

func (s *Service) loop() {
	defer close(s.done)
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-t.C:
			s.mu.Lock()
			v := s.pattern.ValueAt(now.Sub(s.since))
			changed := v != s.last
			s.last = v
			s.mu.Unlock()
			if changed {
				if err := s.line.SetValue(v); err != nil {
					log.Printf("statusled: set value: %v", err)
				}
			}
		}
	}
}

func patternsEqual(a, b Pattern) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
