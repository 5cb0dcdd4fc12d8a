package web

import (
	"sync"

	"airbrake-fc/internal/flight"
)

// Broadcaster fans out per-tick snapshots to any listeners (the websocket
// stream). It keeps the most recent value so new subscribers get an immediate
// sample.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan flight.Snapshot
	nextID   int
	last     flight.Snapshot
	haveLast bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan flight.Snapshot),
	}
}

func (b *Broadcaster) Subscribe(buffer int) (int, <-chan flight.Snapshot) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan flight.Snapshot, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers snap to every subscriber. Slow subscribers drop samples
// rather than stall the control loop.
func (b *Broadcaster) Publish(snap flight.Snapshot) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]chan flight.Snapshot, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
	b.mu.Lock()
	b.last = snap
	b.haveLast = true
	b.mu.Unlock()
}
