package telemetry

import (
	"log"
	"sync"
	"time"
)

// Sink receives finished telemetry batches.
type Sink interface {
	Write(b []byte) error
	Close() error
}

const (
	// DefaultMaxRecords flushes a batch once it holds this many records.
	DefaultMaxRecords = 50
	// DefaultFlushEvery flushes a partial batch after this long.
	DefaultFlushEvery = 100 * time.Millisecond
)

// Batcher assigns sequence numbers, accumulates marshaled packets, and
// flushes concatenated batches to every sink when either the record count or
// the age limit is reached. Sink errors are logged and do not stop the batch
// loop; the downlink is best-effort.
type Batcher struct {
	mu    sync.Mutex
	buf   []byte
	count int
	seq   uint16

	sinks      []Sink
	maxRecords int
	flushEvery time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewBatcher starts a batcher over sinks. Zero limits take the defaults.
func NewBatcher(sinks []Sink, maxRecords int, flushEvery time.Duration) *Batcher {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}
	b := &Batcher{
		sinks:      sinks,
		maxRecords: maxRecords,
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go b.loop()
	return b
}

// Add frames p into the current batch, stamping the next sequence number.
func (b *Batcher) Add(p Packet) {
	b.mu.Lock()
	p.Seq = b.seq
	b.seq++
	b.buf = append(b.buf, p.Marshal()...)
	b.count++
	full := b.count >= b.maxRecords
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush writes the pending batch, if any, to every sink.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.count == 0 {
		b.mu.Unlock()
		return
	}
	out := b.buf
	b.buf = nil
	b.count = 0
	b.mu.Unlock()

	for _, s := range b.sinks {
		if err := s.Write(out); err != nil {
			log.Printf("telemetry: sink write: %v", err)
		}
	}
}

// Close flushes the remainder and closes every sink.
func (b *Batcher) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.done
	b.Flush()
	var first error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Batcher) loop() {
	defer close(b.done)
	t := time.NewTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-t.C:
			b.Flush()
		}
	}
}
