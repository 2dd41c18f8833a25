package eventlog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackerbridge/internal/monitoring"
)

// recorder is the part of Store the writer needs.
type recorder interface {
	Record(Event) error
}

// Writer records events on its own goroutine so that callers on the
// emission path never wait for disk. When the queue is full the event is
// dropped and counted.
type Writer struct {
	store recorder
	ch    chan Event
	done  chan struct{}
	once  sync.Once

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter starts a writer with a queue of the given size.
func NewWriter(store recorder, queue int) *Writer {
	if queue <= 0 {
		queue = 256
	}
	w := &Writer{
		store: store,
		ch:    make(chan Event, queue),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	lastLog := time.Time{}
	for e := range w.ch {
		if err := w.store.Record(e); err != nil {
			w.failed.Add(1)
			if time.Since(lastLog) >= time.Minute {
				monitoring.Logf("event log: %v", err)
				lastLog = time.Now()
			}
		}
	}
}

// Enqueue queues e without blocking.
func (w *Writer) Enqueue(e Event) {
	select {
	case w.ch <- e:
	default:
		w.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Failed returns the number of events the store rejected.
func (w *Writer) Failed() uint64 { return w.failed.Load() }

// Close drains the queue and stops the writer. Enqueue must not be called
// after Close.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.ch) })
	<-w.done
}
