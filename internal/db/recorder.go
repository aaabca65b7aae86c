package db

import (
	"log/slog"
	"sync"
)

const defaultRecorderBuffer = 1024

// Recorder writes events from a single goroutine so callers never wait on
// disk. When the buffer is full the event is dropped.
type Recorder struct {
	database *Database
	events   chan Event
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

func NewRecorder(database *Database, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	r := &Recorder{
		database: database,
		events:   make(chan Event, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues an event. Safe for concurrent use, and a no-op after Close.
func (r *Recorder) Record(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		slog.Warn("ledger buffer full, dropping event", "room", ev.RoomID, "kind", ev.Kind)
	}
}

// Close flushes queued events and stops the writer
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for ev := range r.events {
		if err := r.database.RecordEvent(ev); err != nil {
			slog.Error("failed to record event", "room", ev.RoomID, "kind", ev.Kind, "err", err)
		}
	}
}
