package events

import (
	"sync"

	"go-kemono-download/internal/models"
)

// DefaultCapacity is the bus size used when NewBus is given a non-positive cap.
const DefaultCapacity = 1024

// Event is one message for the UI. Concrete types below; consumers type-switch.
type Event interface {
	isEvent()
}

type (
	Log struct {
		Level string // info|warn|error
		Text  string
	}

	PostProgress struct {
		Total     int
		Processed int
	}

	// ChunkStatus is the state of one range of a multi-part download.
	ChunkStatus struct {
		Downloaded int64
		Total      int64
		Active     bool
		SpeedBps   float64
	}

	// FileProgress carries either Chunks (multi-part) or the Downloaded/Total pair.
	FileProgress struct {
		Filename   string
		Downloaded int64
		Total      int64 // -1 when unknown
		SpeedBps   float64
		Chunks     []ChunkStatus
	}

	ExternalLink struct {
		PostTitle string
		LinkText  string
		URL       string
		Platform  string
		Key       string
	}

	MissedCharacter struct {
		PostTitle string
		Reason    string
	}

	FileSucceeded struct {
		Entry models.HistoryEntry
	}

	FileFailedRetryable struct {
		Failure models.Failure
	}

	FileFailedPermanent struct {
		Failure models.Failure
	}

	Finished struct {
		Downloaded        int
		Skipped           int
		Cancelled         bool
		KeptOriginalNames []string
	}
)

func (Log) isEvent()                 {}
func (PostProgress) isEvent()        {}
func (FileProgress) isEvent()        {}
func (ExternalLink) isEvent()        {}
func (MissedCharacter) isEvent()     {}
func (FileSucceeded) isEvent()       {}
func (FileFailedRetryable) isEvent() {}
func (FileFailedPermanent) isEvent() {}
func (Finished) isEvent()            {}

// isProgress reports whether e may be dropped under back-pressure.
func isProgress(e Event) bool {
	switch e.(type) {
	case PostProgress, FileProgress:
		return true
	}
	return false
}

// Sink is what workers publish to.
type Sink interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Logf emits a Log event at level.
func Logf(s Sink, level, text string) {
	s.Emit(Log{Level: level, Text: text})
}

// Bus is a bounded multi-producer, single-consumer queue. When full, progress
// events are dropped oldest-first to make room; other events block the
// producer until the consumer catches up.
type Bus struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    []Event
	capacity int
	closed   bool
	dropped  int
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{capacity: capacity, queue: make([]Event, 0, capacity)}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Emit enqueues e. Events emitted after Close are discarded.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.closed && len(b.queue) >= b.capacity {
		if b.dropOldestProgress() {
			break
		}
		if isProgress(e) {
			// Full of results; the newest progress sample is the cheapest loss.
			b.dropped++
			return
		}
		b.notFull.Wait()
	}
	if b.closed {
		return
	}
	b.queue = append(b.queue, e)
	b.notEmpty.Signal()
}

// dropOldestProgress removes the oldest progress event. Caller holds mu.
func (b *Bus) dropOldestProgress() bool {
	for i, q := range b.queue {
		if isProgress(q) {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.dropped++
			return true
		}
	}
	return false
}

// Next blocks until an event is available. ok is false once the bus is
// closed and drained.
func (b *Bus) Next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) == 0 && !b.closed {
		b.notEmpty.Wait()
	}
	if len(b.queue) == 0 {
		return nil, false
	}
	e := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.notFull.Signal()
	return e, true
}

// Close wakes the consumer; queued events can still be drained with Next.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Dropped returns how many progress events were discarded under back-pressure.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Recorder collects every event in memory. Safe for concurrent use; meant
// for tests and for the retry command, which summarises afterwards.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
