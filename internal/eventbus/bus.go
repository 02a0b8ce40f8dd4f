package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the scheduling runtime.
//
// job.* events carry a JobEvent payload.
const (
	TypeJobAdded     = "job.added"
	TypeJobRemoved   = "job.removed"
	TypeJobPaused    = "job.paused"
	TypeJobResumed   = "job.resumed"
	TypeJobFired     = "job.fired"
	TypeJobMissed    = "job.missed"
	TypeJobErrored   = "job.errored"
	TypeJobExhausted = "job.exhausted"
)

// JobEvent is the payload for job.* events.
//
// ScheduledAt is the instant the job was armed for (zero for add/remove).
// Err carries a one-line summary for job.errored and is empty otherwise.
type JobEvent struct {
	WorkspaceID string    `json:"workspace_id"`
	JobID       string    `json:"job_id"`
	ScheduledAt time.Time `json:"scheduled_at,omitzero"`
	Err         string    `json:"err,omitempty"`
}

// Event is a lightweight, in-memory signal used to decouple the scheduler
// from the report sink and the logs.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Dropped reports how many events were discarded because a subscriber
	// buffer was full. Operational signal only.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// PublishJob is a convenience for the common case.
func PublishJob(b Bus, typ, workspaceID, jobID string, scheduledAt time.Time, err error) {
	ev := JobEvent{WorkspaceID: workspaceID, JobID: jobID, ScheduledAt: scheduledAt}
	if err != nil {
		ev.Err = err.Error()
	}
	b.Publish(Event{Type: typ, Data: ev})
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
