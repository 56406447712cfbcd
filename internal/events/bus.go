// Package events carries task lifecycle notifications from the orchestrator
// to the push endpoint. Delivery is best-effort: a subscriber that cannot
// keep up loses events rather than stalling a worker.
package events

import (
	"sync"
	"time"

	"fetcharr/internal/storage"
)

// Type discriminates lifecycle events.
type Type string

const (
	TaskAdded        Type = "TASK_ADDED"
	TaskStateChanged Type = "TASK_STATE_CHANGED"
	TaskFailed       Type = "TASK_FAILED"
	TaskCompleted    Type = "TASK_COMPLETED"
	TaskUpdated      Type = "TASK_UPDATED"
	TaskRemoved      Type = "TASK_REMOVED"
)

// Event is one lifecycle notification. Task is a snapshot, safe to read
// without locks.
type Event struct {
	Type       Type
	TaskID     string
	Task       *storage.Task
	OldState   storage.TaskState
	NewState   storage.TaskState
	Error      string
	RetryCount int
	Timestamp  time.Time
}

// ProgressUpdate is the high-frequency counterpart to Event, published on
// its own bus so progress spam cannot crowd out lifecycle events.
type ProgressUpdate struct {
	TaskID     string
	Downloaded int64
	Size       int64
	Progress   float64
	Speed      float64
	ETA        int64
}

// Bus is a bounded, lossy fanout. Zero value is not usable; call NewBus.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	nextID int
	buffer int
	closed bool
}

// NewBus builds a bus whose subscriber channels hold up to buffer events.
func NewBus[T any](buffer int) *Bus[T] {
	return &Bus[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe and on Close.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// Publish fans the event out to every subscriber without blocking. Full
// subscribers drop the event.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the bus; all subscriber channels are closed.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Fabric bundles the two buses the system runs on.
type Fabric struct {
	Lifecycle *Bus[Event]
	Progress  *Bus[ProgressUpdate]
}

// NewFabric builds the standard pair: a roomy lifecycle bus and a tighter
// progress bus.
func NewFabric() *Fabric {
	return &Fabric{
		Lifecycle: NewBus[Event](256),
		Progress:  NewBus[ProgressUpdate](64),
	}
}

// Close shuts both buses.
func (f *Fabric) Close() {
	f.Lifecycle.Close()
	f.Progress.Close()
}

// PublishTask is a convenience for the common lifecycle publication.
func (f *Fabric) PublishTask(t Type, task *storage.Task) {
	ev := Event{Type: t, Timestamp: time.Now()}
	if task != nil {
		clone := *task
		ev.Task = &clone
		ev.TaskID = task.ID
		ev.NewState = task.State
		ev.Error = task.ErrorMessage
		ev.RetryCount = task.RetryCount
	}
	f.Lifecycle.Publish(ev)
}

// PublishTransition announces a state change with the previous state
// attached, discriminating failure and completion so subscribers need
// not diff states themselves.
func (f *Fabric) PublishTransition(task *storage.Task, old storage.TaskState) {
	t := TaskStateChanged
	switch task.State {
	case storage.StateFailed:
		t = TaskFailed
	case storage.StateCompleted:
		t = TaskCompleted
	}
	clone := *task
	f.Lifecycle.Publish(Event{
		Type:       t,
		TaskID:     task.ID,
		Task:       &clone,
		OldState:   old,
		NewState:   task.State,
		Error:      task.ErrorMessage,
		RetryCount: task.RetryCount,
		Timestamp:  time.Now(),
	})
}

// PublishRemoved announces a deletion by ID.
func (f *Fabric) PublishRemoved(taskID string) {
	f.Lifecycle.Publish(Event{Type: TaskRemoved, TaskID: taskID, Timestamp: time.Now()})
}
