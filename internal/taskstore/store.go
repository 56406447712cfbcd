// Package taskstore is the in-memory working set: every live task, the
// processing set claimed by workers, and the per-task cancellation handles.
// The durable rows live in storage; this layer is what workers race over.
package taskstore

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"fetcharr/internal/storage"
)

// Handle is the cancellation handle for one in-flight transfer.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the context the transfer runs under.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel aborts the in-flight transfer.
func (h *Handle) Cancel() { h.cancel() }

// Stats is a point-in-time snapshot of the working set.
type Stats struct {
	ActiveDownloads int     `json:"active_downloads"`
	Queued          int     `json:"queued"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Paused          int     `json:"paused"`
	Cancelled       int     `json:"cancelled"`
	TotalSpeed      float64 `json:"total_speed"`
}

// Store holds live tasks. All methods are safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*storage.Task
	processing map[string]struct{}
	handles    map[string]*Handle

	// notify wakes one worker after additions, resumes, and promotions.
	notify chan struct{}

	logger *slog.Logger
}

// New builds an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		tasks:      make(map[string]*storage.Task),
		processing: make(map[string]struct{}),
		handles:    make(map[string]*Handle),
		notify:     make(chan struct{}, 1),
		logger:     logger,
	}
}

// Notify signals that work may be available. Non-blocking; a pending
// signal is enough.
func (s *Store) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// WaitForWork blocks until notified or the timeout elapses. The timeout
// bounds the cost of a lost wakeup.
func (s *Store) WaitForWork(ctx context.Context, timeout time.Duration) {
	select {
	case <-s.notify:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
}

// Add inserts a task into the working set.
func (s *Store) Add(task *storage.Task) {
	s.mu.Lock()
	clone := *task
	s.tasks[task.ID] = &clone
	s.mu.Unlock()
}

// Get returns a copy of the task, or nil.
func (s *Store) Get(id string) *storage.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	clone := *task
	return &clone
}

// All returns copies of every task in the working set.
func (s *Store) All() []*storage.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		clone := *task
		out = append(out, &clone)
	}
	return out
}

// Update applies fn to the stored task under the write lock and returns a
// copy of the result. Returns nil if the task is gone.
func (s *Store) Update(id string, fn func(*storage.Task)) *storage.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil
	}
	fn(task)
	clone := *task
	return &clone
}

// PopNextQueued claims the next runnable task: highest priority first, then
// smallest remaining bytes, then highest progress, then oldest. Returns a
// copy with state already set to Starting, or nil when nothing is runnable.
func (s *Store) PopNextQueued() *storage.Task {
	now := time.Now()

	s.mu.RLock()
	candidates := make([]*storage.Task, 0)
	for id, task := range s.tasks {
		if _, busy := s.processing[id]; busy {
			continue
		}
		switch task.State {
		case storage.StateQueued:
			candidates = append(candidates, task)
		case storage.StateWaiting:
			// Nil wait_until means ready now.
			if task.WaitUntil == nil || !task.WaitUntil.After(now) {
				candidates = append(candidates, task)
			}
		}
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		ra, rb := a.Remaining(), b.Remaining()
		if ra != rb {
			return ra < rb
		}
		if a.Progress != b.Progress {
			return a.Progress > b.Progress
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, candidate := range candidates {
		task, ok := s.tasks[candidate.ID]
		if !ok {
			continue
		}
		if _, busy := s.processing[task.ID]; busy {
			continue
		}
		runnable := task.State == storage.StateQueued ||
			(task.State == storage.StateWaiting && (task.WaitUntil == nil || !task.WaitUntil.After(now)))
		if !runnable {
			continue
		}
		task.State = storage.StateStarting
		task.WaitUntil = nil
		s.processing[task.ID] = struct{}{}
		clone := *task
		return &clone
	}
	return nil
}

// Release drops a task from the processing set once its worker is done
// with it.
func (s *Store) Release(id string) {
	s.mu.Lock()
	delete(s.processing, id)
	s.mu.Unlock()
}

// NewHandle mints a fresh cancellation handle for a task, replacing any
// previous one.
func (s *Store) NewHandle(id string) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{ctx: ctx, cancel: cancel}
	s.mu.Lock()
	if old, ok := s.handles[id]; ok {
		old.cancel()
	}
	s.handles[id] = h
	s.mu.Unlock()
	return h
}

// CancelHandle aborts the task's in-flight transfer, if any.
func (s *Store) CancelHandle(id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// Pause aborts the in-flight transfer and parks the task. Returns the
// updated copy, or nil when the task is missing or not pausable.
func (s *Store) Pause(id string) *storage.Task {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || !task.State.CanPause() {
		s.mu.Unlock()
		return nil
	}
	h := s.handles[id]
	delete(s.handles, id)
	task.State = storage.StatePaused
	task.Speed = 0
	task.ETA = 0
	delete(s.processing, id)
	clone := *task
	s.mu.Unlock()

	if h != nil {
		h.cancel()
	}
	return &clone
}

// Resume re-queues a paused (or waiting, or skipped) task. The on-disk
// partial file is kept; the transfer resumes via ranged requests.
func (s *Store) Resume(id string) *storage.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || !task.State.CanResume() {
		return nil
	}
	task.State = storage.StateQueued
	task.WaitUntil = nil
	clone := *task
	return &clone
}

// Retry re-queues a terminal task, bumping its retry counter and clearing
// the error.
func (s *Store) Retry(id string) *storage.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || !task.State.CanRetry() {
		return nil
	}
	task.RetryCount++
	task.ErrorMessage = ""
	task.WaitUntil = nil
	task.State = storage.StateQueued
	clone := *task
	return &clone
}

// Remove deletes the task from the working set and, when removeFile is
// set, unlinks the destination file. Unlink errors are logged, not fatal.
func (s *Store) Remove(id string, removeFile bool) *storage.Task {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	h := s.handles[id]
	delete(s.handles, id)
	delete(s.tasks, id)
	delete(s.processing, id)
	clone := *task
	s.mu.Unlock()

	if h != nil {
		h.cancel()
	}
	if removeFile && clone.Destination != "" {
		if err := os.Remove(clone.Destination); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove file", "task", id, "path", clone.Destination, "error", err)
		}
	}
	return &clone
}

// Stats walks the working set once.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, task := range s.tasks {
		switch task.State {
		case storage.StateDownloading, storage.StateStarting, storage.StateExtracting:
			st.ActiveDownloads++
			st.TotalSpeed += task.Speed
		case storage.StateQueued, storage.StateWaiting:
			st.Queued++
		case storage.StateCompleted:
			st.Completed++
		case storage.StateFailed:
			st.Failed++
		case storage.StatePaused:
			st.Paused++
		case storage.StateCancelled:
			st.Cancelled++
		}
	}
	if math.IsNaN(st.TotalSpeed) || math.IsInf(st.TotalSpeed, 0) {
		st.TotalSpeed = 0
	}
	return st
}

// ActiveTasks returns copies of every non-terminal task, for the initial
// sync frame of a push connection.
func (s *Store) ActiveTasks() []*storage.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Task, 0)
	for _, task := range s.tasks {
		if !task.State.IsTerminal() {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out
}
