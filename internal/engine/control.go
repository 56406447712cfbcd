package engine

import (
	"fmt"

	"fetcharr/internal/storage"
)

// PauseTask aborts an in-flight or pending task and parks it.
func (e *Engine) PauseTask(id string) error {
	current := e.store.Get(id)
	if current == nil {
		return e.pauseStoreOnly(id)
	}
	if !current.State.CanPause() {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, current.State)
	}

	// Store transaction first so restart recovery sees the intent, then
	// the in-memory flip, then the broadcast.
	if err := e.db.UpdateTaskState(id, storage.StatePaused); err != nil {
		return fmt.Errorf("failed to persist pause: %w", err)
	}
	task := e.store.Pause(id)
	if task == nil {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, current.State)
	}
	e.fabric.PublishTransition(task, current.State)
	return nil
}

// pauseStoreOnly covers rows not in the working set (nothing should be,
// but a row-only task must still respond to control calls).
func (e *Engine) pauseStoreOnly(id string) error {
	row, err := e.db.GetTask(id)
	if err != nil {
		return ErrNotFound
	}
	if !row.State.CanPause() {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, row.State)
	}
	if err := e.db.UpdateTaskState(id, storage.StatePaused); err != nil {
		return err
	}
	old := row.State
	row.State = storage.StatePaused
	e.store.Add(row)
	e.fabric.PublishTransition(row, old)
	return nil
}

// ResumeTask re-queues a paused, waiting, or skipped task.
func (e *Engine) ResumeTask(id string) error {
	current := e.store.Get(id)
	if current == nil {
		if row, err := e.db.GetTask(id); err == nil {
			e.store.Add(row)
			current = row
		} else {
			return ErrNotFound
		}
	}
	if !current.State.CanResume() {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, current.State)
	}

	if err := e.db.UpdateTaskState(id, storage.StateQueued); err != nil {
		return fmt.Errorf("failed to persist resume: %w", err)
	}
	task := e.store.Resume(id)
	if task == nil {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, current.State)
	}
	e.store.NewHandle(id)
	e.fabric.PublishTransition(task, current.State)
	e.store.Notify()
	return nil
}

// RetryTask re-queues a terminal task with a bumped retry counter.
func (e *Engine) RetryTask(id string) error {
	current := e.store.Get(id)
	if current == nil {
		if row, err := e.db.GetTask(id); err == nil {
			e.store.Add(row)
			current = row
		} else {
			return ErrNotFound
		}
	}
	if !current.State.CanRetry() {
		return fmt.Errorf("%w: cannot retry from %s", ErrInvalidTransition, current.State)
	}

	task := e.store.Retry(id)
	if task == nil {
		return fmt.Errorf("%w: cannot retry from %s", ErrInvalidTransition, current.State)
	}
	e.persist(task)
	e.fabric.PublishTransition(task, current.State)
	e.store.Notify()
	return nil
}

// CancelTask moves a non-terminal task to Cancelled, aborting any
// in-flight transfer. The partial file is kept.
func (e *Engine) CancelTask(id string) error {
	current := e.store.Get(id)
	if current == nil {
		if row, err := e.db.GetTask(id); err == nil {
			current = row
		} else {
			return ErrNotFound
		}
	}
	if current.State.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, current.State)
	}
	old := current.State

	if err := e.db.UpdateTaskState(id, storage.StateCancelled); err != nil {
		return fmt.Errorf("failed to persist cancel: %w", err)
	}
	e.store.CancelHandle(id)
	task := e.store.Update(id, func(t *storage.Task) {
		t.State = storage.StateCancelled
		t.Speed = 0
		t.ETA = 0
	})
	e.store.Release(id)
	if task == nil {
		task = current
		task.State = storage.StateCancelled
	}
	e.fabric.PublishTransition(task, old)
	return nil
}

// DeleteTask removes a task and optionally its on-disk file.
func (e *Engine) DeleteTask(id string, removeFile bool) error {
	current := e.store.Get(id)
	if current == nil {
		row, err := e.db.GetTask(id)
		if err != nil {
			return ErrNotFound
		}
		current = row
	}
	if !current.State.CanDelete() {
		return fmt.Errorf("%w: cannot delete from %s", ErrInvalidTransition, current.State)
	}

	if err := e.db.DeleteTask(id); err != nil {
		return fmt.Errorf("failed to delete task row: %w", err)
	}
	e.store.Remove(id, removeFile)
	e.fabric.PublishRemoved(id)
	e.logger.Info("task deleted", "task", id, "removed_file", removeFile)
	return nil
}

// DeleteBatch removes every task of a batch, aborting in-flight transfers
// first. One store transaction deletes the rows, then the in-memory
// entries (and optionally the files) go, then each removal is broadcast.
func (e *Engine) DeleteBatch(batchID string, removeFile bool) (int, error) {
	rows, err := e.db.GetTasksByBatch(batchID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	for i := range rows {
		e.store.CancelHandle(rows[i].ID)
	}
	if _, err := e.db.DeleteTasksByBatch(batchID); err != nil {
		return 0, fmt.Errorf("failed to delete batch rows: %w", err)
	}
	for i := range rows {
		id := rows[i].ID
		e.store.Remove(id, removeFile)
		e.store.Release(id)
		e.fabric.PublishRemoved(id)
	}
	e.logger.Info("batch deleted", "batch", batchID, "tasks", len(rows), "removed_files", removeFile)
	return len(rows), nil
}

// PauseBatch pauses every pausable task of a batch in one store
// transaction, then reflects and broadcasts.
func (e *Engine) PauseBatch(batchID string) (int, error) {
	return e.batchTransition(batchID, storage.StatePaused, func(s storage.TaskState) bool { return s.CanPause() }, func(id string) *storage.Task {
		return e.store.Pause(id)
	})
}

// ResumeBatch re-queues every resumable task of a batch.
func (e *Engine) ResumeBatch(batchID string) (int, error) {
	n, err := e.batchTransition(batchID, storage.StateQueued, func(s storage.TaskState) bool { return s.CanResume() }, func(id string) *storage.Task {
		return e.store.Resume(id)
	})
	if n > 0 {
		e.store.Notify()
	}
	return n, err
}

func (e *Engine) batchTransition(batchID string, target storage.TaskState, eligible func(storage.TaskState) bool, apply func(string) *storage.Task) (int, error) {
	rows, err := e.db.GetTasksByBatch(batchID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(rows))
	oldStates := make(map[string]storage.TaskState, len(rows))
	for i := range rows {
		if eligible(rows[i].State) {
			ids = append(ids, rows[i].ID)
			oldStates[rows[i].ID] = rows[i].State
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := e.db.UpdateTaskStates(ids, target); err != nil {
		return 0, fmt.Errorf("batch transition failed: %w", err)
	}
	for _, id := range ids {
		task := apply(id)
		if task == nil {
			// Row-only task: reflect it into the working set.
			if row, rowErr := e.db.GetTask(id); rowErr == nil {
				e.store.Add(row)
				task = row
			}
		}
		if task != nil {
			e.fabric.PublishTransition(task, oldStates[id])
		}
	}
	return len(ids), nil
}

// PauseAll pauses every pausable task in the working set.
func (e *Engine) PauseAll() int {
	return e.allTransition(func(s storage.TaskState) bool { return s.CanPause() }, storage.StatePaused, func(id string) *storage.Task {
		return e.store.Pause(id)
	})
}

// ResumeAll re-queues every paused task.
func (e *Engine) ResumeAll() int {
	n := e.allTransition(func(s storage.TaskState) bool { return s.CanResume() }, storage.StateQueued, func(id string) *storage.Task {
		return e.store.Resume(id)
	})
	if n > 0 {
		e.store.Notify()
	}
	return n
}

func (e *Engine) allTransition(eligible func(storage.TaskState) bool, target storage.TaskState, apply func(string) *storage.Task) int {
	ids := make([]string, 0)
	oldStates := make(map[string]storage.TaskState)
	for _, task := range e.store.All() {
		if eligible(task.State) {
			ids = append(ids, task.ID)
			oldStates[task.ID] = task.State
		}
	}
	if len(ids) == 0 {
		return 0
	}
	if _, err := e.db.UpdateTaskStates(ids, target); err != nil {
		e.logger.Error("bulk transition failed", "target", target, "error", err)
		return 0
	}
	n := 0
	for _, id := range ids {
		if task := apply(id); task != nil {
			n++
			e.fabric.PublishTransition(task, oldStates[id])
		}
	}
	return n
}
