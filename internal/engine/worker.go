package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"fetcharr/internal/classify"
	"fetcharr/internal/events"
	"fetcharr/internal/storage"
	"fetcharr/internal/transfer"
)

// diskHeadroom is kept free on top of the bytes a transfer still needs.
const diskHeadroom int64 = 512 << 20

func (e *Engine) workerLoop(index int) {
	for {
		if !e.running.Load() || e.ctx.Err() != nil {
			return
		}
		// Excess workers idle after a pool shrink.
		if index >= int(e.maxConcurrent.Load()) {
			time.Sleep(excessSleep)
			continue
		}
		task := e.store.PopNextQueued()
		if task == nil {
			e.store.WaitForWork(e.ctx, idleWait)
			continue
		}
		e.processTask(task)
	}
}

// processTask drives one claimed task from Starting to a terminal or
// parked state.
func (e *Engine) processTask(claimed *storage.Task) {
	defer e.store.Release(claimed.ID)

	now := time.Now()
	var parked bool
	task := e.store.Update(claimed.ID, func(t *storage.Task) {
		if t.State != storage.StateStarting {
			parked = true
			return
		}
		t.StartedAt = &now
	})
	if task == nil || parked {
		// Deleted, paused, or cancelled between claim and start.
		return
	}
	e.persist(task)
	e.fabric.PublishTransition(task, storage.StateQueued)

	if err := e.preflightDisk(task); err != nil {
		e.handleFailure(task, err, false)
		return
	}

	resolved, err := e.resolve(task)
	if err != nil {
		e.handleFailure(task, err, false)
		return
	}

	// A pause or cancel issued during resolution wins: the task left the
	// processing set, so the pipeline must not advance it to Downloading.
	task = e.store.Update(task.ID, func(t *storage.Task) {
		if t.State != storage.StateStarting {
			parked = true
			return
		}
		t.ResolvedURL = resolved.DirectURL
		resolvedAt := time.Now()
		t.ResolvedAt = &resolvedAt
		if !resolved.ExpiresAt.IsZero() {
			expires := resolved.ExpiresAt
			t.URLExpiresAt = &expires
		}
		t.NeedsURLRefresh = false
		t.State = storage.StateDownloading
	})
	if task == nil || parked {
		return
	}
	e.persist(task)
	e.fabric.PublishTransition(task, storage.StateStarting)

	handle := e.store.NewHandle(task.ID)
	lastPersist := time.Now()
	onProgress := func(p transfer.Progress) {
		updated := e.store.Update(task.ID, func(t *storage.Task) {
			t.Downloaded = p.Downloaded
			if p.Size > 0 {
				t.Size = p.Size
			}
			t.Progress = p.Percent
			t.Speed = p.Speed
			t.ETA = p.ETA
		})
		if updated == nil {
			return
		}
		e.fabric.Progress.Publish(events.ProgressUpdate{
			TaskID:     updated.ID,
			Downloaded: p.Downloaded,
			Size:       updated.Size,
			Progress:   p.Percent,
			Speed:      p.Speed,
			ETA:        p.ETA,
		})
		if time.Since(lastPersist) >= 3*time.Second {
			lastPersist = time.Now()
			_ = e.db.UpdateTaskProgress(updated.ID, updated.Downloaded, updated.Size, updated.Progress, updated.Speed, updated.ETA)
		}
	}

	downloaded, err := transfer.Download(handle.Context(), e.transferClient, resolved.DirectURL, task.Destination, resolved.Headers, onProgress)
	if err == nil {
		e.finishTask(task.ID, downloaded)
		return
	}

	if errors.Is(err, transfer.ErrCancelled) {
		e.handleCancelled(task.ID, downloaded)
		return
	}
	if current := e.store.Get(task.ID); current != nil {
		e.handleFailure(current, err, true)
	}
}

// resolve produces a direct URL for the task, honoring a pending refresh
// flag and an unexpired previous resolution.
func (e *Engine) resolve(task *storage.Task) (*hostResolved, error) {
	ctx, cancel := context.WithTimeout(e.ctx, 60*time.Second)
	defer cancel()

	if task.NeedsURLRefresh {
		r, err := e.host.RefreshDownloadURL(ctx, task.OriginalURL)
		if err != nil {
			return nil, err
		}
		return &hostResolved{DirectURL: r.DirectURL, Headers: r.Headers, ExpiresAt: r.ExpiresAt}, nil
	}

	// An unexpired direct URL from a previous attempt is revalidated, not
	// re-resolved.
	if task.ResolvedURL != "" && task.URLExpiresAt != nil && task.URLExpiresAt.After(time.Now()) {
		if e.host.ValidateDownloadURL(ctx, task.ResolvedURL) {
			return &hostResolved{DirectURL: task.ResolvedURL, ExpiresAt: *task.URLExpiresAt}, nil
		}
	}

	r, err := e.host.ResolveDownloadURL(ctx, task.OriginalURL)
	if err != nil {
		return nil, err
	}
	return &hostResolved{DirectURL: r.DirectURL, Headers: r.Headers, ExpiresAt: r.ExpiresAt}, nil
}

type hostResolved struct {
	DirectURL string
	Headers   map[string]string
	ExpiresAt time.Time
}

// preflightDisk refuses to start a transfer the disk cannot hold.
func (e *Engine) preflightDisk(task *storage.Task) error {
	if task.Size <= 0 {
		return nil
	}
	usage, err := disk.Usage(e.cfg.Downloads.Directory)
	if err != nil {
		// Preflight is advisory; the transfer will surface a real ENOSPC.
		e.logger.Debug("disk usage probe failed", "error", err)
		return nil
	}
	needed := task.Remaining() + diskHeadroom
	if int64(usage.Free) < needed {
		return fmt.Errorf("insufficient disk space: need %d bytes, %d free: no space left on device", needed, usage.Free)
	}
	return nil
}

func (e *Engine) finishTask(id string, downloaded int64) {
	now := time.Now()
	var parked bool
	task := e.store.Update(id, func(t *storage.Task) {
		if t.State != storage.StateDownloading && t.State != storage.StateStarting {
			parked = true
			return
		}
		t.State = storage.StateCompleted
		t.Downloaded = downloaded
		if t.Size <= 0 {
			t.Size = downloaded
		}
		t.Progress = 100
		t.Speed = 0
		t.ETA = 0
		t.CompletedAt = &now
		t.ErrorMessage = ""
	})
	if task == nil || parked {
		return
	}
	e.persist(task)
	e.fabric.PublishTransition(task, storage.StateDownloading)
	e.logger.Info("download completed", "task", task.ID, "file", task.Filename, "bytes", downloaded)

	if e.arrMgr != nil && task.HasMediaRef() {
		go e.importCompleted(task)
	}
}

// importCompleted moves the finished file into the managed library and
// records the new location.
func (e *Engine) importCompleted(task *storage.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	target, err := e.arrMgr.ImportCompleted(ctx, task)
	if err != nil {
		e.logger.Warn("library import failed, file left in downloads", "task", task.ID, "error", err)
		return
	}
	moved := e.store.Update(task.ID, func(t *storage.Task) {
		t.Destination = target
	})
	if moved == nil {
		// Completed tasks may already be evicted from the working set.
		if row, err := e.db.GetTask(task.ID); err == nil {
			row.Destination = target
			moved = row
		}
	}
	if moved != nil {
		e.persist(moved)
		e.fabric.PublishTask(events.TaskUpdated, moved)
	}
}

// handleCancelled distinguishes a user pause from cancellation and
// shutdown. The partial file is kept in every case.
func (e *Engine) handleCancelled(id string, downloaded int64) {
	task := e.store.Get(id)
	if task == nil {
		// Deleted while transferring.
		return
	}
	switch task.State {
	case storage.StatePaused, storage.StateCancelled:
		task = e.store.Update(id, func(t *storage.Task) {
			t.Downloaded = downloaded
			t.Speed = 0
			t.ETA = 0
		})
		if task != nil {
			e.persist(task)
			e.fabric.PublishTask(events.TaskUpdated, task)
		}
	default:
		// Engine shutdown mid-transfer: leave the row Downloading so
		// startup recovery requeues it.
		_ = e.db.UpdateTaskProgress(id, downloaded, task.Size, task.Progress, 0, 0)
	}
}

// handleFailure classifies err and either parks the task for a retry or
// fails it for good.
func (e *Engine) handleFailure(task *storage.Task, err error, direct bool) {
	cls := classify.Classify(err, direct)

	maxRetries := e.cfg.Retry.MaxRetries
	if cls.MaxRetries > 0 {
		maxRetries = cls.MaxRetries
	}

	// The worker only owns Starting and Downloading; a task the user parked
	// or cancelled meanwhile is left alone.
	var parked bool
	oldState := task.State

	if cls.Retry() && task.RetryCount < maxRetries {
		retryCount := task.RetryCount + 1
		delay := retryDelay(e.cfg.RetryBaseDelay(), e.cfg.RetryMaxDelay(), retryCount)
		if clsDelay := time.Duration(cls.DelaySeconds) * time.Second; clsDelay > delay {
			delay = clsDelay
		}
		waitUntil := time.Now().Add(delay)

		updated := e.store.Update(task.ID, func(t *storage.Task) {
			if t.State != storage.StateStarting && t.State != storage.StateDownloading {
				parked = true
				return
			}
			t.State = storage.StateWaiting
			t.RetryCount = retryCount
			t.WaitUntil = &waitUntil
			t.ErrorMessage = cls.Reason
			t.Speed = 0
			t.ETA = 0
			if cls.Kind == classify.URLRefreshNeeded {
				t.NeedsURLRefresh = true
			}
		})
		if updated == nil || parked {
			return
		}
		e.persist(updated)
		e.fabric.PublishTransition(updated, oldState)
		e.logger.Warn("download attempt failed, will retry",
			"task", task.ID, "attempt", retryCount, "max", maxRetries, "delay", delay.Round(time.Second), "reason", cls.Reason)
		return
	}

	msg := cls.Reason
	if cls.ActionRequired != "" {
		msg = fmt.Sprintf("%s (action required: %s)", msg, cls.ActionRequired)
	}
	if cls.FixSuggestion != "" {
		msg = fmt.Sprintf("%s (try: %s)", msg, cls.FixSuggestion)
	}
	updated := e.store.Update(task.ID, func(t *storage.Task) {
		if t.State != storage.StateStarting && t.State != storage.StateDownloading {
			parked = true
			return
		}
		t.State = storage.StateFailed
		t.ErrorMessage = msg
		t.Speed = 0
		t.ETA = 0
	})
	if updated == nil || parked {
		return
	}
	e.persist(updated)
	e.fabric.PublishTransition(updated, oldState)
	e.logger.Error("download failed", "task", task.ID, "kind", string(cls.Kind), "error", msg)
}

// retryDelay is exponential with a cap: base * 2^(n-1).
func retryDelay(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// persist writes the full task row, logging rather than propagating
// failures so a transient store error never corrupts worker flow.
func (e *Engine) persist(task *storage.Task) {
	if err := e.db.UpsertTask(task); err != nil {
		e.logger.Error("failed to persist task", "task", task.ID, "error", err)
	}
}
