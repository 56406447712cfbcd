package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertTask writes the full task row.
func (s *DB) UpsertTask(task *Task) error {
	return s.gorm.Save(task).Error
}

// GetTask retrieves a task by ID.
func (s *DB) GetTask(id string) (*Task, error) {
	var task Task
	err := s.gorm.First(&task, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask hard-deletes a task row.
func (s *DB) DeleteTask(id string) error {
	return s.gorm.Delete(&Task{}, "id = ?", id).Error
}

// DeleteTasksByBatch hard-deletes every row of a batch in one transaction
// and returns the affected count.
func (s *DB) DeleteTasksByBatch(batchID string) (int64, error) {
	var affected int64
	err := s.gorm.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Task{}, "batch_id = ?", batchID)
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// UpdateTaskState narrowly updates the state column.
func (s *DB) UpdateTaskState(id string, state TaskState) error {
	return s.gorm.Model(&Task{}).Where("id = ?", id).Update("state", state).Error
}

// UpdateTaskProgress narrowly updates the transfer counters.
func (s *DB) UpdateTaskProgress(id string, downloaded, size int64, progress, speed float64, eta int64) error {
	return s.gorm.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"downloaded": downloaded,
		"size":       size,
		"progress":   progress,
		"speed":      speed,
		"eta":        eta,
	}).Error
}

// UpdateTaskStates atomically transitions a set of tasks to one state in a
// single transaction and returns the affected row count.
func (s *DB) UpdateTaskStates(ids []string, state TaskState) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var affected int64
	err := s.gorm.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Task{}).Where("id IN ?", ids).Update("state", state)
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// GetTasksByStates returns all tasks whose state is in the given set,
// oldest first.
func (s *DB) GetTasksByStates(states ...TaskState) ([]Task, error) {
	var tasks []Task
	err := s.gorm.Where("state IN ?", states).Order("created_at asc").Find(&tasks).Error
	return tasks, err
}

// GetTasksByBatch returns all tasks of a batch, oldest first.
func (s *DB) GetTasksByBatch(batchID string) ([]Task, error) {
	var tasks []Task
	err := s.gorm.Where("batch_id = ?", batchID).Order("created_at asc").Find(&tasks).Error
	return tasks, err
}

// GetTasksByExternalID returns all tasks referencing one catalog entry.
func (s *DB) GetTasksByExternalID(externalID int64) ([]Task, error) {
	var tasks []Task
	err := s.gorm.Where("external_id = ?", externalID).Find(&tasks).Error
	return tasks, err
}

// GetTasksByHostFileCode returns every task for a (host, code) pair.
func (s *DB) GetTasksByHostFileCode(host, code string) ([]Task, error) {
	var tasks []Task
	err := s.gorm.Where("host = ? AND host_file_code = ?", host, code).Find(&tasks).Error
	return tasks, err
}

// StampArrIDs writes the arr linkage onto every task sharing an external ID.
func (s *DB) StampArrIDs(externalID int64, arrSeriesID, arrMovieID int64) error {
	updates := map[string]interface{}{}
	if arrSeriesID != 0 {
		updates["arr_series_id"] = arrSeriesID
	}
	if arrMovieID != 0 {
		updates["arr_movie_id"] = arrMovieID
	}
	if len(updates) == 0 {
		return nil
	}
	return s.gorm.Model(&Task{}).Where("external_id = ?", externalID).Updates(updates).Error
}

// StatusCounts returns the per-state histogram across all tasks.
func (s *DB) StatusCounts() (map[TaskState]int64, error) {
	type row struct {
		State TaskState
		N     int64
	}
	var rows []row
	err := s.gorm.Model(&Task{}).Select("state, COUNT(*) as n").Group("state").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[TaskState]int64, len(AllStates))
	for _, st := range AllStates {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}

// TaskPage is the result of a paginated listing.
type TaskPage struct {
	Tasks []Task `json:"tasks"`
	// Total is the pre-expansion cardinality of the filtered universe.
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

// ListTasks returns one page of tasks ordered by created_at descending,
// optionally filtered by state. Batches are never split across pages: after
// the SQL window is computed, the remaining rows of every batch observed in
// the window are appended. Total reflects the pre-expansion count.
func (s *DB) ListTasks(page, limit int, stateFilter TaskState) (*TaskPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	q := s.gorm.Model(&Task{})
	if stateFilter != "" {
		q = q.Where("state = ?", stateFilter)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}

	var window []Task
	err := q.Order("created_at desc").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&window).Error
	if err != nil {
		return nil, err
	}

	// Expand batches: every batch_id seen in the window is returned whole.
	seen := make(map[string]struct{}, len(window))
	batches := make([]string, 0)
	for _, t := range window {
		seen[t.ID] = struct{}{}
		if t.BatchID != "" {
			batches = append(batches, t.BatchID)
		}
	}

	result := window
	if len(batches) > 0 {
		rest := s.gorm.Model(&Task{}).Where("batch_id IN ?", batches)
		if stateFilter != "" {
			rest = rest.Where("state = ?", stateFilter)
		}
		var siblings []Task
		if err := rest.Order("created_at desc").Find(&siblings).Error; err != nil {
			return nil, err
		}
		for _, t := range siblings {
			if _, ok := seen[t.ID]; ok {
				continue
			}
			seen[t.ID] = struct{}{}
			result = append(result, t)
		}
	}

	return &TaskPage{Tasks: result, Total: total, Page: page, Limit: limit}, nil
}

// GetBatchSummary aggregates one batch: per-state counts, byte sums, and the
// derived aggregate state.
func (s *DB) GetBatchSummary(batchID string) (*BatchSummary, error) {
	type row struct {
		State      TaskState
		N          int64
		Size       int64
		Downloaded int64
		BatchName  string
	}
	var rows []row
	err := s.gorm.Model(&Task{}).
		Select("state, COUNT(*) as n, IFNULL(SUM(size), 0) as size, IFNULL(SUM(downloaded), 0) as downloaded, MAX(batch_name) as batch_name").
		Where("batch_id = ?", batchID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	summary := &BatchSummary{
		BatchID:     batchID,
		StateCounts: make(map[TaskState]int64),
	}
	for _, r := range rows {
		summary.StateCounts[r.State] = r.N
		summary.TotalTasks += r.N
		summary.TotalSize += r.Size
		summary.Downloaded += r.Downloaded
		if r.BatchName != "" {
			summary.BatchName = r.BatchName
		}
	}
	summary.AggregateState = aggregateState(summary.StateCounts, summary.TotalTasks)
	return summary, nil
}

// aggregateState derives a single display state for a batch: any active work
// wins, then pending work, then paused, then failure, then completed.
func aggregateState(counts map[TaskState]int64, total int64) TaskState {
	if counts[StateDownloading] > 0 || counts[StateStarting] > 0 || counts[StateExtracting] > 0 {
		return StateDownloading
	}
	if counts[StateQueued] > 0 || counts[StateWaiting] > 0 {
		return StateQueued
	}
	if counts[StatePaused] > 0 {
		return StatePaused
	}
	if counts[StateFailed] > 0 {
		return StateFailed
	}
	if counts[StateCompleted] == total && total > 0 {
		return StateCompleted
	}
	return StateCancelled
}

// OrphanedActive returns tasks left in transient states by a previous
// process (used by startup recovery).
func (s *DB) OrphanedActive() ([]Task, error) {
	return s.GetTasksByStates(StateDownloading, StateStarting)
}

// SetWaitUntil narrowly updates the retry metadata on a task.
func (s *DB) SetWaitUntil(id string, waitUntil *time.Time, retryCount int, errMsg string) error {
	return s.gorm.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"wait_until":    waitUntil,
		"retry_count":   retryCount,
		"error_message": errMsg,
	}).Error
}
