package arr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"fetcharr/internal/storage"
)

// Outcome is the result category of one EnsureArtifact call.
type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeAlreadyMonitored Outcome = "already_monitored"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeFailed           Outcome = "failed"
)

// Result is the full outcome of one EnsureArtifact call.
type Result struct {
	Outcome Outcome
	ArrID   int64
	Reason  string
	Err     error
}

// MediaStore is the slice of the durable store the manager needs.
type MediaStore interface {
	GetMediaItem(externalID int64) (*storage.MediaItem, error)
	UpsertMediaItem(item *storage.MediaItem) error
	SetMediaArr(externalID int64, arrID int64, arrType, arrPath string) error
	StampArrIDs(externalID int64, arrSeriesID, arrMovieID int64) error
}

// Manager idempotently mirrors tasks into the arr pair. Nil clients mean
// the corresponding manager is not configured.
type Manager struct {
	series *Client
	movies *Client
	store  MediaStore
	logger *slog.Logger

	// fallbackRoot is used when the arr instance reports no root folders.
	fallbackRoot string

	mu         sync.Mutex
	dispatched map[string]struct{}
}

// NewManager builds the artifact manager. series and movies may each be nil.
func NewManager(series, movies *Client, store MediaStore, fallbackRoot string, logger *slog.Logger) *Manager {
	return &Manager{
		series:       series,
		movies:       movies,
		store:        store,
		fallbackRoot: fallbackRoot,
		logger:       logger,
		dispatched:   make(map[string]struct{}),
	}
}

// ShouldDispatch reports whether artifact work should run for this task.
// Only the first task of a batch triggers it; standalone tasks always do.
func (m *Manager) ShouldDispatch(task *storage.Task) bool {
	if !task.HasMediaRef() {
		return false
	}
	if task.BatchID == "" {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.dispatched[task.BatchID]; done {
		return false
	}
	m.dispatched[task.BatchID] = struct{}{}
	return true
}

// clientFor picks the arr instance for a task's detected kind.
func (m *Manager) clientFor(task *storage.Task) *Client {
	if isSeries(task) {
		return m.series
	}
	return m.movies
}

// isSeries detects the media kind from task metadata: explicit kind first,
// then season or batch shape.
func isSeries(task *storage.Task) bool {
	switch task.MediaKind {
	case storage.KindTV:
		return true
	case storage.KindMovie:
		return false
	}
	if task.Season > 0 && task.Episode > 0 {
		return true
	}
	return task.BatchID != ""
}

// EnsureArtifact makes sure the arr pair has a library record for the
// task's catalog entry, creating it when missing, and stamps the resulting
// arr ID onto the local rows. Safe to call repeatedly.
func (m *Manager) EnsureArtifact(ctx context.Context, task *storage.Task) Result {
	if !task.HasMediaRef() {
		return Result{Outcome: OutcomeSkipped, Reason: "no external catalog reference"}
	}
	client := m.clientFor(task)
	if client == nil {
		return Result{Outcome: OutcomeSkipped, Reason: "manager not configured"}
	}

	item, err := client.Lookup(ctx, task.ExternalID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("lookup failed: %w", err)}
	}
	if item != nil {
		if err := m.stamp(task, client, item); err != nil {
			return Result{Outcome: OutcomeFailed, Err: err}
		}
		return Result{Outcome: OutcomeAlreadyMonitored, ArrID: item.ID}
	}

	root, err := m.rootFolder(ctx, client)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("no usable root folder: %w", err)}
	}

	created, err := client.Add(ctx, task.ExternalID, task.MediaTitle, root)
	if err != nil {
		// Lost the race with another submitter: the record now exists.
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == 400 {
			item, lookupErr := client.Lookup(ctx, task.ExternalID)
			if lookupErr == nil && item != nil {
				if stampErr := m.stamp(task, client, item); stampErr != nil {
					return Result{Outcome: OutcomeFailed, Err: stampErr}
				}
				return Result{Outcome: OutcomeAlreadyMonitored, ArrID: item.ID}
			}
		}
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("add failed: %w", err)}
	}

	if err := m.stamp(task, client, created); err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	m.logger.Info("created library record",
		"type", client.Type(), "external_id", task.ExternalID, "arr_id", created.ID, "title", task.MediaTitle)
	return Result{Outcome: OutcomeCreated, ArrID: created.ID}
}

// stamp records the arr linkage on the media item and every task sharing
// the external ID.
func (m *Manager) stamp(task *storage.Task, client *Client, item *LibraryItem) error {
	if err := m.store.SetMediaArr(task.ExternalID, item.ID, string(client.Type()), item.Path); err != nil {
		return fmt.Errorf("failed to stamp media item: %w", err)
	}
	var seriesID, movieID int64
	if client.Type() == SeriesManager {
		seriesID = item.ID
	} else {
		movieID = item.ID
	}
	if err := m.store.StampArrIDs(task.ExternalID, seriesID, movieID); err != nil {
		return fmt.Errorf("failed to stamp tasks: %w", err)
	}
	return nil
}

func (m *Manager) rootFolder(ctx context.Context, client *Client) (string, error) {
	folders, err := client.RootFolders(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		if f.Accessible {
			return f.Path, nil
		}
	}
	if m.fallbackRoot != "" {
		m.logger.Warn("arr reported no accessible root folder, using fallback", "path", m.fallbackRoot)
		return m.fallbackRoot, nil
	}
	return "", fmt.Errorf("no accessible root folder and no fallback configured")
}
