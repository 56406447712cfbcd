package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"fetcharr/internal/events"
	"fetcharr/internal/media"
	"fetcharr/internal/storage"
)

// SubmitRequest is one download submission. Media fields are optional;
// when ExternalID is set the task participates in arr artifact management.
type SubmitRequest struct {
	URL string `json:"url"`
	// Filename overrides the host-reported name when set.
	Filename string `json:"filename,omitempty"`
	Category string `json:"category,omitempty"`
	Priority int    `json:"priority,omitempty"`

	ExternalID int64             `json:"external_id,omitempty"`
	MediaKind  storage.MediaKind `json:"media_kind,omitempty"`
	MediaTitle string            `json:"media_title,omitempty"`
	MediaYear  int               `json:"media_year,omitempty"`
	Season     int               `json:"season,omitempty"`
	Episode    int               `json:"episode,omitempty"`
	BatchID    string            `json:"batch_id,omitempty"`
	BatchName  string            `json:"batch_name,omitempty"`
}

// AddDownload validates, dedupes, and enqueues one download. Returns the
// created task.
func (e *Engine) AddDownload(ctx context.Context, req SubmitRequest) (*storage.Task, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !e.host.CanHandle(rawURL) && !e.host.IsDirectURL(rawURL) {
		return nil, fmt.Errorf("unsupported host in %q", rawURL)
	}

	code := media.ExtractHostFileCode(rawURL)
	if code != "" {
		if err := e.dedupe(code); err != nil {
			return nil, err
		}
	}

	filename, size := e.fileInfo(ctx, rawURL)
	if req.Filename != "" {
		filename = media.Sanitize(req.Filename)
	}
	filename = e.canonicalName(req, filename)

	task := &storage.Task{
		ID:           uuid.New().String(),
		OriginalURL:  rawURL,
		Filename:     filename,
		Destination:  e.destination(req, filename),
		State:        storage.StateQueued,
		Size:         size,
		Host:         e.host.Host(),
		Category:     req.Category,
		Priority:     req.Priority,
		CreatedAt:    time.Now(),
		BatchID:      req.BatchID,
		BatchName:    req.BatchName,
		HostFileCode: code,
		ExternalID:   req.ExternalID,
		MediaKind:    req.MediaKind,
		MediaTitle:   req.MediaTitle,
		MediaYear:    req.MediaYear,
		Season:       req.Season,
		Episode:      req.Episode,
	}
	task.Quality, task.Resolution = media.ParseQuality(filename)

	if task.ExternalID != 0 {
		e.upsertMediaRows(task)
	}

	e.store.Add(task)
	if err := e.db.UpsertTask(task); err != nil {
		e.store.Remove(task.ID, false)
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	e.fabric.PublishTask(events.TaskAdded, task)
	e.store.Notify()
	e.logger.Info("download queued", "task", task.ID, "file", task.Filename, "batch", task.BatchID)

	if e.arrMgr != nil && e.arrMgr.ShouldDispatch(task) {
		snapshot := *task
		go func() {
			artifactCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			res := e.arrMgr.EnsureArtifact(artifactCtx, &snapshot)
			if res.Err != nil {
				e.logger.Warn("artifact management failed", "task", snapshot.ID, "error", res.Err)
			}
		}()
	}
	return task, nil
}

// AddBatch submits several URLs under one batch umbrella. Individual
// failures do not abort the rest; they are returned per URL.
func (e *Engine) AddBatch(ctx context.Context, reqs []SubmitRequest, batchName string) ([]*storage.Task, map[string]string) {
	batchID := uuid.New().String()
	tasks := make([]*storage.Task, 0, len(reqs))
	failures := make(map[string]string)
	for _, req := range reqs {
		req.BatchID = batchID
		req.BatchName = batchName
		task, err := e.AddDownload(ctx, req)
		if err != nil {
			failures[req.URL] = err.Error()
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, failures
}

// dedupe enforces one live task per host file code: live duplicates are
// rejected, dead ones (Failed, Cancelled) are superseded.
func (e *Engine) dedupe(code string) error {
	host := e.host.Host()

	var stale []*storage.Task
	for _, task := range e.store.All() {
		if task.Host != host || task.HostFileCode != code {
			continue
		}
		switch task.State {
		case storage.StateFailed, storage.StateCancelled:
			stale = append(stale, task)
		default:
			return fmt.Errorf("%w: %s (%s)", ErrDuplicate, code, task.State)
		}
	}

	rows, err := e.db.GetTasksByHostFileCode(host, code)
	if err != nil {
		return fmt.Errorf("dedupe lookup failed: %w", err)
	}
	for i := range rows {
		row := &rows[i]
		switch row.State {
		case storage.StateFailed, storage.StateCancelled:
			stale = append(stale, row)
		default:
			return fmt.Errorf("%w: %s (%s)", ErrDuplicate, code, row.State)
		}
	}

	// Supersede: the old attempt's memory row, store row, and partial
	// file all go.
	seen := make(map[string]struct{})
	for _, old := range stale {
		if _, done := seen[old.ID]; done {
			continue
		}
		seen[old.ID] = struct{}{}
		e.store.Remove(old.ID, true)
		if err := e.db.DeleteTask(old.ID); err != nil {
			return fmt.Errorf("failed to supersede task %s: %w", old.ID, err)
		}
		e.fabric.PublishRemoved(old.ID)
		e.logger.Info("superseded stale task", "task", old.ID, "code", code)
	}
	return nil
}

// fileInfo asks the host for authoritative metadata, falling back to the
// URL tail.
func (e *Engine) fileInfo(ctx context.Context, rawURL string) (string, int64) {
	infoCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if info, err := e.host.GetFileInfo(infoCtx, rawURL); err == nil && info.Filename != "" {
		return media.Sanitize(info.Filename), info.Size
	}
	name := media.FilenameFromURL(rawURL)
	if name == "" {
		name = "download.bin"
	}
	return media.Sanitize(name), 0
}

// canonicalName renames media files into the library convention; plain
// downloads keep the host's filename.
func (e *Engine) canonicalName(req SubmitRequest, filename string) string {
	switch {
	case req.MediaTitle != "" && req.Season > 0 && req.Episode > 0:
		return media.CanonicalEpisodeName(req.MediaTitle, req.Season, req.Episode, filename)
	case req.MediaTitle != "" && req.MediaKind == storage.KindMovie:
		return media.CanonicalMovieName(req.MediaTitle, req.MediaYear, filename)
	}
	return filename
}

// destination assembles the on-disk path under the configured root.
func (e *Engine) destination(req SubmitRequest, filename string) string {
	root := e.cfg.Downloads.Directory
	switch {
	case req.MediaTitle != "" && req.Season > 0:
		return filepath.Join(root, media.Sanitize(req.MediaTitle), media.SeasonDirName(req.Season), filename)
	case req.MediaTitle != "" && req.MediaKind == storage.KindMovie:
		return filepath.Join(root, media.MovieDirName(req.MediaTitle, req.MediaYear), filename)
	case req.Category != "":
		return filepath.Join(root, media.Sanitize(req.Category), filename)
	}
	return filepath.Join(root, filename)
}

// upsertMediaRows mirrors the submission's media metadata into the local
// catalog tables.
func (e *Engine) upsertMediaRows(task *storage.Task) {
	kind := task.MediaKind
	if kind == "" {
		if task.Season > 0 || task.BatchID != "" {
			kind = storage.KindTV
		} else {
			kind = storage.KindMovie
		}
	}
	item := &storage.MediaItem{
		ExternalID: task.ExternalID,
		Kind:       kind,
		Title:      task.MediaTitle,
		Year:       task.MediaYear,
	}
	if err := e.db.UpsertMediaItem(item); err != nil {
		e.logger.Warn("failed to upsert media item", "external_id", task.ExternalID, "error", err)
	}
	if kind == storage.KindTV && task.Season > 0 && task.Episode > 0 {
		ep := &storage.MediaEpisode{
			ExternalID: task.ExternalID,
			Season:     task.Season,
			Episode:    task.Episode,
			TaskID:     task.ID,
		}
		if err := e.db.UpsertMediaEpisode(ep); err != nil {
			e.logger.Warn("failed to upsert media episode", "external_id", task.ExternalID, "error", err)
		}
	}
}
