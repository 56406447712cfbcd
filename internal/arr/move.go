package arr

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"fetcharr/internal/media"
	"fetcharr/internal/storage"
)

// ImportCompleted moves a finished download into the managed library
// folder and asks the arr instance to rescan it. Returns the final path.
func (m *Manager) ImportCompleted(ctx context.Context, task *storage.Task) (string, error) {
	if !task.HasMediaRef() {
		return "", fmt.Errorf("task has no catalog reference")
	}
	client := m.clientFor(task)
	if client == nil {
		return "", fmt.Errorf("manager not configured for this media kind")
	}

	item, err := m.libraryItem(ctx, client, task)
	if err != nil {
		return "", err
	}
	if item.Path == "" {
		return "", fmt.Errorf("library record %d has no path", item.ID)
	}

	targetDir := item.Path
	if client.Type() == SeriesManager {
		targetDir = filepath.Join(item.Path, media.SeasonDirName(task.Season))
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create target dir: %w", err)
	}

	target := filepath.Join(targetDir, filepath.Base(task.Destination))
	if err := moveFile(task.Destination, target); err != nil {
		return "", err
	}
	m.logger.Info("moved completed file into library",
		"task", task.ID, "from", task.Destination, "to", target)

	if err := client.Rescan(ctx, targetDir); err != nil {
		// The file is in place; the next scheduled scan will pick it up.
		m.logger.Warn("rescan command failed", "path", targetDir, "error", err)
	}
	return target, nil
}

// libraryItem resolves the arr record for a task, preferring the stamped
// arr ID over a fresh lookup.
func (m *Manager) libraryItem(ctx context.Context, client *Client, task *storage.Task) (*LibraryItem, error) {
	arrID := task.ArrMovieID
	if client.Type() == SeriesManager {
		arrID = task.ArrSeriesID
	}
	if arrID != 0 {
		item, err := client.GetItem(ctx, arrID)
		if err == nil {
			return item, nil
		}
		m.logger.Warn("stamped arr id no longer resolves, falling back to lookup", "arr_id", arrID, "error", err)
	}
	item, err := client.Lookup(ctx, task.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("lookup failed: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("no library record for external id %d", task.ExternalID)
	}
	return item, nil
}

// moveFile renames src to dst, falling back to copy-then-delete when the
// rename crosses filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy failed: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to flush target: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
