// Package transfer is the one-shot byte mover: a single ranged HTTP stream
// into a destination file, resumable from whatever is already on disk.
// Retry policy lives with the caller; this package only moves bytes.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"fetcharr/internal/classify"
)

// ErrCancelled distinguishes a deliberate abort from a transport failure.
var ErrCancelled = errors.New("transfer cancelled")

const (
	chunkSize        = 256 << 10
	progressInterval = 250 * time.Millisecond
)

// Progress is one throttled progress sample.
type Progress struct {
	Downloaded int64
	Size       int64
	Percent    float64
	// Speed is bytes/sec over this session only, excluding what was
	// already on disk.
	Speed float64
	ETA   int64
}

// ProgressFunc receives throttled progress samples.
type ProgressFunc func(Progress)

// Download streams url into dest, resuming from the current file size via
// a Range request. Returns the final byte count on disk.
//
// Status handling: 416 means the file is already complete; 206 appends;
// 200 in answer to a ranged request means the server ignored the range, so
// the file is truncated and the transfer restarts from zero.
func Download(ctx context.Context, client *http.Client, url, dest string, headers map[string]string, onProgress ProgressFunc) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("failed to create destination dir: %w", err)
	}

	var initialBytes int64
	if fi, err := os.Stat(dest); err == nil {
		initialBytes = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return initialBytes, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if initialBytes > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", initialBytes))
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return initialBytes, ErrCancelled
		}
		return initialBytes, err
	}
	defer resp.Body.Close()

	var (
		offset int64
		size   int64
	)
	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		// Everything is already on disk.
		return initialBytes, nil

	case http.StatusPartialContent:
		offset = initialBytes
		if resp.ContentLength > 0 {
			size = initialBytes + resp.ContentLength
		}

	case http.StatusOK:
		// Server ignored the range; start over.
		offset = 0
		if resp.ContentLength > 0 {
			size = resp.ContentLength
		}

	default:
		return initialBytes, &classify.HTTPError{Code: resp.StatusCode}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return initialBytes, fmt.Errorf("failed to open destination: %w", err)
	}
	defer f.Close()

	var (
		downloaded   = offset
		sessionBytes int64
		start        = time.Now()
		lastEmit     time.Time
		buf          = make([]byte, chunkSize)
	)

	emit := func(force bool) {
		if onProgress == nil {
			return
		}
		now := time.Now()
		if !force && now.Sub(lastEmit) < progressInterval {
			return
		}
		lastEmit = now

		p := Progress{Downloaded: downloaded, Size: size}
		if size > 0 {
			p.Percent = float64(downloaded) / float64(size) * 100
		}
		if elapsed := now.Sub(start).Seconds(); elapsed > 0 {
			p.Speed = float64(sessionBytes) / elapsed
		}
		if p.Speed > 0 && size > downloaded {
			p.ETA = int64(float64(size-downloaded) / p.Speed)
		}
		onProgress(p)
	}

	for {
		if ctx.Err() != nil {
			return downloaded, ErrCancelled
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return downloaded, fmt.Errorf("failed to write chunk: %w", werr)
			}
			downloaded += int64(n)
			sessionBytes += int64(n)
			emit(false)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return downloaded, ErrCancelled
			}
			return downloaded, fmt.Errorf("stream read failed: %w", readErr)
		}
	}

	if err := f.Sync(); err != nil {
		return downloaded, fmt.Errorf("failed to flush destination: %w", err)
	}
	emit(true)
	return downloaded, nil
}
