package transfer

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetcharr/internal/classify"
)

// rangeServer serves payload with Range support.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Write(payload)
			return
		}
		var from int64
		_, err := fmt.Sscanf(rng, "bytes=%d-", &from)
		require.NoError(t, err)
		if from >= int64(len(payload)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)-int(from)))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[from:])
	}))
}

func TestDownloadFresh(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 4096)
	srv := rangeServer(t, payload)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	var last Progress
	n, err := Download(context.Background(), srv.Client(), srv.URL, dest, nil, func(p Progress) { last = p })
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, int64(len(payload)), last.Downloaded)
	assert.InDelta(t, 100, last.Percent, 0.01)
}

func TestDownloadResumes(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 2048)
	srv := rangeServer(t, payload)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	cut := 5000
	require.NoError(t, os.WriteFile(dest, payload[:cut], 0644))

	n, err := Download(context.Background(), srv.Client(), srv.URL, dest, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "resumed file must equal a single-shot download")
}

func TestDownloadAlreadyComplete(t *testing.T) {
	payload := []byte("complete content")
	srv := rangeServer(t, payload)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest, payload, 0644))

	// The ranged request gets a 416 and the transfer reports success.
	n, err := Download(context.Background(), srv.Client(), srv.URL, dest, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	payload := []byte("the full body, served from byte zero every time")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always 200, even to ranged requests.
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest, []byte("stale partial data"), 0644))

	n, err := Download(context.Background(), srv.Client(), srv.URL, dest, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadCancelKeepsPartialFile(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4<<20)
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload[:1024])
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	dest := filepath.Join(t.TempDir(), "out.bin")

	done := make(chan error, 1)
	go func() {
		_, err := Download(ctx, srv.Client(), srv.URL, dest, nil, nil)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop on cancel")
	}

	// The partial file survives for a later resume.
	fi, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))
}

func TestDownloadErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := Download(context.Background(), srv.Client(), srv.URL, dest, nil, nil)
	require.Error(t, err)

	var httpErr *classify.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Code)
}

func TestDownloadSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "custom-agent", r.Header.Get("User-Agent"))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	_, err := Download(context.Background(), srv.Client(), srv.URL, dest, map[string]string{"User-Agent": "custom-agent"}, nil)
	require.NoError(t, err)
}

func TestProgressSpeedIsSessionOnly(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 64<<10)
	srv := rangeServer(t, payload)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest, payload[:32<<10], 0644))

	var last Progress
	_, err := Download(context.Background(), srv.Client(), srv.URL, dest, nil, func(p Progress) { last = p })
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), last.Downloaded)
	assert.GreaterOrEqual(t, last.Speed, float64(0))
	assert.False(t, math.IsNaN(last.Speed))
}
