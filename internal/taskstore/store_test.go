package taskstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetcharr/internal/storage"
)

func testStore() *Store {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func task(state storage.TaskState) *storage.Task {
	return &storage.Task{
		ID:        uuid.New().String(),
		State:     state,
		CreatedAt: time.Now(),
	}
}

func TestAddGetCopies(t *testing.T) {
	s := testStore()
	orig := task(storage.StateQueued)
	s.Add(orig)

	got := s.Get(orig.ID)
	require.NotNil(t, got)
	got.Progress = 99

	again := s.Get(orig.ID)
	assert.Equal(t, float64(0), again.Progress)
}

func TestPopNextQueuedOrdering(t *testing.T) {
	s := testStore()
	base := time.Now().Add(-time.Hour)

	older := task(storage.StateQueued)
	older.CreatedAt = base
	older.Size = 1000

	smaller := task(storage.StateQueued)
	smaller.CreatedAt = base.Add(time.Minute)
	smaller.Size = 100

	prioritized := task(storage.StateQueued)
	prioritized.CreatedAt = base.Add(2 * time.Minute)
	prioritized.Size = 5000
	prioritized.Priority = 1

	s.Add(older)
	s.Add(smaller)
	s.Add(prioritized)

	// Priority beats size, size beats age.
	first := s.PopNextQueued()
	require.NotNil(t, first)
	assert.Equal(t, prioritized.ID, first.ID)
	assert.Equal(t, storage.StateStarting, first.State)

	second := s.PopNextQueued()
	require.NotNil(t, second)
	assert.Equal(t, smaller.ID, second.ID)

	third := s.PopNextQueued()
	require.NotNil(t, third)
	assert.Equal(t, older.ID, third.ID)

	assert.Nil(t, s.PopNextQueued())
}

func TestPopPrefersNearlyDone(t *testing.T) {
	s := testStore()

	fresh := task(storage.StateQueued)
	fresh.Size = 1000
	fresh.Downloaded = 0

	nearlyDone := task(storage.StateQueued)
	nearlyDone.Size = 1800
	nearlyDone.Downloaded = 800
	nearlyDone.Progress = 44

	s.Add(fresh)
	s.Add(nearlyDone)

	// Both have 1000 bytes remaining; higher progress wins.
	got := s.PopNextQueued()
	require.NotNil(t, got)
	assert.Equal(t, nearlyDone.ID, got.ID)
}

func TestPopSkipsFutureWaiting(t *testing.T) {
	s := testStore()

	future := task(storage.StateWaiting)
	until := time.Now().Add(time.Hour)
	future.WaitUntil = &until

	ready := task(storage.StateWaiting)
	past := time.Now().Add(-time.Second)
	ready.WaitUntil = &past

	nilWait := task(storage.StateWaiting)

	s.Add(future)
	s.Add(ready)
	s.Add(nilWait)

	claimed := map[string]bool{}
	for {
		got := s.PopNextQueued()
		if got == nil {
			break
		}
		claimed[got.ID] = true
		assert.Nil(t, got.WaitUntil)
	}
	assert.True(t, claimed[ready.ID])
	assert.True(t, claimed[nilWait.ID], "nil wait_until means ready now")
	assert.False(t, claimed[future.ID])
}

func TestPopNeverDoubleClaims(t *testing.T) {
	s := testStore()
	for i := 0; i < 20; i++ {
		s.Add(task(storage.StateQueued))
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got := s.PopNextQueued()
				if got == nil {
					return
				}
				mu.Lock()
				claimed[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 20)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestPauseCancelsHandle(t *testing.T) {
	s := testStore()
	tk := task(storage.StateDownloading)
	s.Add(tk)
	h := s.NewHandle(tk.ID)

	got := s.Pause(tk.ID)
	require.NotNil(t, got)
	assert.Equal(t, storage.StatePaused, got.State)

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("handle not cancelled on pause")
	}
}

func TestPauseRejectsTerminal(t *testing.T) {
	s := testStore()
	tk := task(storage.StateCompleted)
	s.Add(tk)
	assert.Nil(t, s.Pause(tk.ID))
	assert.Nil(t, s.Pause("missing"))
}

func TestResumeRetry(t *testing.T) {
	s := testStore()

	paused := task(storage.StatePaused)
	s.Add(paused)
	got := s.Resume(paused.ID)
	require.NotNil(t, got)
	assert.Equal(t, storage.StateQueued, got.State)

	failed := task(storage.StateFailed)
	failed.ErrorMessage = "boom"
	failed.RetryCount = 1
	s.Add(failed)
	got = s.Retry(failed.ID)
	require.NotNil(t, got)
	assert.Equal(t, storage.StateQueued, got.State)
	assert.Equal(t, 2, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
}

func TestRemoveUnlinksFile(t *testing.T) {
	s := testStore()
	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest, []byte("data"), 0644))

	tk := task(storage.StateFailed)
	tk.Destination = dest
	s.Add(tk)

	got := s.Remove(tk.ID, true)
	require.NotNil(t, got)
	assert.Nil(t, s.Get(tk.ID))
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveKeepsFile(t *testing.T) {
	s := testStore()
	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest, []byte("data"), 0644))

	tk := task(storage.StateCompleted)
	tk.Destination = dest
	s.Add(tk)
	s.Remove(tk.ID, false)

	_, err := os.Stat(dest)
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	s := testStore()

	dl := task(storage.StateDownloading)
	dl.Speed = 1024
	s.Add(dl)
	dl2 := task(storage.StateDownloading)
	dl2.Speed = 2048
	s.Add(dl2)
	s.Add(task(storage.StateQueued))
	s.Add(task(storage.StateCompleted))
	s.Add(task(storage.StateFailed))
	s.Add(task(storage.StatePaused))

	st := s.Stats()
	assert.Equal(t, 2, st.ActiveDownloads)
	assert.Equal(t, 1, st.Queued)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Paused)
	assert.Equal(t, float64(3072), st.TotalSpeed)
}

func TestActiveTasksExcludesTerminal(t *testing.T) {
	s := testStore()
	s.Add(task(storage.StateDownloading))
	s.Add(task(storage.StateQueued))
	s.Add(task(storage.StateCompleted))
	s.Add(task(storage.StateCancelled))

	assert.Len(t, s.ActiveTasks(), 2)
}

func TestWaitForWork(t *testing.T) {
	s := testStore()

	done := make(chan struct{})
	go func() {
		s.WaitForWork(context.Background(), 5*time.Second)
		close(done)
	}()

	s.Notify()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notify did not wake the waiter")
	}

	// A bounded timeout returns even without a signal.
	start := time.Now()
	s.WaitForWork(context.Background(), 20*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUpdateAtomic(t *testing.T) {
	s := testStore()
	tk := task(storage.StateDownloading)
	s.Add(tk)

	got := s.Update(tk.ID, func(task *storage.Task) {
		task.Downloaded = 500
		task.Progress = 50
	})
	require.NotNil(t, got)
	assert.Equal(t, int64(500), got.Downloaded)
	assert.Nil(t, s.Update("missing", func(*storage.Task) {}))
}
