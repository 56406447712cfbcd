package storage

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "fetcharr.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTask(state TaskState) *Task {
	return &Task{
		ID:          uuid.New().String(),
		OriginalURL: "https://host.example/file/" + uuid.New().String()[:8],
		Filename:    "file.mkv",
		State:       state,
		Host:        "host.example",
		CreatedAt:   time.Now(),
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := testDB(t)

	task := newTask(StateQueued)
	task.Size = 1000
	task.Downloaded = 250
	task.HostFileCode = "AAA111"
	require.NoError(t, db.UpsertTask(task))

	got, err := db.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, int64(1000), got.Size)
	assert.Equal(t, "AAA111", got.HostFileCode)

	require.NoError(t, db.DeleteTask(task.ID))
	_, err = db.GetTask(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNarrowUpdates(t *testing.T) {
	db := testDB(t)
	task := newTask(StateQueued)
	require.NoError(t, db.UpsertTask(task))

	require.NoError(t, db.UpdateTaskState(task.ID, StateStarting))
	require.NoError(t, db.UpdateTaskProgress(task.ID, 500, 1000, 50, 1024, 10))

	got, err := db.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, got.State)
	assert.Equal(t, int64(500), got.Downloaded)
	assert.Equal(t, float64(50), got.Progress)
	assert.Equal(t, int64(10), got.ETA)
}

func TestBatchStateTransition(t *testing.T) {
	db := testDB(t)

	var ids []string
	for i := 0; i < 5; i++ {
		task := newTask(StateQueued)
		require.NoError(t, db.UpsertTask(task))
		ids = append(ids, task.ID)
	}

	affected, err := db.UpdateTaskStates(ids, StatePaused)
	require.NoError(t, err)
	assert.Equal(t, int64(5), affected)

	tasks, err := db.GetTasksByStates(StatePaused)
	require.NoError(t, err)
	assert.Len(t, tasks, 5)
}

func TestStatusCounts(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.UpsertTask(newTask(StateQueued)))
	}
	require.NoError(t, db.UpsertTask(newTask(StateCompleted)))
	require.NoError(t, db.UpsertTask(newTask(StateFailed)))

	counts, err := db.StatusCounts()
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[StateQueued])
	assert.Equal(t, int64(1), counts[StateCompleted])
	assert.Equal(t, int64(1), counts[StateFailed])
	assert.Equal(t, int64(0), counts[StateDownloading])
}

func TestDuplicateLookupByHostFileCode(t *testing.T) {
	db := testDB(t)

	task := newTask(StateDownloading)
	task.HostFileCode = "XYZ"
	require.NoError(t, db.UpsertTask(task))

	dupes, err := db.GetTasksByHostFileCode("host.example", "XYZ")
	require.NoError(t, err)
	require.Len(t, dupes, 1)
	assert.Equal(t, task.ID, dupes[0].ID)

	none, err := db.GetTasksByHostFileCode("other.example", "XYZ")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListTasksNeverSplitsBatch(t *testing.T) {
	db := testDB(t)

	base := time.Now().Add(-time.Hour)
	// 50 batch tasks plus 10 standalone tasks, interleaved in time.
	for i := 0; i < 50; i++ {
		task := newTask(StateQueued)
		task.BatchID = "B1"
		task.BatchName = "Season 1"
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.UpsertTask(task))
	}
	for i := 0; i < 10; i++ {
		task := newTask(StateQueued)
		task.CreatedAt = base.Add(time.Duration(50+i) * time.Minute)
		require.NoError(t, db.UpsertTask(task))
	}

	page, err := db.ListTasks(1, 20, "")
	require.NoError(t, err)

	assert.Equal(t, int64(60), page.Total)

	// The newest 20 rows are 10 standalone + 10 of B1; expansion must pull
	// in the remaining 40 B1 rows.
	batchRows := 0
	for _, task := range page.Tasks {
		if task.BatchID == "B1" {
			batchRows++
		}
	}
	assert.Equal(t, 50, batchRows)
	assert.Len(t, page.Tasks, 60)

	// No duplicates.
	ids := make(map[string]struct{})
	for _, task := range page.Tasks {
		_, dup := ids[task.ID]
		assert.False(t, dup, "duplicate task %s", task.ID)
		ids[task.ID] = struct{}{}
	}
}

func TestBatchSummary(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		task := newTask(StateCompleted)
		task.BatchID = "B2"
		task.BatchName = "Season 2"
		task.Size = 100
		task.Downloaded = 100
		require.NoError(t, db.UpsertTask(task))
	}
	task := newTask(StateDownloading)
	task.BatchID = "B2"
	task.BatchName = "Season 2"
	task.Size = 100
	task.Downloaded = 40
	require.NoError(t, db.UpsertTask(task))

	summary, err := db.GetBatchSummary("B2")
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.TotalTasks)
	assert.Equal(t, int64(400), summary.TotalSize)
	assert.Equal(t, int64(340), summary.Downloaded)
	assert.Equal(t, StateDownloading, summary.AggregateState)
	assert.Equal(t, "Season 2", summary.BatchName)

	_, err = db.GetBatchSummary("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAggregateState(t *testing.T) {
	tests := []struct {
		name   string
		counts map[TaskState]int64
		total  int64
		want   TaskState
	}{
		{"all completed", map[TaskState]int64{StateCompleted: 3}, 3, StateCompleted},
		{"one queued", map[TaskState]int64{StateCompleted: 2, StateQueued: 1}, 3, StateQueued},
		{"one downloading wins", map[TaskState]int64{StateQueued: 2, StateDownloading: 1}, 3, StateDownloading},
		{"paused", map[TaskState]int64{StateCompleted: 1, StatePaused: 2}, 3, StatePaused},
		{"failed", map[TaskState]int64{StateCompleted: 2, StateFailed: 1}, 3, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregateState(tt.counts, tt.total))
		})
	}
}

func TestMediaItemRoundTrip(t *testing.T) {
	db := testDB(t)

	item := &MediaItem{ExternalID: 603, Kind: KindMovie, Title: "The Matrix", Year: 1999}
	require.NoError(t, db.UpsertMediaItem(item))

	got, err := db.GetMediaItem(603)
	require.NoError(t, err)
	assert.Equal(t, "The Matrix", got.Title)
	assert.Equal(t, KindMovie, got.Kind)

	// Second upsert is idempotent.
	require.NoError(t, db.UpsertMediaItem(&MediaItem{ExternalID: 603, Kind: KindMovie, Title: "The Matrix", Year: 1999}))
	again, err := db.GetMediaItem(603)
	require.NoError(t, err)
	assert.Equal(t, got.Title, again.Title)

	require.NoError(t, db.SetMediaArr(603, 42, "movie-mgr", "/movies/The Matrix (1999)"))
	stamped, err := db.GetMediaItem(603)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stamped.ArrID)
	assert.True(t, stamped.Monitored)
}

func TestMediaEpisodeUnique(t *testing.T) {
	db := testDB(t)

	ep := &MediaEpisode{ExternalID: 1396, Season: 1, Episode: 2, TaskID: "t1"}
	require.NoError(t, db.UpsertMediaEpisode(ep))
	require.NoError(t, db.UpsertMediaEpisode(&MediaEpisode{ExternalID: 1396, Season: 1, Episode: 2, TaskID: "t2"}))

	eps, err := db.GetMediaEpisodes(1396)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "t2", eps[0].TaskID)
}

func TestSessionRoundTrip(t *testing.T) {
	db := testDB(t)

	sess := &Session{Host: "host.example", SessionID: "s1", Token: "tok", CreatedAt: time.Now(), LastValidated: time.Now()}
	require.NoError(t, db.SaveSession(sess))

	got, err := db.GetSession("host.example")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	sess.SessionID = "s2"
	require.NoError(t, db.SaveSession(sess))
	got, err = db.GetSession("host.example")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SessionID)

	require.NoError(t, db.DeleteSession("host.example"))
	_, err = db.GetSession("host.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStampArrIDs(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		task := newTask(StateQueued)
		task.ExternalID = 1396
		require.NoError(t, db.UpsertTask(task))
	}

	require.NoError(t, db.StampArrIDs(1396, 7, 0))
	tasks, err := db.GetTasksByExternalID(1396)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, int64(7), task.ArrSeriesID)
	}
}

func TestSettings(t *testing.T) {
	db := testDB(t)

	v, err := db.GetSetting("missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, db.SetSetting("max_concurrent", "5"))
	require.NoError(t, db.SetSetting("max_concurrent", "7"))
	v, err = db.GetSetting("max_concurrent")
	require.NoError(t, err)
	assert.Equal(t, "7", v)
}

func TestBackfillQuality(t *testing.T) {
	db := testDB(t)

	task := newTask(StateCompleted)
	task.Filename = "Show.S01E01.1080p.WEB-DL.mkv"
	require.NoError(t, db.UpsertTask(task))

	require.NoError(t, db.backfillQuality())

	got, err := db.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "WEB-DL", got.Quality)
	assert.Equal(t, "1080p", got.Resolution)
}

func TestOrphanedActive(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.UpsertTask(newTask(StateDownloading)))
	require.NoError(t, db.UpsertTask(newTask(StateStarting)))
	require.NoError(t, db.UpsertTask(newTask(StateQueued)))

	orphans, err := db.OrphanedActive()
	require.NoError(t, err)
	assert.Len(t, orphans, 2)
}

func TestDeleteTasksByBatch(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		task := newTask(StateQueued)
		task.BatchID = "B9"
		require.NoError(t, db.UpsertTask(task))
	}
	keeper := newTask(StateQueued)
	require.NoError(t, db.UpsertTask(keeper))

	affected, err := db.DeleteTasksByBatch("B9")
	require.NoError(t, err)
	assert.Equal(t, int64(3), affected)

	rows, err := db.GetTasksByBatch("B9")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Unrelated rows survive.
	_, err = db.GetTask(keeper.ID)
	require.NoError(t, err)

	affected, err = db.DeleteTasksByBatch("missing")
	require.NoError(t, err)
	assert.Zero(t, affected)
}
