package storage

import (
	"time"
)

// TaskState is the lifecycle state of a download task.
type TaskState string

const (
	StateQueued      TaskState = "queued"
	StateStarting    TaskState = "starting"
	StateDownloading TaskState = "downloading"
	StatePaused      TaskState = "paused"
	StateWaiting     TaskState = "waiting"
	StateCompleted   TaskState = "completed"
	StateFailed      TaskState = "failed"
	StateCancelled   TaskState = "cancelled"
	StateExtracting  TaskState = "extracting"
	StateSkipped     TaskState = "skipped"
)

// AllStates lists every state, in a stable order used by histograms.
var AllStates = []TaskState{
	StateQueued, StateStarting, StateDownloading, StatePaused, StateWaiting,
	StateCompleted, StateFailed, StateCancelled, StateExtracting, StateSkipped,
}

// transitions is the allowed-adjacency table. A transition absent from the
// table is rejected; a state always may "transition" to itself.
var transitions = map[TaskState][]TaskState{
	StateQueued:      {StateStarting, StatePaused, StateCancelled},
	StateStarting:    {StateDownloading, StateFailed, StateWaiting, StatePaused, StateCancelled},
	StateDownloading: {StateDownloading, StateCompleted, StateFailed, StateWaiting, StatePaused, StateCancelled, StateExtracting},
	StatePaused:      {StateQueued, StateCancelled},
	StateWaiting:     {StateStarting, StateQueued, StatePaused, StateCancelled},
	StateCompleted:   {StateQueued},
	StateFailed:      {StateQueued},
	StateCancelled:   {StateQueued},
	StateExtracting:  {StateCompleted, StateFailed, StateCancelled},
	StateSkipped:     {StateQueued, StateCancelled},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s TaskState) CanTransition(next TaskState) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is final for the scheduler.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CanPause reports whether a user pause is meaningful in this state.
func (s TaskState) CanPause() bool {
	switch s {
	case StateQueued, StateStarting, StateDownloading, StateWaiting:
		return true
	default:
		return false
	}
}

// CanResume reports whether the task can be re-queued without a retry.
func (s TaskState) CanResume() bool {
	switch s {
	case StatePaused, StateWaiting, StateSkipped:
		return true
	default:
		return false
	}
}

// CanRetry reports whether a user retry back to Queued is allowed.
func (s TaskState) CanRetry() bool {
	switch s {
	case StateWaiting, StateFailed, StateCancelled, StateCompleted, StateSkipped:
		return true
	default:
		return false
	}
}

// CanDelete reports whether the task may be removed in this state.
func (s TaskState) CanDelete() bool {
	switch s {
	case StateQueued, StatePaused, StateCompleted, StateFailed, StateCancelled, StateSkipped, StateWaiting:
		return true
	default:
		return false
	}
}

// MediaKind discriminates the two library types.
type MediaKind string

const (
	KindMovie MediaKind = "movie"
	KindTV    MediaKind = "tv"
)

// Task is a single download: one share URL resolved to one file on disk.
// Runtime control structures (cancellation handles) live in the in-memory
// task store, not on this row.
type Task struct {
	ID          string `gorm:"primaryKey" json:"id"`
	OriginalURL string `json:"original_url"`
	ResolvedURL string `json:"resolved_url,omitempty"`
	Filename    string `json:"filename"`
	Destination string `json:"destination"`

	State      TaskState `gorm:"index;index:idx_tasks_state_created,priority:1;index:idx_tasks_batch_state,priority:2;index:idx_tasks_host_state,priority:2" json:"state"`
	Size       int64     `json:"size"`
	Downloaded int64     `json:"downloaded"`
	Progress   float64   `json:"progress"`
	Speed      float64   `json:"speed"`
	ETA        int64     `json:"eta"`

	Host     string `gorm:"index;index:idx_tasks_host_state,priority:1" json:"host"`
	Category string `json:"category"`
	Priority int    `gorm:"default:0" json:"priority"`

	RetryCount      int        `json:"retry_count"`
	WaitUntil       *time.Time `json:"wait_until,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	NeedsURLRefresh bool       `json:"needs_url_refresh,omitempty"`

	CreatedAt   time.Time  `gorm:"index;index:idx_tasks_state_created,priority:2" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// url_metadata: validity window of ResolvedURL.
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	URLExpiresAt *time.Time `json:"url_expires_at,omitempty"`

	BatchID   string `gorm:"index;index:idx_tasks_batch_state,priority:1" json:"batch_id,omitempty"`
	BatchName string `json:"batch_name,omitempty"`

	HostFileCode string `gorm:"index" json:"host_file_code,omitempty"`

	// media_ref
	ExternalID int64     `gorm:"index;column:external_id" json:"external_id,omitempty"`
	MediaKind  MediaKind `json:"media_kind,omitempty"`
	MediaTitle string    `json:"media_title,omitempty"`
	MediaYear  int       `json:"media_year,omitempty"`
	Season     int       `json:"season,omitempty"`
	Episode    int       `json:"episode,omitempty"`

	ArrSeriesID int64 `json:"arr_series_id,omitempty"`
	ArrMovieID  int64 `json:"arr_movie_id,omitempty"`

	Quality    string `json:"quality,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func (Task) TableName() string { return "tasks" }

// Remaining returns the bytes left to transfer. Unknown sizes sort last in
// the claim loop.
func (t *Task) Remaining() int64 {
	if t.Size <= 0 {
		return int64(^uint64(0) >> 1)
	}
	r := t.Size - t.Downloaded
	if r < 0 {
		return 0
	}
	return r
}

// HasMediaRef reports whether the task carries a catalog reference.
func (t *Task) HasMediaRef() bool { return t.ExternalID != 0 }

// Session is the persisted host session; one row per host.
type Session struct {
	Host          string    `gorm:"primaryKey" json:"host"`
	SessionID     string    `json:"session_id"`
	Token         string    `json:"token"`
	CreatedAt     time.Time `json:"created_at"`
	LastValidated time.Time `json:"last_validated"`
}

func (Session) TableName() string { return "sessions" }

// Setting is a key/value application setting.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (Setting) TableName() string { return "settings" }

// MediaItem is a library entity keyed by the external catalog ID.
type MediaItem struct {
	ExternalID int64     `gorm:"primaryKey;column:external_id" json:"external_id"`
	Kind       MediaKind `json:"kind"`
	Title      string    `json:"title"`
	Year       int       `json:"year"`
	ArrID      int64     `json:"arr_id,omitempty"`
	ArrType    string    `json:"arr_type,omitempty"` // "series-mgr" | "movie-mgr"
	ArrPath    string    `json:"arr_path,omitempty"`
	Monitored  bool      `json:"monitored"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (MediaItem) TableName() string { return "media_items" }

// MediaEpisode is one episode of a series media item.
type MediaEpisode struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	ExternalID int64     `gorm:"column:external_id;uniqueIndex:idx_media_episode,priority:1" json:"external_id"`
	Season     int       `gorm:"uniqueIndex:idx_media_episode,priority:2" json:"season"`
	Episode    int       `gorm:"uniqueIndex:idx_media_episode,priority:3" json:"episode"`
	TaskID     string    `json:"task_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (MediaEpisode) TableName() string { return "media_episodes" }

// BatchSummary aggregates the tasks sharing one batch_id.
type BatchSummary struct {
	BatchID        string              `json:"batch_id"`
	BatchName      string              `json:"batch_name"`
	TotalTasks     int64               `json:"total_tasks"`
	StateCounts    map[TaskState]int64 `json:"state_counts"`
	TotalSize      int64               `json:"total_size"`
	Downloaded     int64               `json:"downloaded"`
	AggregateState TaskState           `json:"aggregate_state"`
}
