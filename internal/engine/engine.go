// Package engine is the orchestrator: it owns the worker pool, the task
// lifecycle, submission and control operations, and wires the host client,
// transfer engine, durable store, and arr manager together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fetcharr/internal/arr"
	"fetcharr/internal/config"
	"fetcharr/internal/events"
	"fetcharr/internal/hostclient"
	"fetcharr/internal/storage"
	"fetcharr/internal/taskstore"
)

// Control-operation errors, mapped to HTTP statuses at the API boundary.
var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("operation not valid in current state")
	ErrDuplicate         = errors.New("download already exists")
)

const (
	settingMaxConcurrent = "max_concurrent"

	idleWait    = 2 * time.Second
	excessSleep = 500 * time.Millisecond
)

// Engine runs the download lifecycle.
type Engine struct {
	cfg    *config.Config
	db     *storage.DB
	store  *taskstore.Store
	host   *hostclient.Client
	fabric *events.Fabric
	arrMgr *arr.Manager
	logger *slog.Logger

	// transferClient has no global timeout; transfers are bounded per
	// request by context.
	transferClient *http.Client

	maxConcurrent atomic.Int32
	workerCount   atomic.Int32
	running       atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
}

// New wires the engine. arrMgr may be nil when neither manager is enabled.
func New(cfg *config.Config, db *storage.DB, store *taskstore.Store, host *hostclient.Client, fabric *events.Fabric, arrMgr *arr.Manager, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:            cfg,
		db:             db,
		store:          store,
		host:           host,
		fabric:         fabric,
		arrMgr:         arrMgr,
		logger:         logger,
		transferClient: &http.Client{},
		ctx:            ctx,
		cancel:         cancel,
	}
	e.maxConcurrent.Store(int32(cfg.Downloads.MaxConcurrent))
	return e
}

// Start recovers persisted state and spawns the worker pool.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	// A persisted concurrency override wins over the config file.
	if v, err := e.db.GetSetting(settingMaxConcurrent); err == nil && v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			e.maxConcurrent.Store(int32(n))
		}
	}

	if err := e.recover(); err != nil {
		e.running.Store(false)
		return err
	}

	n := int(e.maxConcurrent.Load())
	for i := 0; i < n; i++ {
		e.spawnWorker()
	}
	e.store.Notify()
	e.logger.Info("engine started", "workers", n)
	return nil
}

// recover reloads the working set: transient states are re-queued, live
// states loaded, terminal rows left to the store.
func (e *Engine) recover() error {
	orphans, err := e.db.OrphanedActive()
	if err != nil {
		return fmt.Errorf("failed to scan for orphaned tasks: %w", err)
	}
	for i := range orphans {
		task := &orphans[i]
		task.State = storage.StateQueued
		task.Speed = 0
		task.ETA = 0
		if err := e.db.UpsertTask(task); err != nil {
			return fmt.Errorf("failed to requeue orphan %s: %w", task.ID, err)
		}
	}
	if len(orphans) > 0 {
		e.logger.Info("requeued orphaned downloads", "count", len(orphans))
	}

	live, err := e.db.GetTasksByStates(
		storage.StateQueued, storage.StatePaused, storage.StateWaiting, storage.StateSkipped,
	)
	if err != nil {
		return fmt.Errorf("failed to load live tasks: %w", err)
	}
	for i := range live {
		e.store.Add(&live[i])
	}
	e.logger.Info("loaded working set", "tasks", len(live))
	return nil
}

// Shutdown stops the workers and flushes the store. In-flight transfers
// are cancelled; their partial files remain resumable.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()
	e.store.Notify()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("shutdown timed out waiting for workers")
	}

	if err := e.db.Checkpoint(); err != nil {
		e.logger.Warn("wal checkpoint failed", "error", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// MaxConcurrent returns the current pool target.
func (e *Engine) MaxConcurrent() int { return int(e.maxConcurrent.Load()) }

// SetMaxConcurrent resizes the pool at runtime. Growing spawns workers;
// shrinking lets excess workers idle out on their next loop iteration.
func (e *Engine) SetMaxConcurrent(n int) error {
	if n < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.maxConcurrent.Store(int32(n))
	if err := e.db.SetSetting(settingMaxConcurrent, strconv.Itoa(n)); err != nil {
		e.logger.Warn("failed to persist concurrency setting", "error", err)
	}

	for int(e.workerCount.Load()) < n {
		e.spawnWorker()
	}
	e.store.Notify()
	e.logger.Info("concurrency changed", "max_concurrent", n)
	return nil
}

func (e *Engine) spawnWorker() {
	index := int(e.workerCount.Add(1)) - 1
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.workerLoop(index)
	}()
}

// Stats merges the in-memory snapshot with the durable histogram.
type Stats struct {
	taskstore.Stats
	DBCounts map[storage.TaskState]int64 `json:"db_counts,omitempty"`
}

// Stats returns the current engine statistics.
func (e *Engine) Stats() Stats {
	st := Stats{Stats: e.store.Stats()}
	if counts, err := e.db.StatusCounts(); err == nil {
		st.DBCounts = counts
	}
	return st
}
