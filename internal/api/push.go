package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fetcharr/internal/events"
	"fetcharr/internal/storage"
	"fetcharr/internal/taskstore"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	statsInterval = 2 * time.Second

	sendBuffer = 64
)

// Frame types on the push channel.
const (
	frameSyncAll     = "SYNC_ALL"
	frameTaskAdded   = "TASK_ADDED"
	frameTaskUpdated = "TASK_UPDATED"
	frameTaskRemoved = "TASK_REMOVED"
	frameEngineStats = "ENGINE_STATS"
)

type frame struct {
	Type   string          `json:"type"`
	Tasks  []*storage.Task `json:"tasks,omitempty"`
	Task   *storage.Task   `json:"task,omitempty"`
	TaskID string          `json:"task_id,omitempty"`
	Stats  interface{}     `json:"stats,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from arbitrary origins on the LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn is one websocket client with its own send queue.
type conn struct {
	ws   *websocket.Conn
	send chan frame
}

// Hub fans engine events out to websocket clients. One goroutine per
// connection for writes, one shared loop for bus consumption and the
// stats tick.
type Hub struct {
	store  *taskstore.Store
	fabric *events.Fabric
	stats  func() interface{}
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}

	statsEvery time.Duration

	done chan struct{}
	once sync.Once
}

// NewHub builds the hub. stats is sampled on the tick.
func NewHub(store *taskstore.Store, fabric *events.Fabric, stats func() interface{}, logger *slog.Logger) *Hub {
	return &Hub{
		store:      store,
		fabric:     fabric,
		stats:      stats,
		logger:     logger,
		conns:      make(map[*conn]struct{}),
		statsEvery: statsInterval,
		done:       make(chan struct{}),
	}
}

// Run consumes the event fabric until Stop. Call in its own goroutine.
func (h *Hub) Run() {
	lifecycle, unsubLifecycle := h.fabric.Lifecycle.Subscribe()
	defer unsubLifecycle()
	progress, unsubProgress := h.fabric.Progress.Subscribe()
	defer unsubProgress()

	ticker := time.NewTicker(h.statsEvery)
	defer ticker.Stop()

	var lastStats interface{}

	for {
		select {
		case <-h.done:
			return

		case ev, ok := <-lifecycle:
			if !ok {
				return
			}
			h.broadcast(lifecycleFrame(ev))

		case p, ok := <-progress:
			if !ok {
				return
			}
			task := h.store.Get(p.TaskID)
			if task == nil {
				continue
			}
			h.broadcast(frame{Type: frameTaskUpdated, Task: task})

		case <-ticker.C:
			// Only send when the snapshot changed since the last tick.
			snapshot := h.stats()
			if reflect.DeepEqual(snapshot, lastStats) {
				continue
			}
			lastStats = snapshot
			h.broadcast(frame{Type: frameEngineStats, Stats: snapshot})
		}
	}
}

// Stop shuts the hub down and closes every connection.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	for c := range h.conns {
		close(c.send)
		delete(h.conns, c)
	}
	h.mu.Unlock()
}

func lifecycleFrame(ev events.Event) frame {
	switch ev.Type {
	case events.TaskAdded:
		return frame{Type: frameTaskAdded, Task: ev.Task}
	case events.TaskRemoved:
		return frame{Type: frameTaskRemoved, TaskID: ev.TaskID}
	default:
		return frame{Type: frameTaskUpdated, Task: ev.Task}
	}
}

func (h *Hub) broadcast(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- f:
		default:
			// Slow client: drop the frame. The next full snapshot
			// makes it whole again.
		}
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws, send: make(chan frame, sendBuffer)}

	// Initial sync: the currently transferring tasks. History comes from
	// the paged HTTP listing.
	active := make([]*storage.Task, 0)
	for _, task := range h.store.All() {
		if task.State == storage.StateDownloading || task.State == storage.StateStarting {
			active = append(active, task)
		}
	}
	c.send <- frame{Type: frameSyncAll, Tasks: active}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("push client connected", "clients", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.ws.Close()
}

// writeLoop drains the send queue and keeps the connection alive with
// pings.
func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case f, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(f)
			if err != nil {
				h.logger.Error("failed to marshal frame", "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client frames (pings, pongs, close) and tears the
// connection down when the peer goes away.
func (h *Hub) readLoop(c *conn) {
	defer h.detach(c)
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
}
