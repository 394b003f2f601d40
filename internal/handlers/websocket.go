package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every frame on the status stream
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// TaskStatusUpdate mirrors the coordinator's task lifecycle events
type TaskStatusUpdate struct {
	TaskID    string    `json:"task_id"`
	SourceID  string    `json:"source_id"`
	SchemaID  string    `json:"schema_id"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskProgressUpdate mirrors the worker's started signal
type TaskProgressUpdate struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SchemaUpdate mirrors schema registry changes
type SchemaUpdate struct {
	SchemaID  string    `json:"schema_id"`
	Version   int       `json:"version"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueStatsUpdate is a point-in-time snapshot of every queue on the bus
type QueueStatsUpdate struct {
	Queues    map[string]*models.QueueStats `json:"queues"`
	Timestamp time.Time                     `json:"timestamp"`
}

// WebSocketHandler broadcasts task lifecycle, schema and queue depth events
// to connected clients. Events arrive through the event service; the handler
// never reads task state itself.
type WebSocketHandler struct {
	logger arbor.ILogger
	events interfaces.EventService
	bus    interfaces.Bus

	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex

	allowedEvents map[string]bool          // Whitelist of events to broadcast (empty = allow all)
	throttlers    map[string]*rate.Limiter // Rate limiters for high-frequency events

	// serverInstanceID changes on every startup; clients use it to detect a
	// server restart and clear stale state
	serverInstanceID string

	stopWatch chan struct{}
	stopOnce  sync.Once
}

// NewWebSocketHandler creates the handler, subscribes it to system events and
// starts the queue depth watcher
func NewWebSocketHandler(events interfaces.EventService, bus interfaces.Bus, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		events:           events,
		bus:              bus,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		allowedEvents:    make(map[string]bool),
		throttlers:       make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
		stopWatch:        make(chan struct{}),
	}

	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
		logger.Debug().Int("allowed_events", len(h.allowedEvents)).Msg("Event whitelist initialized")
	}

	if config != nil {
		for eventType, intervalStr := range config.ThrottleIntervals {
			duration, err := time.ParseDuration(intervalStr)
			if err != nil {
				logger.Warn().Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval, throttler skipped")
				continue
			}
			h.throttlers[eventType] = rate.NewLimiter(rate.Every(duration), 1)
			logger.Debug().
				Str("event_type", eventType).
				Str("interval", intervalStr).
				Msg("Throttler initialized for event type")
		}
	}

	if events != nil {
		h.subscribeAll()
	}
	if bus != nil {
		go h.watchQueues()
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// subscribeAll registers subscriptions for every broadcastable event type
func (h *WebSocketHandler) subscribeAll() {
	h.events.Subscribe(interfaces.EventTaskCreated, h.handleTaskLifecycle)
	h.events.Subscribe(interfaces.EventTaskStatusChanged, h.handleTaskLifecycle)
	h.events.Subscribe(interfaces.EventTaskProgress, h.handleTaskProgress)
	h.events.Subscribe(interfaces.EventSchemaUpdated, h.handleSchemaUpdated)
	h.events.Subscribe(interfaces.EventQueueStats, h.handleQueueStats)
	h.logger.Info().Msg("WebSocket handler subscribed to task, schema and queue events")
}

// Close stops the queue watcher and disconnects every client
func (h *WebSocketHandler) Close() error {
	h.stopOnce.Do(func() { close(h.stopWatch) })

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.clientMutex = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
	return nil
}

// HandleWebSocket handles GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.sendSnapshot(conn)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", remaining).Msg("WebSocket client disconnected")
	}()

	// Read loop keeps the connection alive; inbound frames are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			break
		}
	}
}

// sendSnapshot sends the initial status frame to a newly connected client
func (h *WebSocketHandler) sendSnapshot(conn *websocket.Conn) {
	payload := map[string]interface{}{
		"server_instance_id": h.serverInstanceID,
		"version":            common.GetVersion(),
		"timestamp":          time.Now().UTC(),
	}
	if h.bus != nil {
		if stats, err := h.bus.Stats(context.Background()); err == nil {
			payload["queues"] = stats
		}
	}

	data, err := json.Marshal(WSMessage{Type: "status", Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal status snapshot")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	mutex.Unlock()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send status snapshot")
	}
}

// broadcast fans one message out to every connected client
func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal broadcast message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

// shouldBroadcast checks the whitelist and the per-type rate limiter
func (h *WebSocketHandler) shouldBroadcast(eventType string) bool {
	if len(h.allowedEvents) > 0 && !h.allowedEvents[eventType] {
		return false
	}
	if limiter, ok := h.throttlers[eventType]; ok {
		if !limiter.Allow() {
			h.logger.Debug().Str("event_type", eventType).Msg("Event throttled")
			return false
		}
	}
	return true
}

func (h *WebSocketHandler) handleTaskLifecycle(ctx context.Context, event interfaces.Event) error {
	if !h.shouldBroadcast(string(event.Type)) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		h.logger.Warn().Str("event_type", string(event.Type)).Msg("Invalid task event payload type")
		return nil
	}

	h.broadcast(WSMessage{
		Type: string(event.Type),
		Payload: TaskStatusUpdate{
			TaskID:    getString(payload, "task_id"),
			SourceID:  getString(payload, "source_id"),
			SchemaID:  getString(payload, "schema_id"),
			Status:    getString(payload, "status"),
			Attempt:   getInt(payload, "attempt"),
			Timestamp: getTimestamp(payload),
		},
	})
	return nil
}

func (h *WebSocketHandler) handleTaskProgress(ctx context.Context, event interfaces.Event) error {
	if !h.shouldBroadcast(string(event.Type)) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		h.logger.Warn().Msg("Invalid task progress payload type")
		return nil
	}

	h.broadcast(WSMessage{
		Type: string(event.Type),
		Payload: TaskProgressUpdate{
			TaskID:    getString(payload, "task_id"),
			RunID:     getString(payload, "run_id"),
			Phase:     getString(payload, "phase"),
			WorkerID:  getString(payload, "worker_id"),
			Timestamp: time.Now().UTC(),
		},
	})
	return nil
}

func (h *WebSocketHandler) handleSchemaUpdated(ctx context.Context, event interfaces.Event) error {
	if !h.shouldBroadcast(string(event.Type)) {
		return nil
	}

	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		h.logger.Warn().Msg("Invalid schema event payload type")
		return nil
	}

	h.broadcast(WSMessage{
		Type: string(event.Type),
		Payload: SchemaUpdate{
			SchemaID:  getString(payload, "schema_id"),
			Version:   getInt(payload, "version"),
			Action:    getString(payload, "action"),
			Timestamp: time.Now().UTC(),
		},
	})
	return nil
}

func (h *WebSocketHandler) handleQueueStats(ctx context.Context, event interfaces.Event) error {
	if !h.shouldBroadcast(string(event.Type)) {
		return nil
	}

	update, ok := event.Payload.(QueueStatsUpdate)
	if !ok {
		h.logger.Warn().Msg("Invalid queue stats payload type")
		return nil
	}

	h.broadcast(WSMessage{Type: string(event.Type), Payload: update})
	return nil
}

// watchQueues polls bus depths and publishes a queue_stats event when they
// change. Publishing through the event service keeps one broadcast path and
// lets other subscribers observe depth changes too.
func (h *WebSocketHandler) watchQueues() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var last map[string]*models.QueueStats
	for {
		select {
		case <-h.stopWatch:
			return
		case <-ticker.C:
		}

		stats, err := h.bus.Stats(context.Background())
		if err != nil {
			h.logger.Warn().Err(err).Msg("Queue depth poll failed")
			continue
		}
		if !queueStatsChanged(last, stats) {
			continue
		}
		last = stats

		if h.events != nil {
			h.events.Publish(context.Background(), interfaces.Event{
				Type: interfaces.EventQueueStats,
				Payload: QueueStatsUpdate{
					Queues:    stats,
					Timestamp: time.Now().UTC(),
				},
			})
		}
	}
}

func queueStatsChanged(last, current map[string]*models.QueueStats) bool {
	if last == nil || len(last) != len(current) {
		return true
	}
	for name, stats := range current {
		prev, ok := last[name]
		if !ok || prev.Ready != stats.Ready || prev.InFlight != stats.InFlight || prev.Total != stats.Total {
			return true
		}
	}
	return false
}

func getString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func getInt(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// getTimestamp parses an RFC3339 timestamp from the payload, falling back to now
func getTimestamp(payload map[string]interface{}) time.Time {
	if ts, ok := payload["timestamp"].(time.Time); ok {
		return ts
	}
	if raw := getString(payload, "timestamp"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
