// -----------------------------------------------------------------------
// WebSocket Handler - live progress, lifecycle, and log stream for UI clients
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/ternarybob/arca/internal/services/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// StatusSource supplies live application status for the periodic broadcaster.
type StatusSource interface {
	GetStatus() map[string]interface{}
}

type WebSocketHandler struct {
	logger             arbor.ILogger
	clients            map[*websocket.Conn]bool
	clientMutex        map[*websocket.Conn]*sync.Mutex
	clientJobs         map[*websocket.Conn]map[string]bool // Per-client job filter; absent = all jobs
	mu                 sync.RWMutex
	statusSource       StatusSource
	progressAggregator *events.ProgressAggregator
	serverInstanceID   string // Unique ID generated on startup - clients use to detect server restart
}

// NewWebSocketHandler creates the connection registry and the progress
// aggregator that batches high-frequency snapshots before broadcast.
func NewWebSocketHandler(logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		clientJobs:       make(map[*websocket.Conn]map[string]bool),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	// The engine emits one snapshot per processed URL; the aggregator keeps
	// only the newest per job and flushes on an interval. The interval comes
	// from the job.progress throttle setting.
	flushInterval := time.Second
	if config != nil {
		if intervalStr, ok := config.ThrottleIntervals[string(interfaces.EventJobProgress)]; ok {
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				flushInterval = duration
			} else {
				logger.Warn().
					Err(err).
					Str("interval", intervalStr).
					Msg("Failed to parse job.progress throttle interval - using default")
			}
		}
	}

	h.progressAggregator = events.NewProgressAggregator(flushInterval, h.flushJobProgress, logger)
	h.progressAggregator.StartPeriodicFlush(context.Background())

	logger.Debug().
		Dur("flush_interval", flushInterval).
		Msg("Progress aggregator initialized for WebSocket broadcasts")

	return h
}

// SetStatusSource wires the application status service into status broadcasts.
func (h *WebSocketHandler) SetStatusSource(source StatusSource) {
	h.statusSource = source
}

// Message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// JobProgressUpdate carries an aggregated crawl snapshot for one job.
type JobProgressUpdate struct {
	JobID     string                `json:"job_id"`
	Progress  *models.CrawlProgress `json:"progress"`
	Timestamp time.Time             `json:"timestamp"`
}

// JobStatusUpdate announces a job lifecycle transition.
type JobStatusUpdate struct {
	JobID           string    `json:"job_id"`
	Status          string    `json:"status"`
	PagesArchived   int       `json:"pages_archived,omitempty"`
	AssetsArchived  int       `json:"assets_archived,omitempty"`
	BytesDownloaded int64     `json:"bytes_downloaded,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// JobLogUpdate streams a single job log line to clients.
type JobLogUpdate struct {
	JobID     string            `json:"job_id"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AppStatusUpdate announces an application state change.
type AppStatusUpdate struct {
	State      string    `json:"state"`
	ActiveJobs []string  `json:"active_jobs"`
	Timestamp  time.Time `json:"timestamp"`
}

// LogEntry is the wire shape of a service log line sent to UI clients.
type LogEntry struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// wsClientMessage is the inbound frame clients send to scope their stream to
// specific jobs. Non-matching frames are ignored.
type wsClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	JobID  string `json:"job_id"`
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", len(h.clients))

	// Send initial status
	h.sendStatus(conn)

	// Handle client disconnection
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		delete(h.clientJobs, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", clientCount)
	}()

	// Read loop: keeps the connection alive and handles job subscription
	// frames. Clients that never subscribe receive every job's messages.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.subscribeJob(conn, msg.JobID)
		case "unsubscribe":
			h.unsubscribeJob(conn, msg.JobID)
		}
	}
}

// subscribeJob narrows a client's job-scoped stream to the jobs it names.
// The first subscription switches the client from all-jobs to filtered mode.
func (h *WebSocketHandler) subscribeJob(conn *websocket.Conn, jobID string) {
	if jobID == "" {
		return
	}
	h.mu.Lock()
	if h.clientJobs[conn] == nil {
		h.clientJobs[conn] = make(map[string]bool)
	}
	h.clientJobs[conn][jobID] = true
	h.mu.Unlock()

	h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client subscribed to job")
}

// unsubscribeJob removes one job from a client's filter. Dropping the last
// subscription returns the client to all-jobs mode.
func (h *WebSocketHandler) unsubscribeJob(conn *websocket.Conn, jobID string) {
	h.mu.Lock()
	if jobs := h.clientJobs[conn]; jobs != nil {
		delete(jobs, jobID)
		if len(jobs) == 0 {
			delete(h.clientJobs, conn)
		}
	}
	h.mu.Unlock()

	h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client unsubscribed from job")
}

// currentStatus assembles the status payload sent on connect and on the
// periodic broadcast.
func (h *WebSocketHandler) currentStatus() map[string]interface{} {
	status := map[string]interface{}{
		"service":          "ONLINE",
		"database":         "CONNECTED",
		"state":            "idle",
		"serverInstanceId": h.serverInstanceID,
	}
	if h.statusSource != nil {
		for key, value := range h.statusSource.GetStatus() {
			status[key] = value
		}
	}
	return status
}

// sendStatus sends current status to a specific client
func (h *WebSocketHandler) sendStatus(conn *websocket.Conn) {
	msg := WSMessage{
		Type:    "status",
		Payload: h.currentStatus(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal initial status")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex != nil {
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send initial status")
		}
	}
}

// BroadcastStatus sends the current status to all connected clients
func (h *WebSocketHandler) BroadcastStatus() {
	h.broadcast(WSMessage{
		Type:    "status",
		Payload: h.currentStatus(),
	})
}

// StartStatusBroadcaster starts periodic status updates
func (h *WebSocketHandler) StartStatusBroadcaster() {
	ticker := time.NewTicker(5 * time.Second)

	go func() {
		for range ticker.C {
			h.mu.RLock()
			clientCount := len(h.clients)
			h.mu.RUnlock()

			if clientCount > 0 {
				h.BroadcastStatus()
			}
		}
	}()
}

// RecordProgress feeds a crawl snapshot into the aggregator. Terminal
// snapshots broadcast immediately; the rest wait for the periodic flush.
func (h *WebSocketHandler) RecordProgress(ctx context.Context, jobID string, progress *models.CrawlProgress) {
	h.progressAggregator.Record(ctx, jobID, progress)
}

// CleanupJob drops aggregator state for a finished job.
func (h *WebSocketHandler) CleanupJob(jobID string) {
	h.progressAggregator.Cleanup(jobID)
}

// flushJobProgress is the aggregator callback that performs the broadcast.
func (h *WebSocketHandler) flushJobProgress(ctx context.Context, jobID string, progress *models.CrawlProgress) {
	h.BroadcastJobProgress(JobProgressUpdate{
		JobID:     jobID,
		Progress:  progress,
		Timestamp: time.Now(),
	})
}

// BroadcastJobProgress sends a crawl progress snapshot to clients following
// the job
func (h *WebSocketHandler) BroadcastJobProgress(update JobProgressUpdate) {
	h.broadcastFiltered(WSMessage{
		Type:    "job_progress",
		Payload: update,
	}, update.JobID)
}

// BroadcastJobStatusChange sends job lifecycle events to clients following
// the job
func (h *WebSocketHandler) BroadcastJobStatusChange(update JobStatusUpdate) {
	h.broadcastFiltered(WSMessage{
		Type:    "job_status_change",
		Payload: update,
	}, update.JobID)
}

// BroadcastJobLog streams a job log line to clients following the job
func (h *WebSocketHandler) BroadcastJobLog(update JobLogUpdate) {
	h.broadcastFiltered(WSMessage{
		Type:    "job_log",
		Payload: update,
	}, update.JobID)
}

// BroadcastAppStatus sends application state changes to all connected clients
func (h *WebSocketHandler) BroadcastAppStatus(update AppStatusUpdate) {
	h.broadcast(WSMessage{
		Type:    "app_status",
		Payload: update,
	})
}

// BroadcastLog sends a service log line to all connected clients. Called by
// the arbor WebSocket writer, so it must never log through arbor itself on
// the success path or it would feed back into the writer.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	h.broadcast(WSMessage{
		Type:    "log",
		Payload: entry,
	})
}

// broadcast writes a message to every connected client.
func (h *WebSocketHandler) broadcast(msg WSMessage) {
	h.broadcastFiltered(msg, "")
}

// broadcastFiltered marshals a message once and writes it to every client
// whose job filter admits jobID. An empty jobID, or a client that never
// subscribed, bypasses the filter. Each connection has its own write mutex;
// gorilla allows only one concurrent writer per connection.
func (h *WebSocketHandler) broadcastFiltered(msg WSMessage, jobID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		if jobID != "" {
			if jobs := h.clientJobs[conn]; jobs != nil && !jobs[jobID] {
				continue
			}
		}
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

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetRecentLogsHandler returns recent service logs as JSON
func (h *WebSocketHandler) GetRecentLogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	// Get recent logs from memory writer
	memWriter := arbor.GetRegisteredMemoryWriter(arbor.WRITER_MEMORY)
	var logs []LogEntry

	if memWriter != nil {
		entries, err := memWriter.GetEntriesWithLimit(100)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to get log entries")
			http.Error(w, "Failed to retrieve logs", http.StatusInternalServerError)
			return
		}

		// Extract and sort keys for deterministic ordering
		// Map keys are timestamps like "2025-01-01T12:00:00.000Z" - sorting gives chronological order
		keys := make([]string, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		// Parse and filter logs in sorted order (oldest first)
		for _, key := range keys {
			logLine := entries[key]
			// Skip internal handler logs
			if strings.Contains(logLine, "WebSocket client connected") ||
				strings.Contains(logLine, "WebSocket client disconnected") ||
				strings.Contains(logLine, "HTTP request") ||
				strings.Contains(logLine, "HTTP response") ||
				strings.Contains(logLine, "Publishing event") {
				continue
			}

			// Parse log line
			parts := strings.SplitN(logLine, "|", 3)
			if len(parts) != 3 {
				continue
			}

			levelStr := strings.TrimSpace(parts[0])
			dateTime := strings.TrimSpace(parts[1])
			messageWithFields := strings.TrimSpace(parts[2])

			// Parse timestamp from "Oct  2 16:27:13" format
			timeParts := strings.Fields(dateTime)
			var timestamp string
			if len(timeParts) >= 3 {
				timestamp = timeParts[len(timeParts)-1]
			} else {
				timestamp = time.Now().Format("15:04:05")
			}

			// Map level to 3-letter format for consistency
			level := "INF" // Default
			switch levelStr {
			case "ERR", "ERROR", "FATAL", "PANIC":
				level = "ERR"
			case "WRN", "WARN":
				level = "WRN"
			case "INF", "INFO":
				level = "INF"
			case "DBG", "DEBUG":
				level = "DBG"
			}

			entry := LogEntry{
				Index:     len(logs), // Assign index based on insertion order from memory writer
				Timestamp: timestamp,
				Level:     level,
				Message:   messageWithFields,
			}

			logs = append(logs, entry)
		}
	}

	// Return empty array if no logs
	if logs == nil {
		logs = []LogEntry{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// Helper functions for safe type conversion from map[string]interface{}
func getString(m map[string]interface{}, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getStringSlice(m map[string]interface{}, key string) []string {
	if val, ok := m[key]; ok {
		// Try to convert from []interface{} (JSON arrays)
		if arr, ok := val.([]interface{}); ok {
			result := make([]string, 0, len(arr))
			for _, item := range arr {
				if str, ok := item.(string); ok {
					result = append(result, str)
				}
			}
			return result
		}
		// Try direct []string type assertion
		if arr, ok := val.([]string); ok {
			return arr
		}
	}
	return []string{}
}

func getTime(m map[string]interface{}, key string) time.Time {
	if val, ok := m[key]; ok {
		switch v := val.(type) {
		case time.Time:
			return v
		case string:
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts
			}
		}
	}
	return time.Now()
}
