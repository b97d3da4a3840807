package handlers

import (
	"strings"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	"github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"

	"github.com/ternarybob/arca/internal/common"
)

// wsLogBufferSize bounds the queue between the logger and the broadcast
// loop; past it, frames drop rather than block the logger.
const wsLogBufferSize = 1000

// defaultLogExcludes suppresses the chatter the websocket transport itself
// produces; echoing it back to clients would feed the loop.
var defaultLogExcludes = []string{
	"WebSocket client connected",
	"WebSocket client disconnected",
	"HTTP request",
	"Publishing event",
}

// WebSocketWriter adapts the arbor logger to the websocket hub: log events
// pass a level gate and a message filter, then broadcast as log frames.
type WebSocketWriter struct {
	handler         *WebSocketHandler
	writer          writers.IChannelWriter
	config          models.WriterConfiguration
	minLevel        levels.LogLevel
	excludePatterns []string
}

// NewWebSocketWriter builds the writer on arbor's channel-writer plumbing
// and starts its drain loop.
func NewWebSocketWriter(handler *WebSocketHandler, config models.WriterConfiguration, wsConfig *common.WebSocketConfig) (*WebSocketWriter, error) {
	w := &WebSocketWriter{
		handler:         handler,
		config:          config,
		minLevel:        levels.InfoLevel,
		excludePatterns: defaultLogExcludes,
	}
	if wsConfig != nil {
		w.minLevel = parseLogLevel(wsConfig.MinLevel)
		if len(wsConfig.ExcludePatterns) > 0 {
			w.excludePatterns = wsConfig.ExcludePatterns
		}
	}

	cw, err := writers.NewChannelWriter(config, wsLogBufferSize, w.process)
	if err != nil {
		return nil, err
	}
	cw.Start()

	w.writer = cw
	return w, nil
}

// process filters one log event and broadcasts it to connected clients.
func (w *WebSocketWriter) process(entry models.LogEvent) error {
	level := plogToArborLevel(entry.Level)
	if level < w.minLevel {
		return nil
	}
	for _, pattern := range w.excludePatterns {
		if strings.Contains(entry.Message, pattern) {
			return nil
		}
	}

	w.handler.BroadcastLog(LogEntry{
		Timestamp: entry.Timestamp.Format("15:04:05"),
		Level:     mapLevel(level),
		Message:   entry.Message,
	})
	return nil
}

// plogToArborLevel converts phuslu/log.Level to arbor levels.LogLevel
func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// parseLogLevel converts a config level string to arbor levels.LogLevel
func parseLogLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// mapLevel maps arbor log levels to the strings the UI expects
func mapLevel(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}

// Write implements writers.IWriter by delegating to the channel writer.
func (w *WebSocketWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

// WithLevel updates the broadcast level gate and returns self.
func (w *WebSocketWriter) WithLevel(level plog.Level) writers.IWriter {
	w.minLevel = plogToArborLevel(level)
	return w
}

// GetFilePath implements writers.IWriter; this writer has no backing file.
func (w *WebSocketWriter) GetFilePath() string {
	return ""
}

// Close drains the buffer and stops the channel writer.
func (w *WebSocketWriter) Close() error {
	return w.writer.Close()
}
