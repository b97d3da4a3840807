package badger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// logSequence is a global counter to ensure unique log keys even within the same nanosecond
var logSequence uint64

// sortLogsDesc sorts logs newest first. Entries carry a composite Sequence
// key; FullTimestamp is the fallback for entries written before the key
// existed.
func sortLogsDesc(logs []models.JobLogEntry) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].Sequence != "" && logs[j].Sequence != "" {
			return logs[i].Sequence > logs[j].Sequence
		}
		return logs[i].FullTimestamp > logs[j].FullTimestamp
	})
}

// LogStorage implements the JobLogStorage interface for Badger
type LogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLogStorage creates a new LogStorage instance
func NewLogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobLogStorage {
	return &LogStorage{
		db:     db,
		logger: logger,
	}
}

func (s *LogStorage) AppendLog(ctx context.Context, jobID string, entry models.JobLogEntry) error {
	entry.JobIDField = jobID
	entry.Level = normalizeLevel(entry.Level)

	if entry.FullTimestamp == "" {
		now := time.Now()
		entry.FullTimestamp = now.Format(time.RFC3339Nano)
		entry.Timestamp = now.Format("15:04:05.000")
	}

	// Key combines timestamp and an atomic counter so logs written within
	// the same nanosecond still get unique keys
	seq := atomic.AddUint64(&logSequence, 1)
	now := time.Now().UnixNano()
	key := fmt.Sprintf("%s_%d_%d", jobID, now, seq)

	// Sequence is zero-padded so lexicographic order matches write order
	entry.Sequence = fmt.Sprintf("%019d_%010d", now, seq)

	if err := s.db.Store().Insert(key, &entry); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (s *LogStorage) AppendLogs(ctx context.Context, jobID string, entries []models.JobLogEntry) error {
	for _, entry := range entries {
		if err := s.AppendLog(ctx, jobID, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *LogStorage) GetLogs(ctx context.Context, jobID string, limit int) ([]models.JobLogEntry, error) {
	var logs []models.JobLogEntry
	if err := s.db.Store().Find(&logs, badgerhold.Where("JobIDField").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}

	// Sort in-memory, newest first, then apply the limit so the newest N
	// entries are returned
	sortLogsDesc(logs)
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *LogStorage) GetLogsByLevel(ctx context.Context, jobID string, level string, limit int) ([]models.JobLogEntry, error) {
	includedLevels := getLevelsAtOrAbove(normalizeLevel(level))

	// Query all logs for this job and filter by level in-memory
	// (badgerhold doesn't support IN queries easily)
	var allLogs []models.JobLogEntry
	if err := s.db.Store().Find(&allLogs, badgerhold.Where("JobIDField").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("failed to get logs by level: %w", err)
	}

	var logs []models.JobLogEntry
	for _, log := range allLogs {
		if _, ok := includedLevels[log.Level]; ok {
			logs = append(logs, log)
		}
	}

	sortLogsDesc(logs)
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *LogStorage) CountLogs(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.JobLogEntry{}, badgerhold.Where("JobIDField").Eq(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return int(count), nil
}

func (s *LogStorage) DeleteLogs(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.JobLogEntry{}, badgerhold.Where("JobIDField").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	return nil
}

// normalizeLevel converts API level names to the 3-letter codes used in storage
// API uses: "info", "warn", "error", "debug"
// Storage uses: "INF", "WRN", "ERR", "DBG"
func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "info", "inf":
		return "INF"
	case "warn", "warning", "wrn":
		return "WRN"
	case "error", "err":
		return "ERR"
	case "debug", "dbg":
		return "DBG"
	default:
		return strings.ToUpper(level)
	}
}

// getLevelsAtOrAbove returns a set of levels at or above the given level
// Level hierarchy: DBG < INF < WRN < ERR
func getLevelsAtOrAbove(level string) map[string]bool {
	switch level {
	case "ERR":
		return map[string]bool{"ERR": true}
	case "WRN":
		return map[string]bool{"WRN": true, "ERR": true}
	case "INF":
		return map[string]bool{"INF": true, "WRN": true, "ERR": true}
	case "DBG":
		return map[string]bool{"DBG": true, "INF": true, "WRN": true, "ERR": true}
	default:
		// Unknown levels and "all" include everything
		return map[string]bool{"DBG": true, "INF": true, "WRN": true, "ERR": true}
	}
}
