package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	job    interfaces.JobStorage
	jobLog interfaces.JobLogStorage
	kv     interfaces.KeyValueStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		job:    NewJobStorage(db, logger),
		jobLog: NewLogStorage(db, logger),
		kv:     NewKVStorage(db, logger),
		logger: logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// JobLogStorage returns the JobLog storage interface
func (m *Manager) JobLogStorage() interfaces.JobLogStorage {
	return m.jobLog
}

// KVStorage returns the KeyValue storage interface
func (m *Manager) KVStorage() interfaces.KeyValueStorage {
	return m.kv
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
