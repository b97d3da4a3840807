package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// gcInterval is how often the value-log garbage collector runs. Badger does
// not reclaim value-log space on its own; without this loop a long-lived
// archiver accumulates stale log entries and progress snapshots forever.
const gcInterval = 5 * time.Minute

// BadgerDB manages the Badger database connection
type BadgerDB struct {
	store     *badgerhold.Store
	logger    arbor.ILogger
	config    *common.BadgerConfig
	gcStop    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

// NewBadgerDB creates a new Badger database connection
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	// If reset_on_startup is enabled, delete the existing database
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	// Ensure the directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	db := &BadgerDB{
		store:  store,
		logger: logger,
		config: config,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	go db.runValueLogGC()

	return db, nil
}

// runValueLogGC periodically compacts the value log until there is nothing
// left to rewrite. Runs until Close.
func (b *BadgerDB) runValueLogGC() {
	defer close(b.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.gcStop:
			return
		case <-ticker.C:
			for {
				err := b.store.Badger().RunValueLogGC(0.5)
				if err == nil {
					continue // A file was rewritten, try for another
				}
				if !errors.Is(err, badgerdb.ErrNoRewrite) {
					b.logger.Warn().Err(err).Msg("Badger value log GC failed")
				}
				break
			}
		}
	}
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Close stops the GC loop and closes the database connection
func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	var err error
	b.closeOnce.Do(func() {
		close(b.gcStop)
		<-b.gcDone
		err = b.store.Close()
	})
	return err
}
