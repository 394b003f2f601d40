package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db        *BadgerDB
	task      interfaces.TaskStorage
	run       interfaces.RunStorage
	schema    interfaces.SchemaStorage
	scheduled interfaces.ScheduledTaskStorage
	logger    arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:        db,
		task:      NewTaskStorage(db, logger),
		run:       NewRunStorage(db, logger),
		schema:    NewSchemaStorage(db, logger),
		scheduled: NewScheduledTaskStorage(db, logger),
		logger:    logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// TaskStorage returns the Task storage interface
func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.task
}

// RunStorage returns the Run storage interface
func (m *Manager) RunStorage() interfaces.RunStorage {
	return m.run
}

// SchemaStorage returns the Schema storage interface
func (m *Manager) SchemaStorage() interfaces.SchemaStorage {
	return m.schema
}

// ScheduledTaskStorage returns the ScheduledTask storage interface
func (m *Manager) ScheduledTaskStorage() interfaces.ScheduledTaskStorage {
	return m.scheduled
}

// DB returns the underlying database connection. The message bus shares it
// through the raw badger handle.
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
