package database

import (
	"path/filepath"
	"testing"

	"github.com/Cyvadra/broker-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func TestOpenMigratesSchema(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "sync.db"), "silent")
	require.NoError(t, err)

	for _, model := range []interface{}{&models.BrokerConnection{}, &models.SyncLog{}, &models.Trade{}} {
		assert.True(t, db.Migrator().HasTable(model))
	}
	assert.True(t, db.Migrator().HasIndex(&models.BrokerConnection{}, "idx_user_broker"))
	assert.True(t, db.Migrator().HasIndex(&models.BrokerConnection{}, "idx_due_sync"))
}

func TestInitDatabaseSetsGlobal(t *testing.T) {
	require.NoError(t, InitDatabase(filepath.Join(t.TempDir(), "global.db"), "silent"))
	assert.NotNil(t, GetDB())
}

func TestWithForeignKeys(t *testing.T) {
	assert.Equal(t, "a.db?_foreign_keys=on", withForeignKeys("a.db"))
	assert.Equal(t, "file::memory:?cache=shared&_foreign_keys=on", withForeignKeys("file::memory:?cache=shared"))
	assert.Equal(t, "a.db?_fk=1", withForeignKeys("a.db?_fk=1"))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logger.Info, parseLogLevel("INFO"))
	assert.Equal(t, logger.Warn, parseLogLevel(""))
	assert.Equal(t, logger.Silent, parseLogLevel("silent"))
}
