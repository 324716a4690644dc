package db

import (
	"testing"

	"contract-collab/internal/config"
	"contract-collab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGormSQLite(t *testing.T) {
	database, err := NewGorm(&config.Config{DBDriver: "sqlite", SQLitePath: ":memory:", DBLogLevel: "silent"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, Migrate(database.DB))
	assert.True(t, database.Migrator().HasTable(&models.Operation{}))
	assert.True(t, database.Migrator().HasTable(&models.ExternalAccessToken{}))

	require.NoError(t, Migrate(database.DB), "migrations are repeatable")
}
