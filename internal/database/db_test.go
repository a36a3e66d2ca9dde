package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenDefaultsToSQLite(t *testing.T) {
	db, err := Open(Config{DSN: "file::memory:?_foreign_keys=1"})
	require.NoError(t, err)
	require.NotNil(t, db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestBuildPostgresDSN(t *testing.T) {
	dsn, err := buildPostgresDSN(Config{
		User:     "backplane",
		Password: "secret",
		Name:     "backplane",
		Host:     "db.internal",
		Port:     5433,
	})
	require.NoError(t, err)
	require.Contains(t, dsn, "host=db.internal")
	require.Contains(t, dsn, "port=5433")
	require.Contains(t, dsn, "sslmode=disable")

	_, err = buildPostgresDSN(Config{})
	require.Error(t, err)
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(Config{
		User: "backplane",
		Name: "backplane",
	})
	require.NoError(t, err)
	require.Contains(t, dsn, "backplane@tcp(127.0.0.1:3306)/backplane")
	require.Contains(t, dsn, "parseTime=True")
}
