package db

import (
	"context"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_create_file_metadata.up.sql")
	assert.Contains(t, names, "000001_create_file_metadata.down.sql")

	up, err := fs.ReadFile(migrationsFS, "migrations/000001_create_file_metadata.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "file_metadata")
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://%zz")
	assert.ErrorContains(t, err, "parse database url")
}

func TestOpen(t *testing.T) {
	url := os.Getenv("FILEDROP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FILEDROP_TEST_DATABASE_URL not set")
	}

	pool, err := Open(context.Background(), url)
	require.NoError(t, err)
	defer pool.Close()

	var name string
	require.NoError(t, pool.QueryRow(context.Background(), `SHOW application_name`).Scan(&name))
	assert.NotEmpty(t, name)

	// A second run finds nothing to apply.
	require.NoError(t, Migrate(url))
}
