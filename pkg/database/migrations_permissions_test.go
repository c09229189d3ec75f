//go:build integration

package database_test

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/accounts-engine/pkg/database"
	"github.com/ekaya-inc/accounts-engine/pkg/testhelpers"
)

// scratchDatabase creates an empty database owned by the shared container and
// a login role for it. grantSchema controls whether the role may create
// tables in the public schema.
func scratchDatabase(t *testing.T, name string, grantSchema bool) string {
	t.Helper()
	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()
	pool := engineDB.DB.Pool
	user := name + "_user"
	password := "test_password"

	_, _ = pool.Exec(ctx, "DROP DATABASE IF EXISTS "+name)
	_, _ = pool.Exec(ctx, "DROP USER IF EXISTS "+user)

	_, err := pool.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "CREATE USER "+user+" WITH PASSWORD '"+password+"'")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "GRANT CONNECT ON DATABASE "+name+" TO "+user)
	require.NoError(t, err)

	host, err := engineDB.Container.Host(ctx)
	require.NoError(t, err)
	port, err := engineDB.Container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	addr := net.JoinHostPort(host, port.Port())

	if grantSchema {
		superDB, err := sql.Open("pgx", fmt.Sprintf("postgres://accounts:test_password@%s/%s?sslmode=disable", addr, name))
		require.NoError(t, err)
		_, err = superDB.Exec("GRANT ALL ON SCHEMA public TO " + user)
		superDB.Close()
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `
			SELECT pg_terminate_backend(pid)
			FROM pg_stat_activity
			WHERE datname = $1 AND pid <> pg_backend_pid()`, name)
		time.Sleep(100 * time.Millisecond)
		_, _ = pool.Exec(ctx, "DROP DATABASE IF EXISTS "+name)
		_, _ = pool.Exec(ctx, "DROP USER IF EXISTS "+user)
	})

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, addr, name)
}

func runMigrationsWithin(t *testing.T, db *sql.DB, limit time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- database.RunMigrations(db, zap.NewNop()) }()

	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("migrations did not finish within %s", limit)
		return nil
	}
}

func Test_Migrations_InsufficientPermissions(t *testing.T) {
	connStr := scratchDatabase(t, "migrate_no_schema", false)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	_, err = db.Exec("CREATE TABLE probe (id int)")
	require.Error(t, err, "role should not be able to create tables")

	err = runMigrationsWithin(t, db, 30*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func Test_Migrations_UpVersionDown(t *testing.T) {
	connStr := scratchDatabase(t, "migrate_round_trip", true)
	logger := zap.NewNop()

	open := func() *sql.DB {
		db, err := sql.Open("pgx", connStr)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}

	require.NoError(t, runMigrationsWithin(t, open(), 60*time.Second))

	version, dirty, err := database.MigrationVersion(open(), logger)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 4, version)

	tableExists := func(name string) bool {
		var exists bool
		err := open().QueryRow(`
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, name).Scan(&exists)
		require.NoError(t, err)
		return exists
	}
	assert.True(t, tableExists("change_log"))

	require.NoError(t, database.RollbackMigrations(open(), 1, logger))
	assert.False(t, tableExists("change_log"))
	assert.True(t, tableExists("scraped_results"))

	// Re-applying is a no-op once current.
	require.NoError(t, runMigrationsWithin(t, open(), 60*time.Second))
	require.NoError(t, runMigrationsWithin(t, open(), 60*time.Second))
	assert.True(t, tableExists("change_log"))
}
