//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestEngineDB_MigrationsApplied(t *testing.T) {
	engineDB := GetEngineDB(t)
	ctx := context.Background()

	tables := []string{
		"accounts", "locations", "agreements",
		"activities", "notes", "uploads",
		"scraped_results", "change_log",
	}

	for _, table := range tables {
		var exists bool
		err := engineDB.DB.Pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to look up table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected table %s to exist after migrations", table)
		}
	}
}

func TestEngineDB_SharedAcrossCalls(t *testing.T) {
	first := GetEngineDB(t)
	second := GetEngineDB(t)
	if first != second {
		t.Error("expected GetEngineDB to return the shared instance")
	}
}
