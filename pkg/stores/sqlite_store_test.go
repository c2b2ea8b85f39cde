package stores

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteConfig{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

// TestSQLiteLifecycle tests database initialization and closure
func TestSQLiteLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(SQLiteConfig{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestSQLiteMigrations tests that migrations create the expected tables
func TestSQLiteMigrations(t *testing.T) {
	store := setupTestStore(t)

	ctx := context.Background()

	tables := []string{"records", "set_members", "scored_members", "list_members", "kv"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSQLiteBackend(t *testing.T) {
	runBackendTests(t, func(t *testing.T) Backend {
		return setupTestStore(t)
	})
}

// runBackendTests exercises the Backend contract. Both store
// implementations must pass it unchanged.
func runBackendTests(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("RecordFields", func(t *testing.T) {
		store := newBackend(t)

		exists, err := store.RecordExists(ctx, "pipeline:abc")
		if err != nil {
			t.Fatalf("failed to check record: %v", err)
		}
		if exists {
			t.Error("expected record to be absent")
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.SetRecordFields("pipeline:abc", map[string]string{
				"application": "helloworld",
				"status":      "RUNNING",
			})
		})
		if err != nil {
			t.Fatalf("failed to set record fields: %v", err)
		}

		exists, err = store.RecordExists(ctx, "pipeline:abc")
		if err != nil {
			t.Fatalf("failed to check record: %v", err)
		}
		if !exists {
			t.Error("expected record to exist")
		}

		record, err := store.GetRecord(ctx, "pipeline:abc")
		if err != nil {
			t.Fatalf("failed to get record: %v", err)
		}
		if len(record) != 2 {
			t.Errorf("expected 2 fields, got %d", len(record))
		}
		if record["application"] != "helloworld" {
			t.Errorf("expected application helloworld, got %q", record["application"])
		}

		status, err := store.GetRecordField(ctx, "pipeline:abc", "status")
		if err != nil {
			t.Fatalf("failed to get record field: %v", err)
		}
		if status != "RUNNING" {
			t.Errorf("expected status RUNNING, got %q", status)
		}

		// Overwrite keeps a single value per field.
		err = store.Update(ctx, func(tx Tx) error {
			return tx.SetRecordFields("pipeline:abc", map[string]string{"status": "SUCCEEDED"})
		})
		if err != nil {
			t.Fatalf("failed to overwrite field: %v", err)
		}
		status, err = store.GetRecordField(ctx, "pipeline:abc", "status")
		if err != nil {
			t.Fatalf("failed to get record field: %v", err)
		}
		if status != "SUCCEEDED" {
			t.Errorf("expected status SUCCEEDED, got %q", status)
		}
	})

	t.Run("RecordFieldNotFound", func(t *testing.T) {
		store := newBackend(t)

		_, err := store.GetRecordField(ctx, "pipeline:missing", "status")
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("DeleteRecordFields", func(t *testing.T) {
		store := newBackend(t)

		err := store.Update(ctx, func(tx Tx) error {
			return tx.SetRecordFields("pipeline:del", map[string]string{
				"a": "1", "b": "2", "c": "3",
			})
		})
		if err != nil {
			t.Fatalf("failed to set record fields: %v", err)
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.DeleteRecordFields("pipeline:del", "a", "c")
		})
		if err != nil {
			t.Fatalf("failed to delete fields: %v", err)
		}

		record, err := store.GetRecord(ctx, "pipeline:del")
		if err != nil {
			t.Fatalf("failed to get record: %v", err)
		}
		if len(record) != 1 || record["b"] != "2" {
			t.Errorf("expected only field b, got %v", record)
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.DeleteRecord("pipeline:del")
		})
		if err != nil {
			t.Fatalf("failed to delete record: %v", err)
		}

		exists, err := store.RecordExists(ctx, "pipeline:del")
		if err != nil {
			t.Fatalf("failed to check record: %v", err)
		}
		if exists {
			t.Error("expected record to be deleted")
		}
	})

	t.Run("Sets", func(t *testing.T) {
		store := newBackend(t)

		err := store.Update(ctx, func(tx Tx) error {
			return tx.SetAdd("allJobs:pipeline", "id-1", "id-2", "id-1")
		})
		if err != nil {
			t.Fatalf("failed to add members: %v", err)
		}

		members, err := store.SetMembers(ctx, "allJobs:pipeline")
		if err != nil {
			t.Fatalf("failed to get members: %v", err)
		}
		if len(members) != 2 {
			t.Errorf("expected 2 members, got %v", members)
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.SetRemove("allJobs:pipeline", "id-1")
		})
		if err != nil {
			t.Fatalf("failed to remove member: %v", err)
		}

		members, err = store.SetMembers(ctx, "allJobs:pipeline")
		if err != nil {
			t.Fatalf("failed to get members: %v", err)
		}
		if len(members) != 1 || members[0] != "id-2" {
			t.Errorf("expected [id-2], got %v", members)
		}
	})

	t.Run("ScoredIndex", func(t *testing.T) {
		store := newBackend(t)

		err := store.Update(ctx, func(tx Tx) error {
			for i, member := range []string{"old", "mid", "new"} {
				if err := tx.IndexAdd("pipeline:executions:cfg", member, float64(i*100)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("failed to add index members: %v", err)
		}

		ascending, err := store.IndexMembers(ctx, "pipeline:executions:cfg", false)
		if err != nil {
			t.Fatalf("failed to get index members: %v", err)
		}
		if fmt.Sprint(ascending) != "[old mid new]" {
			t.Errorf("expected ascending [old mid new], got %v", ascending)
		}

		descending, err := store.IndexMembers(ctx, "pipeline:executions:cfg", true)
		if err != nil {
			t.Fatalf("failed to get index members: %v", err)
		}
		if fmt.Sprint(descending) != "[new mid old]" {
			t.Errorf("expected descending [new mid old], got %v", descending)
		}

		// Re-adding with a new score moves the member.
		err = store.Update(ctx, func(tx Tx) error {
			return tx.IndexAdd("pipeline:executions:cfg", "old", 500)
		})
		if err != nil {
			t.Fatalf("failed to rescore member: %v", err)
		}
		ascending, err = store.IndexMembers(ctx, "pipeline:executions:cfg", false)
		if err != nil {
			t.Fatalf("failed to get index members: %v", err)
		}
		if ascending[len(ascending)-1] != "old" {
			t.Errorf("expected old to sort last after rescore, got %v", ascending)
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.IndexRemove("pipeline:executions:cfg", "mid")
		})
		if err != nil {
			t.Fatalf("failed to remove index member: %v", err)
		}
		ascending, err = store.IndexMembers(ctx, "pipeline:executions:cfg", false)
		if err != nil {
			t.Fatalf("failed to get index members: %v", err)
		}
		if len(ascending) != 2 {
			t.Errorf("expected 2 members after removal, got %v", ascending)
		}
	})

	t.Run("Lists", func(t *testing.T) {
		store := newBackend(t)

		err := store.Update(ctx, func(tx Tx) error {
			return tx.ListReplace("pipeline:x:stageIndex", []string{"a", "b", "c"})
		})
		if err != nil {
			t.Fatalf("failed to replace list: %v", err)
		}

		members, err := store.ListMembers(ctx, "pipeline:x:stageIndex")
		if err != nil {
			t.Fatalf("failed to get list members: %v", err)
		}
		if fmt.Sprint(members) != "[a b c]" {
			t.Errorf("expected [a b c], got %v", members)
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.ListInsert("pipeline:x:stageIndex", "b", "before-b", true)
		})
		if err != nil {
			t.Fatalf("failed to insert before pivot: %v", err)
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.ListInsert("pipeline:x:stageIndex", "b", "after-b", false)
		})
		if err != nil {
			t.Fatalf("failed to insert after pivot: %v", err)
		}

		members, err = store.ListMembers(ctx, "pipeline:x:stageIndex")
		if err != nil {
			t.Fatalf("failed to get list members: %v", err)
		}
		if fmt.Sprint(members) != "[a before-b b after-b c]" {
			t.Errorf("expected [a before-b b after-b c], got %v", members)
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.ListRemove("pipeline:x:stageIndex", "b")
		})
		if err != nil {
			t.Fatalf("failed to remove list member: %v", err)
		}

		members, err = store.ListMembers(ctx, "pipeline:x:stageIndex")
		if err != nil {
			t.Fatalf("failed to get list members: %v", err)
		}
		if fmt.Sprint(members) != "[a before-b after-b c]" {
			t.Errorf("expected [a before-b after-b c], got %v", members)
		}
	})

	t.Run("ListInsertMissingPivot", func(t *testing.T) {
		store := newBackend(t)

		err := store.Update(ctx, func(tx Tx) error {
			if err := tx.ListReplace("pipeline:y:stageIndex", []string{"a"}); err != nil {
				return err
			}
			return tx.ListInsert("pipeline:y:stageIndex", "missing", "new", true)
		})
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound for missing pivot, got %v", err)
		}
	})

	t.Run("KV", func(t *testing.T) {
		store := newBackend(t)

		err := store.Update(ctx, func(tx Tx) error {
			return tx.Put("correlation:deploy-1", "pipeline:abc")
		})
		if err != nil {
			t.Fatalf("failed to put value: %v", err)
		}

		value, err := store.Get(ctx, "correlation:deploy-1")
		if err != nil {
			t.Fatalf("failed to get value: %v", err)
		}
		if value != "pipeline:abc" {
			t.Errorf("expected pipeline:abc, got %q", value)
		}

		err = store.Update(ctx, func(tx Tx) error {
			return tx.Delete("correlation:deploy-1")
		})
		if err != nil {
			t.Fatalf("failed to delete value: %v", err)
		}

		_, err = store.Get(ctx, "correlation:deploy-1")
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
		}
	})

	t.Run("UpdateRollsBackOnError", func(t *testing.T) {
		store := newBackend(t)

		wantErr := errors.New("boom")
		err := store.Update(ctx, func(tx Tx) error {
			if err := tx.Put("rollback:key", "value"); err != nil {
				return err
			}
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("expected callback error, got %v", err)
		}

		_, err = store.Get(ctx, "rollback:key")
		if !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("expected write to roll back, got %v", err)
		}
	})
}
