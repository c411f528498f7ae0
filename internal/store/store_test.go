package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/liftlog/liftlog/internal/model"
)

// createTestDB opens a temporary database for testing.
func createTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(t *testing.T, et model.EntityType, id string) model.Record {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"notes": "hello"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return model.Record{
		Type:      et,
		ID:        id,
		UpdatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}

	for _, table := range []string{"records", "sync_queue", "sync_state"} {
		var name string
		err := db.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_CanReopenExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	rec := testRecord(t, model.EntitySessions, "s1")
	if err := db1.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer db2.Close()

	got, err := db2.Get(model.EntitySessions, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("record did not survive reopen")
	}
}

func TestPutAndGet(t *testing.T) {
	db := createTestDB(t)

	rec := testRecord(t, model.EntitySetLogs, "set-1")
	if err := db.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := db.Get(model.EntitySetLogs, "set-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.ID != "set-1" || got.Type != model.EntitySetLogs {
		t.Errorf("got %s/%s, want set_logs/set-1", got.Type, got.ID)
	}
	if string(got.Payload) != string(rec.Payload) {
		t.Errorf("payload mismatch: got %s, want %s", got.Payload, rec.Payload)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("updatedAt mismatch: got %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}
}

func TestGet_AbsentReturnsNil(t *testing.T) {
	db := createTestDB(t)

	got, err := db.Get(model.EntitySessions, "nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent record, got %+v", got)
	}
}

func TestPut_UpsertsExisting(t *testing.T) {
	db := createTestDB(t)

	rec := testRecord(t, model.EntitySessions, "s1")
	if err := db.Put(rec); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}

	rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	rec.Payload = json.RawMessage(`{"notes":"edited"}`)
	if err := db.Put(rec); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := db.Get(model.EntitySessions, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Payload) != `{"notes":"edited"}` {
		t.Errorf("expected updated payload, got %s", got.Payload)
	}

	recs, err := db.List(model.EntitySessions)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 record after upsert, got %d", len(recs))
	}
}

func TestDeleteTx_Tombstones(t *testing.T) {
	db := createTestDB(t)

	rec := testRecord(t, model.EntityWeightHistory, "w1")
	if err := db.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err := db.RunInTransaction(func(tx *sql.Tx) error {
		return DeleteTx(tx, model.EntityWeightHistory, "w1")
	})
	if err != nil {
		t.Fatalf("DeleteTx failed: %v", err)
	}

	// Tombstone remains visible via Get, hidden from List.
	got, err := db.Get(model.EntityWeightHistory, "w1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || !got.Deleted {
		t.Error("expected tombstoned record from Get")
	}
	if !got.UpdatedAt.After(rec.UpdatedAt) {
		t.Error("tombstone should carry a fresh updatedAt")
	}

	recs, err := db.List(model.EntityWeightHistory)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("List should hide tombstones, got %d records", len(recs))
	}
}

func TestDeleteTx_MissingRecord(t *testing.T) {
	db := createTestDB(t)

	err := db.RunInTransaction(func(tx *sql.Tx) error {
		return DeleteTx(tx, model.EntitySessions, "ghost")
	})
	if err == nil {
		t.Fatal("expected error deleting missing record")
	}
}

func TestList_OrderedByUpdatedAt(t *testing.T) {
	db := createTestDB(t)

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		rec := testRecord(t, model.EntitySetLogs, id)
		rec.UpdatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := db.Put(rec); err != nil {
			t.Fatalf("Put %s failed: %v", id, err)
		}
	}

	recs, err := db.List(model.EntitySetLogs)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	want := []string{"c", "a", "b"}
	for i, rec := range recs {
		if rec.ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, rec.ID, want[i])
		}
	}
}

func TestRunInTransaction_RollsBackOnError(t *testing.T) {
	db := createTestDB(t)

	boom := errors.New("boom")
	err := db.RunInTransaction(func(tx *sql.Tx) error {
		if err := PutTx(tx, testRecord(t, model.EntitySessions, "s1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := db.Get(model.EntitySessions, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("record should have been rolled back")
	}
}

func TestProfileExists(t *testing.T) {
	db := createTestDB(t)

	exists, err := db.ProfileExists()
	if err != nil {
		t.Fatalf("ProfileExists failed: %v", err)
	}
	if exists {
		t.Error("expected no profile in fresh database")
	}

	if err := db.Put(testRecord(t, model.EntityUserProfile, "p1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err = db.ProfileExists()
	if err != nil {
		t.Fatalf("ProfileExists failed: %v", err)
	}
	if !exists {
		t.Error("expected profile to exist")
	}

	// A tombstoned profile does not count.
	err = db.RunInTransaction(func(tx *sql.Tx) error {
		return DeleteTx(tx, model.EntityUserProfile, "p1")
	})
	if err != nil {
		t.Fatalf("DeleteTx failed: %v", err)
	}
	exists, err = db.ProfileExists()
	if err != nil {
		t.Fatalf("ProfileExists failed: %v", err)
	}
	if exists {
		t.Error("tombstoned profile should not count as existing")
	}
}

func TestReset_ClearsEverything(t *testing.T) {
	db := createTestDB(t)

	if err := db.Put(testRecord(t, model.EntitySessions, "s1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	_, err := db.conn.Exec(`
		INSERT INTO sync_queue (entity_type, entity_id, operation, payload, enqueued_at)
		VALUES ('sessions', 's1', 'create', '{}', '2026-05-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	_, err = db.conn.Exec(`
		INSERT INTO sync_state (entity_type, last_pulled_at)
		VALUES ('sessions', '2026-05-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("seed sync_state: %v", err)
	}

	if err := db.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	for _, table := range []string{"records", "sync_queue", "sync_state"} {
		var n int
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("table %s not cleared, %d rows remain", table, n)
		}
	}
}
