package sync

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/liftlog/liftlog/internal/model"
	"github.com/liftlog/liftlog/internal/store"
)

func TestWatermark_ZeroForUnknownType(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	wm, err := LoadState(db).Watermark(model.EntitySetLogs)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if !wm.IsZero() {
		t.Errorf("expected zero watermark for fresh database, got %v", wm)
	}
}

func TestSetWatermarkTx_RoundTrip(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ts := time.Date(2026, 5, 1, 8, 30, 15, 123456789, time.UTC)
	err = db.RunInTransaction(func(tx *sql.Tx) error {
		return SetWatermarkTx(tx, model.EntitySetLogs, ts)
	})
	if err != nil {
		t.Fatalf("SetWatermarkTx failed: %v", err)
	}

	wm, err := LoadState(db).Watermark(model.EntitySetLogs)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if !wm.Equal(ts) {
		t.Errorf("watermark = %v, want %v (nanosecond precision must survive)", wm, ts)
	}

	// Watermarks are per entity type.
	other, err := LoadState(db).Watermark(model.EntitySessions)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if !other.IsZero() {
		t.Errorf("unrelated entity type has watermark %v", other)
	}
}

func TestSetWatermarkTx_Overwrites(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	first := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	for _, ts := range []time.Time{first, second} {
		err = db.RunInTransaction(func(tx *sql.Tx) error {
			return SetWatermarkTx(tx, model.EntitySessions, ts)
		})
		if err != nil {
			t.Fatalf("SetWatermarkTx failed: %v", err)
		}
	}

	wm, err := LoadState(db).Watermark(model.EntitySessions)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if !wm.Equal(second) {
		t.Errorf("watermark = %v, want %v", wm, second)
	}
}
