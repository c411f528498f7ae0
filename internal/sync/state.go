package sync

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/liftlog/liftlog/internal/model"
	"github.com/liftlog/liftlog/internal/store"
)

// State holds the persisted pull watermarks, one per entity type. The
// watermark is the timestamp boundary below which all remote changes are
// known to be locally applied.
//
// State is owned exclusively by the Coordinator; nothing else reads or
// writes the sync_state table.
type State struct {
	db *store.DB
}

// LoadState attaches to the sync_state table. Missing rows mean a zero
// watermark, so a fresh database pulls everything.
func LoadState(db *store.DB) *State {
	return &State{db: db}
}

// Watermark returns the last pulled timestamp for an entity type, or the
// zero time when the type has never been pulled.
func (s *State) Watermark(et model.EntityType) (time.Time, error) {
	var raw string
	err := s.db.Conn().QueryRow(
		`SELECT last_pulled_at FROM sync_state WHERE entity_type = ?`,
		string(et),
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark for %s: %w", et, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark for %s: %w", et, err)
	}
	return ts, nil
}

// SetWatermarkTx advances the watermark within the caller's transaction.
// The caller commits the pulled records in the same transaction, so the
// watermark can never run ahead of applied data.
func SetWatermarkTx(tx *sql.Tx, et model.EntityType, t time.Time) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO sync_state (entity_type, last_pulled_at)
		VALUES (?, ?)`,
		string(et), t.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set watermark for %s: %w", et, err)
	}
	return nil
}
