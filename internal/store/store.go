// Package store provides the SQLite-backed local durable store.
//
// All domain records, the outbound sync queue, and the sync watermarks live
// in one database file so a record write and its queue append can share a
// single transaction.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/liftlog/liftlog/internal/model"
)

// DB is the local durable store.
type DB struct {
	path string
	conn *sql.DB
}

// createRecordsSQL defines the schema for committed domain records.
const createRecordsSQL = `
CREATE TABLE IF NOT EXISTS records (
    entity_type TEXT NOT NULL,
    id          TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    deleted     INTEGER NOT NULL DEFAULT 0,
    payload     TEXT,
    PRIMARY KEY (entity_type, id)
);
`

// createQueueSQL defines the schema for the outbound sync queue.
// sequence assignment at insert time defines FIFO push order.
const createQueueSQL = `
CREATE TABLE IF NOT EXISTS sync_queue (
    sequence    INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    operation   TEXT NOT NULL,
    payload     TEXT NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'pending',
    last_error  TEXT,
    enqueued_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id);
`

// createSyncStateSQL defines the per-entity-type pull watermarks.
const createSyncStateSQL = `
CREATE TABLE IF NOT EXISTS sync_state (
    entity_type    TEXT PRIMARY KEY,
    last_pulled_at TEXT NOT NULL
);
`

// Open creates or opens the database at path and initializes the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports a single writer; one connection avoids
	// "database is locked" errors when the monitor fires mid-write.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, stmt := range []string{createRecordsSQL, createQueueSQL, createSyncStateSQL} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &DB{path: path, conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn exposes the underlying connection for the queue manager and sync
// state, which share this database.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// RunInTransaction runs fn inside a transaction, committing on nil return
// and rolling back otherwise. This is the atomicity boundary for the
// record-write-plus-queue-append pairing: if either fails, neither lands.
func (db *DB) RunInTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// PutTx upserts a record within an existing transaction.
func PutTx(tx *sql.Tx, rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	deleted := 0
	if rec.Deleted {
		deleted = 1
	}

	_, err := tx.Exec(`
		INSERT OR REPLACE INTO records (entity_type, id, updated_at, deleted, payload)
		VALUES (?, ?, ?, ?, ?)`,
		string(rec.Type),
		rec.ID,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		deleted,
		string(rec.Payload),
	)
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", rec.Type, rec.ID, err)
	}
	return nil
}

// Put upserts a record in its own transaction.
func (db *DB) Put(rec model.Record) error {
	return db.RunInTransaction(func(tx *sql.Tx) error {
		return PutTx(tx, rec)
	})
}

// DeleteTx marks a record as deleted within an existing transaction.
// A tombstone is kept so the deletion can still win or lose conflicts.
func DeleteTx(tx *sql.Tx, et model.EntityType, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.Exec(`
		UPDATE records SET deleted = 1, updated_at = ?
		WHERE entity_type = ? AND id = ?`,
		now, string(et), id,
	)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", et, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no record found for %s/%s", et, id)
	}
	return nil
}

// Get retrieves a record by type and id. Returns nil when absent.
func (db *DB) Get(et model.EntityType, id string) (*model.Record, error) {
	row := db.conn.QueryRow(`
		SELECT entity_type, id, updated_at, deleted, payload
		FROM records
		WHERE entity_type = ? AND id = ?`,
		string(et), id,
	)
	return scanRecord(row)
}

// List retrieves all live (non-deleted) records of a type, ordered by
// updated_at ascending.
func (db *DB) List(et model.EntityType) ([]model.Record, error) {
	rows, err := db.conn.Query(`
		SELECT entity_type, id, updated_at, deleted, payload
		FROM records
		WHERE entity_type = ? AND deleted = 0
		ORDER BY updated_at ASC`,
		string(et),
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return recs, nil
}

// ProfileExists reports whether a live user profile record exists. The
// presentation layer polls this to gate onboarding versus the main app.
func (db *DB) ProfileExists() (bool, error) {
	var n int64
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM records
		WHERE entity_type = ? AND deleted = 0`,
		string(model.EntityUserProfile),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count profiles: %w", err)
	}
	return n > 0, nil
}

// Reset clears all records, queue entries, and watermarks. Used on logout.
func (db *DB) Reset() error {
	return db.RunInTransaction(func(tx *sql.Tx) error {
		for _, table := range []string{"records", "sync_queue", "sync_state"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*model.Record, error) {
	var (
		et, id, updatedAt string
		deleted           int
		payload           sql.NullString
	)
	if err := s.Scan(&et, &id, &updatedAt, &deleted, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at for %s/%s: %w", et, id, err)
	}

	rec := &model.Record{
		Type:      model.EntityType(et),
		ID:        id,
		UpdatedAt: ts,
		Deleted:   deleted == 1,
	}
	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	return rec, nil
}
