// Package queue provides the durable outbound queue of local mutations
// awaiting transmission to the backend.
//
// Each entry moves through an explicit state machine:
//
//	pending -> inFlight -> acked (removed)
//	pending -> inFlight -> pending (retryable failure, attempts++)
//	pending -> inFlight -> failed (terminal: rejected, or retry ceiling hit)
//
// Entries are removed only on explicit acknowledgment; terminal failures
// stay in the table so the error surface can show them.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liftlog/liftlog/internal/model"
	"github.com/liftlog/liftlog/internal/store"
)

// Entry statuses.
const (
	StatusPending  = "pending"
	StatusInFlight = "in_flight"
	StatusFailed   = "failed" // terminal
)

// Entry is one pending outbound mutation. Payload is the full record
// snapshot at enqueue time, not a diff; intermediate states are preserved
// because entries are never coalesced client-side.
type Entry struct {
	Sequence   int64
	EntityType model.EntityType
	EntityID   string
	Operation  model.Operation
	Payload    json.RawMessage
	Attempts   int
	Status     string
	LastError  string
	EnqueuedAt time.Time
}

// Record unmarshals the snapshot payload back into a record envelope.
func (e Entry) Record() (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return model.Record{}, fmt.Errorf("unmarshal queue payload seq=%d: %w", e.Sequence, err)
	}
	return rec, nil
}

// Manager owns queue-entry lifecycle. No other component transitions
// entries.
type Manager struct {
	db           *store.DB
	retryCeiling int
}

// NewManager creates a queue manager over the shared local database.
// retryCeiling bounds automatic retries per entry; entries exceeding it go
// terminal instead of being silently dropped.
func NewManager(db *store.DB, retryCeiling int) *Manager {
	if retryCeiling <= 0 {
		retryCeiling = 5
	}
	return &Manager{db: db, retryCeiling: retryCeiling}
}

// EnqueueTx appends an entry within the caller's transaction, which must be
// the same transaction that wrote the record, so local state and queue can
// never diverge.
func (m *Manager) EnqueueTx(tx *sql.Tx, rec model.Record, op model.Operation) (int64, error) {
	if !model.IsValidOperation(string(op)) {
		return 0, fmt.Errorf("invalid operation %q", op)
	}
	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	snapshot, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal queue snapshot: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO sync_queue (entity_type, entity_id, operation, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(rec.Type),
		rec.ID,
		string(op),
		string(snapshot),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s/%s: %w", rec.Type, rec.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return seq, nil
}

// PeekBatch returns up to max pending entries in ascending sequence order
// without mutating any state.
func (m *Manager) PeekBatch(max int) ([]Entry, error) {
	rows, err := m.db.Conn().Query(`
		SELECT sequence, entity_type, entity_id, operation, payload, attempts, status, last_error, enqueued_at
		FROM sync_queue
		WHERE status = ?
		ORDER BY sequence ASC
		LIMIT ?`,
		StatusPending, max,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// MarkInFlight transitions a pending entry to inFlight.
func (m *Manager) MarkInFlight(seq int64) error {
	return m.transition(seq, StatusPending, StatusInFlight)
}

// MarkAcked removes an acknowledged entry permanently. Irreversible.
func (m *Manager) MarkAcked(seq int64) error {
	res, err := m.db.Conn().Exec(`DELETE FROM sync_queue WHERE sequence = ?`, seq)
	if err != nil {
		return fmt.Errorf("ack entry %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no queue entry with sequence %d", seq)
	}
	return nil
}

// MarkFailed records a failed attempt. The entry returns to pending for
// retry unless attempts reach the ceiling, in which case it goes terminal.
// Returns true when the entry went terminal.
func (m *Manager) MarkFailed(seq int64, reason string) (bool, error) {
	var attempts int
	err := m.db.Conn().QueryRow(
		`SELECT attempts FROM sync_queue WHERE sequence = ?`, seq,
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("no queue entry with sequence %d", seq)
	}
	if err != nil {
		return false, fmt.Errorf("read attempts for %d: %w", seq, err)
	}

	attempts++
	status := StatusPending
	terminal := attempts >= m.retryCeiling
	if terminal {
		status = StatusFailed
	}

	_, err = m.db.Conn().Exec(`
		UPDATE sync_queue SET attempts = ?, status = ?, last_error = ?
		WHERE sequence = ?`,
		attempts, status, reason, seq,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed %d: %w", seq, err)
	}
	return terminal, nil
}

// MarkFailedTerminal transitions an entry straight to terminal failed,
// regardless of attempts. Used for non-retryable rejections.
func (m *Manager) MarkFailedTerminal(seq int64, reason string) error {
	res, err := m.db.Conn().Exec(`
		UPDATE sync_queue SET attempts = attempts + 1, status = ?, last_error = ?
		WHERE sequence = ?`,
		StatusFailed, reason, seq,
	)
	if err != nil {
		return fmt.Errorf("mark terminal %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no queue entry with sequence %d", seq)
	}
	return nil
}

// RecoverInFlight returns every inFlight entry to pending, reporting how
// many were recovered. An entry is left inFlight when the process dies
// between marking and the push verdict; because pushes are idempotent,
// re-pushing a possibly-delivered entry is safe, whereas leaving it
// inFlight would strand the mutation forever. The coordinator calls this
// at the start of each flush cycle, when no push can be in progress.
func (m *Manager) RecoverInFlight() (int64, error) {
	res, err := m.db.Conn().Exec(`
		UPDATE sync_queue SET status = ? WHERE status = ?`,
		StatusPending, StatusInFlight,
	)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Release returns an inFlight entry to pending without counting an attempt.
// Used when a flush aborts for reasons unrelated to the entry itself, such
// as an authentication failure.
func (m *Manager) Release(seq int64) error {
	return m.transition(seq, StatusInFlight, StatusPending)
}

// FailedEntries returns terminal failed entries for user-visible alerting.
func (m *Manager) FailedEntries() ([]Entry, error) {
	rows, err := m.db.Conn().Query(`
		SELECT sequence, entity_type, entity_id, operation, payload, attempts, status, last_error, enqueued_at
		FROM sync_queue
		WHERE status = ?
		ORDER BY sequence ASC`,
		StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed entries: %w", err)
	}
	return entries, nil
}

// PendingCount returns how many entries await transmission (pending or
// inFlight).
func (m *Manager) PendingCount() (int64, error) {
	var n int64
	err := m.db.Conn().QueryRow(`
		SELECT COUNT(*) FROM sync_queue WHERE status IN (?, ?)`,
		StatusPending, StatusInFlight,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// HasUnacked reports whether any unacknowledged entry exists for the given
// record. The coordinator uses this during pull to decide whether a pulled
// record must go through conflict resolution.
func (m *Manager) HasUnacked(et model.EntityType, id string) (bool, error) {
	var n int64
	err := m.db.Conn().QueryRow(`
		SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?)`,
		string(et), id, StatusPending, StatusInFlight,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count unacked for %s/%s: %w", et, id, err)
	}
	return n > 0, nil
}

// transition moves an entry from one status to another, failing if the
// entry is missing or not in the expected state.
func (m *Manager) transition(seq int64, from, to string) error {
	res, err := m.db.Conn().Exec(`
		UPDATE sync_queue SET status = ? WHERE sequence = ? AND status = ?`,
		to, seq, from,
	)
	if err != nil {
		return fmt.Errorf("transition %d %s->%s: %w", seq, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue entry %d not in status %s", seq, from)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e          Entry
		et, op     string
		payload    string
		lastError  sql.NullString
		enqueuedAt string
	)
	if err := s.Scan(&e.Sequence, &et, &e.EntityID, &op, &payload, &e.Attempts, &e.Status, &lastError, &enqueuedAt); err != nil {
		return nil, fmt.Errorf("scan queue entry: %w", err)
	}

	e.EntityType = model.EntityType(et)
	e.Operation = model.Operation(op)
	e.Payload = json.RawMessage(payload)
	e.LastError = lastError.String

	ts, err := time.Parse(time.RFC3339Nano, enqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse enqueued_at for %d: %w", e.Sequence, err)
	}
	e.EnqueuedAt = ts
	return &e, nil
}
