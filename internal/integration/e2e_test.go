//go:build integration

// Package integration contains end-to-end tests exercising the full local
// write → queue → push → pull → converge cycle against a mock backend.
// Run with: go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/liftlog/liftlog/internal/bus"
	"github.com/liftlog/liftlog/internal/model"
	"github.com/liftlog/liftlog/internal/queue"
	"github.com/liftlog/liftlog/internal/remote"
	"github.com/liftlog/liftlog/internal/store"
	syncengine "github.com/liftlog/liftlog/internal/sync"
)

// device bundles one simulated client installation.
type device struct {
	id    string
	db    *store.DB
	queue *queue.Manager
	coord *syncengine.Coordinator
}

func newDevice(t *testing.T, srv *remote.MockServer, id string) *device {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), fmt.Sprintf("%s.db", id)))
	if err != nil {
		t.Fatalf("open database for %s: %v", id, err)
	}
	t.Cleanup(func() { db.Close() })

	q := queue.NewManager(db, 5)
	client := remote.New(remote.Config{
		BaseURL:       srv.URL,
		TokenProvider: func() string { return "test-token" },
		DeviceID:      id,
		Timeout:       5 * time.Second,
	})
	coord := syncengine.NewCoordinator(db, q, client, bus.New(), 25)

	return &device{id: id, db: db, queue: q, coord: coord}
}

// write commits a record and queues it, the way every local mutation does.
func (d *device) write(t *testing.T, rec model.Record, op model.Operation) {
	t.Helper()
	err := d.db.RunInTransaction(func(tx *sql.Tx) error {
		if err := store.PutTx(tx, rec); err != nil {
			return err
		}
		_, err := d.queue.EnqueueTx(tx, rec, op)
		return err
	})
	if err != nil {
		t.Fatalf("%s: local write failed: %v", d.id, err)
	}
}

func (d *device) flush(t *testing.T) syncengine.Result {
	t.Helper()
	res, err := d.coord.Flush(context.Background())
	if err != nil {
		t.Fatalf("%s: flush failed: %v", d.id, err)
	}
	return res
}

func record(t *testing.T, et model.EntityType, id string, updatedAt time.Time, payload any) model.Record {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return model.Record{Type: et, ID: id, UpdatedAt: updatedAt, Payload: data}
}

func TestE2E_MultiDeviceSync(t *testing.T) {
	srv := remote.NewMockServer()
	defer srv.Close()

	phone := newDevice(t, srv, "phone")
	laptop := newDevice(t, srv, "laptop")

	base := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	profileID := model.NewID()
	sessionID := model.NewID()

	t.Run("OnboardAndLogWorkout", func(t *testing.T) {
		phone.write(t, record(t, model.EntityUserProfile, profileID, base,
			model.UserProfile{Name: "Sam", CurrentWeightKg: 80, Unit: "kg"}), model.OpCreate)
		phone.write(t, record(t, model.EntitySessions, sessionID, base.Add(time.Minute),
			model.Session{StartedAt: base.Add(time.Minute)}), model.OpCreate)
		phone.write(t, record(t, model.EntitySetLogs, model.NewID(), base.Add(2*time.Minute),
			model.SetLog{SessionID: sessionID, ExerciseID: "squat", Reps: 5, WeightKg: 100}), model.OpCreate)

		res := phone.flush(t)
		if res.Pushed != 3 || !res.Clean {
			t.Fatalf("pushed=%d clean=%v, want 3 and true", res.Pushed, res.Clean)
		}
	})

	t.Run("SecondDevicePullsEverything", func(t *testing.T) {
		res := laptop.flush(t)
		if res.Pulled != 3 {
			t.Fatalf("laptop pulled %d records, want 3", res.Pulled)
		}

		exists, err := laptop.db.ProfileExists()
		if err != nil {
			t.Fatalf("ProfileExists failed: %v", err)
		}
		if !exists {
			t.Error("laptop missing the synced profile")
		}
		sets, err := laptop.db.List(model.EntitySetLogs)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(sets) != 1 {
			t.Errorf("laptop has %d set logs, want 1", len(sets))
		}
	})

	t.Run("ConflictingEditsConverge", func(t *testing.T) {
		// Laptop annotates the session first; phone then pushes an older
		// edit of the same record. Last writer wins everywhere.
		laptop.write(t, record(t, model.EntitySessions, sessionID, base.Add(time.Hour),
			model.Session{StartedAt: base.Add(time.Minute), Notes: "laptop note"}), model.OpUpdate)
		laptop.flush(t)

		phone.write(t, record(t, model.EntitySessions, sessionID, base.Add(30*time.Minute),
			model.Session{StartedAt: base.Add(time.Minute), Notes: "phone note"}), model.OpUpdate)
		res := phone.flush(t)
		if res.Conflicts != 1 {
			t.Fatalf("phone conflicts = %d, want 1", res.Conflicts)
		}

		for _, d := range []*device{phone, laptop} {
			d.flush(t)
			got, err := d.db.Get(model.EntitySessions, sessionID)
			if err != nil {
				t.Fatalf("%s: Get failed: %v", d.id, err)
			}
			var s model.Session
			if err := json.Unmarshal(got.Payload, &s); err != nil {
				t.Fatalf("%s: unmarshal session: %v", d.id, err)
			}
			if s.Notes != "laptop note" {
				t.Errorf("%s converged to %q, want laptop note", d.id, s.Notes)
			}
		}
	})

	t.Run("OfflineQueueSurvivesAndRecovers", func(t *testing.T) {
		weightID := model.NewID()
		phone.write(t, record(t, model.EntityWeightHistory, weightID, base.Add(2*time.Hour),
			model.WeightEntry{WeightKg: 79.5, MeasuredAt: base.Add(2 * time.Hour)}), model.OpCreate)

		srv.FailPushes(1)
		res := phone.flush(t)
		if res.Clean {
			t.Fatal("expected unclean flush while backend fails")
		}

		n, err := phone.queue.PendingCount()
		if err != nil {
			t.Fatalf("PendingCount failed: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected the write to stay queued, got %d entries", n)
		}

		// Connectivity returns; the queued write lands and the other
		// device sees it.
		res = phone.flush(t)
		if res.Pushed != 1 || !res.Clean {
			t.Fatalf("recovery flush pushed=%d clean=%v", res.Pushed, res.Clean)
		}

		laptop.flush(t)
		weights, err := laptop.db.List(model.EntityWeightHistory)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(weights) != 1 {
			t.Errorf("laptop has %d weight entries, want 1", len(weights))
		}
	})

	t.Run("DeletePropagates", func(t *testing.T) {
		tombstone := record(t, model.EntitySessions, sessionID, base.Add(3*time.Hour),
			model.Session{StartedAt: base.Add(time.Minute)})
		tombstone.Deleted = true
		phone.write(t, tombstone, model.OpDelete)
		phone.flush(t)

		laptop.flush(t)
		got, err := laptop.db.Get(model.EntitySessions, sessionID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got == nil || !got.Deleted {
			t.Error("laptop did not receive the tombstone")
		}
		live, err := laptop.db.List(model.EntitySessions)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(live) != 0 {
			t.Errorf("deleted session still listed on laptop: %d live", len(live))
		}
	})
}
