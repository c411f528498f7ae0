package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/liftlog/liftlog/internal/bus"
	"github.com/liftlog/liftlog/internal/logger"
	"github.com/liftlog/liftlog/internal/model"
	"github.com/liftlog/liftlog/internal/queue"
	"github.com/liftlog/liftlog/internal/remote"
	"github.com/liftlog/liftlog/internal/store"
)

// ErrReauthRequired is returned by Flush after an authentication failure.
// The coordinator latches and refuses further cycles until ClearReauth.
var ErrReauthRequired = errors.New("re-authentication required")

// Result summarises one flush cycle for status reporting.
type Result struct {
	Pushed    int
	Conflicts int
	Rejected  int
	Pulled    int
	// Clean is false when the cycle stopped early on a transient failure
	// and left retryable work queued.
	Clean bool
}

// Coordinator orchestrates flush cycles: drain the outbound queue, pull
// remote changes, resolve conflicts, advance watermarks. At most one flush
// cycle runs at a time.
type Coordinator struct {
	db     *store.DB
	queue  *queue.Manager
	client *remote.Client
	state  *State
	bus    *bus.Bus

	batchSize int
	entities  []model.EntityType

	flushing    atomic.Bool
	needsReauth atomic.Bool
}

// NewCoordinator creates the coordinator over the shared local database.
func NewCoordinator(db *store.DB, q *queue.Manager, client *remote.Client, b *bus.Bus, batchSize int) *Coordinator {
	if batchSize <= 0 {
		batchSize = 25
	}
	return &Coordinator{
		db:        db,
		queue:     q,
		client:    client,
		state:     LoadState(db),
		bus:       b,
		batchSize: batchSize,
		entities:  model.AllEntityTypes(),
	}
}

// ReauthRequired reports whether the sync subsystem is halted pending
// re-authentication.
func (c *Coordinator) ReauthRequired() bool {
	return c.needsReauth.Load()
}

// ClearReauth resumes syncing after credentials change.
func (c *Coordinator) ClearReauth() {
	c.needsReauth.Store(false)
}

// Flush runs one drain-then-pull cycle.
//
// The flushing guard is checked and set atomically, so two triggers in
// immediate succession produce exactly one active cycle: the loser returns
// immediately with a zero Result. Transient failures end the cycle early
// and are fully recovered here (the next trigger resumes); only fatal
// conditions surface as errors.
func (c *Coordinator) Flush(ctx context.Context) (Result, error) {
	if !c.flushing.CompareAndSwap(false, true) {
		logger.Debug("sync: flush already in progress, trigger ignored")
		return Result{}, nil
	}
	defer c.flushing.Store(false)

	if c.needsReauth.Load() {
		return Result{}, ErrReauthRequired
	}

	// Entries stranded in flight by a crash mid-push go back to pending
	// before draining; the idempotency key makes re-pushing them safe.
	recovered, err := c.queue.RecoverInFlight()
	if err != nil {
		return Result{}, fmt.Errorf("recover interrupted entries: %w", err)
	}
	if recovered > 0 {
		logger.Info("sync: recovered %d interrupted queue entries", recovered)
	}

	var res Result
	res.Clean = true

	if err := c.drain(ctx, &res); err != nil {
		return res, err
	}
	if !res.Clean {
		// Leave the pull for a cycle that can reach the backend.
		return res, nil
	}
	if err := c.pull(ctx, &res); err != nil {
		return res, err
	}

	logger.Debug("sync: flush complete (pushed=%d conflicts=%d pulled=%d)",
		res.Pushed, res.Conflicts, res.Pulled)
	return res, nil
}

// drain pushes pending queue entries in sequence order. A transient failure
// marks the entry retryable and ends the drain; backoff happens at the
// trigger-scheduling level, never by retrying within the cycle.
func (c *Coordinator) drain(ctx context.Context, res *Result) error {
	for {
		batch, err := c.queue.PeekBatch(c.batchSize)
		if err != nil {
			return fmt.Errorf("peek queue: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, entry := range batch {
			if err := c.queue.MarkInFlight(entry.Sequence); err != nil {
				return fmt.Errorf("mark in flight: %w", err)
			}

			push, err := c.client.Push(ctx, entry)
			if err != nil {
				return c.handlePushError(entry, err, res)
			}

			switch push.Status {
			case remote.PushAccepted:
				if err := c.queue.MarkAcked(entry.Sequence); err != nil {
					return fmt.Errorf("ack entry %d: %w", entry.Sequence, err)
				}
				res.Pushed++

			case remote.PushConflict:
				if err := c.resolveAndApply(entry, *push.Remote); err != nil {
					return err
				}
				// The local intent is satisfied by the resolution.
				if err := c.queue.MarkAcked(entry.Sequence); err != nil {
					return fmt.Errorf("ack resolved entry %d: %w", entry.Sequence, err)
				}
				res.Conflicts++

			case remote.PushRejected:
				logger.Warn("sync: entry %d rejected: %s", entry.Sequence, push.Reason)
				if err := c.queue.MarkFailedTerminal(entry.Sequence, push.Reason); err != nil {
					return fmt.Errorf("mark rejected entry %d: %w", entry.Sequence, err)
				}
				c.publishEntryFailed(entry, push.Reason)
				res.Rejected++
			}
		}
	}
}

// handlePushError classifies a push transport error. Auth failures latch
// the subsystem; transient failures end the cycle with retryable state.
func (c *Coordinator) handlePushError(entry queue.Entry, err error, res *Result) error {
	if errors.Is(err, remote.ErrUnauthorized) {
		// Not the entry's fault: no attempt counted.
		if relErr := c.queue.Release(entry.Sequence); relErr != nil {
			logger.Warn("sync: release entry %d: %v", entry.Sequence, relErr)
		}
		c.needsReauth.Store(true)
		logger.Error("sync: authentication failed, halting sync until re-login")
		return ErrReauthRequired
	}

	logger.Debug("sync: transient push failure for entry %d: %v", entry.Sequence, err)
	terminal, failErr := c.queue.MarkFailed(entry.Sequence, err.Error())
	if failErr != nil {
		return fmt.Errorf("mark failed entry %d: %w", entry.Sequence, failErr)
	}
	if terminal {
		logger.Warn("sync: entry %d exhausted retries: %v", entry.Sequence, err)
		c.publishEntryFailed(entry, err.Error())
	}
	res.Clean = false
	return nil
}

// resolveAndApply runs the conflict resolver against the entry's snapshot
// and commits the winner locally as one unit.
func (c *Coordinator) resolveAndApply(entry queue.Entry, remoteRec model.Record) error {
	local, err := entry.Record()
	if err != nil {
		return err
	}

	winner := Resolve(local, remoteRec)
	logger.Debug("sync: conflict on %s/%s resolved to %s version",
		entry.EntityType, entry.EntityID, resolvedSide(local, remoteRec))

	if err := c.db.Put(winner); err != nil {
		return fmt.Errorf("apply resolved record %s/%s: %w", entry.EntityType, entry.EntityID, err)
	}
	return nil
}

// pull fetches remote changes per entity type since the watermark and
// commits each type's batch plus its watermark advance atomically.
func (c *Coordinator) pull(ctx context.Context, res *Result) error {
	for _, et := range c.entities {
		since, err := c.state.Watermark(et)
		if err != nil {
			return err
		}

		recs, err := c.client.Pull(ctx, et, since)
		if err != nil {
			if errors.Is(err, remote.ErrUnauthorized) {
				c.needsReauth.Store(true)
				logger.Error("sync: authentication failed during pull, halting sync")
				return ErrReauthRequired
			}
			logger.Debug("sync: transient pull failure for %s: %v", et, err)
			res.Clean = false
			return nil
		}
		if len(recs) == 0 {
			continue
		}

		if err := c.applyPulled(et, recs); err != nil {
			return err
		}
		res.Pulled += len(recs)
	}
	return nil
}

// applyPulled commits one entity type's pulled records. Records whose id
// still has an unacknowledged queue entry go through the resolver first.
// The watermark advances to the highest updatedAt observed, in the same
// transaction, so a failure leaves both records and watermark untouched.
func (c *Coordinator) applyPulled(et model.EntityType, recs []model.Record) error {
	var maxTS time.Time

	// Resolver decisions need reads, so they happen before the write tx.
	resolved := make([]model.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.UpdatedAt.After(maxTS) {
			maxTS = rec.UpdatedAt
		}

		unacked, err := c.queue.HasUnacked(et, rec.ID)
		if err != nil {
			return err
		}
		if unacked {
			local, err := c.db.Get(et, rec.ID)
			if err != nil {
				return err
			}
			if local != nil {
				rec = Resolve(*local, rec)
			}
		}
		resolved = append(resolved, rec)
	}

	return c.db.RunInTransaction(func(tx *sql.Tx) error {
		for _, rec := range resolved {
			if err := store.PutTx(tx, rec); err != nil {
				return err
			}
		}
		return SetWatermarkTx(tx, et, maxTS)
	})
}

func (c *Coordinator) publishEntryFailed(entry queue.Entry, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Type: bus.EventEntryFailed,
		Payload: bus.EntryFailed{
			Sequence:   entry.Sequence,
			EntityType: string(entry.EntityType),
			EntityID:   entry.EntityID,
			Reason:     reason,
		},
	})
}

// resolvedSide mirrors the Resolve decision for logging: local wins only
// when strictly newer, ties go to remote.
func resolvedSide(local, remote model.Record) string {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return "local"
	}
	return "remote"
}
