// Package sync provides the synchronization engine between the local store
// and the liftlog backend.
package sync

import "github.com/liftlog/liftlog/internal/model"

// Resolve picks the winner between two divergent versions of the same
// record using last-writer-wins on updatedAt. On an exact timestamp tie the
// remote version wins: the server is the convergence point for multiple
// devices, so it is the canonical tie-breaker.
//
// Resolve is pure and deterministic; resolving the same pair twice yields
// the same record, which makes re-running a partially failed flush safe.
func Resolve(local, remote model.Record) model.Record {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local
	}
	return remote
}
