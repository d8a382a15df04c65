// Package repositories defines interfaces for data access layers.
package repositories

import (
	"context"

	"github.com/ochairo/treefmt-mirror/internal/domain/entities"
)

// MirrorStore is the append-only record of mirrored releases, keyed by version.
// Claim is the exclusive entry point for mirroring a version and Commit is the
// single point at which a release becomes mirrored.
type MirrorStore interface {
	// Claim takes an exclusive lease on a version.
	// Returns entities.ErrAlreadyMirrored or entities.ErrClaimHeld when it cannot.
	Claim(ctx context.Context, version, runID string) (*entities.Claim, error)

	// Renew confirms the claim is still held by its run and extends it.
	// Returns entities.ErrClaimLost or entities.ErrAlreadyMirrored when the run must stop.
	Renew(ctx context.Context, claim *entities.Claim) (*entities.Claim, error)

	// Commit writes the published record for a claimed version and drops the claim
	Commit(ctx context.Context, claim *entities.Claim, record *entities.MirrorRecord) error

	// Release drops a claim without a record, journaling the failure reason
	Release(ctx context.Context, claim *entities.Claim, reason string) error

	// Get returns the published record for a version; entities.ErrNotFound if absent
	Get(ctx context.Context, version string) (*entities.MirrorRecord, error)

	// List returns all published records, oldest version first
	List(ctx context.Context) ([]*entities.MirrorRecord, error)
}
