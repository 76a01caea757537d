package challenge

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// CreateSuperseding inserts ch and atomically marks any prior live
	// challenge for the same delegation as superseded. At most one live
	// challenge exists per delegation afterwards.
	CreateSuperseding(ctx context.Context, ch *Challenge) error

	// GetLive returns the single live (unsuperseded) challenge for a
	// delegation, or ErrNoLiveChallenge.
	GetLive(ctx context.Context, delegationID uuid.UUID) (*Challenge, error)

	// IncrementAttempts atomically increments the attempt counter of a live
	// challenge, guarded by the ceiling. It returns the new count, or
	// ErrSuperseded when the challenge is no longer live, and (0, nil) with
	// ok=false when the ceiling was already reached.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (count int, ok bool, err error)

	// MarkVerified sets is_verified on a still-live challenge. Returns
	// ErrSuperseded if the challenge was replaced in the meantime.
	MarkVerified(ctx context.Context, id uuid.UUID) error
}
