package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the write-only emitter plus the read-only query surface. The
// emitter is fire-and-forget from the caller's perspective but failures are
// never silent: they are logged with the full entry.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Append persists an audit entry. The returned error lets callers that need
// hard durability react; most call sites log-and-continue via Emit.
func (s *Service) Append(ctx context.Context, e *Entry) error {
	return s.repo.Append(ctx, e)
}

// Emit appends an entry and logs any failure instead of returning it.
func (s *Service) Emit(ctx context.Context, e *Entry) {
	if err := s.repo.Append(ctx, e); err != nil {
		s.logger.Error().Err(err).
			Str("event_kind", e.EventKind).
			Str("actor_id", e.ActorID.String()).
			Str("outcome", e.Outcome).
			Msg("audit append failed")
	}
}

func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListEntries(ctx context.Context, filter Filter, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}
