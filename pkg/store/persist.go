package store

import (
	"context"

	"github.com/nstogner/qdash/pkg/domain"
)

// DraftStore persists session trees so unsent configuration survives restarts.
type DraftStore interface {
	// SaveDraft upserts the tree of a session.
	SaveDraft(ctx context.Context, sessionID string, tree Tree) error

	// LoadDraft returns the persisted tree of a session.
	// Returns an error if no draft exists.
	LoadDraft(ctx context.Context, sessionID string) (Tree, error)

	// ListDrafts returns the ids of every session with a draft.
	ListDrafts(ctx context.Context) ([]string, error)

	// DeleteDraft removes a session's draft.
	DeleteDraft(ctx context.Context, sessionID string) error
}

// RunStore records every configuration handed to the backend at simulation start.
type RunStore interface {
	// RecordRun persists a run. The ID field must be set by the caller; the
	// digest is computed by the store when empty.
	RecordRun(ctx context.Context, run *domain.RunRecord) error

	// ListRuns returns the runs of a session, newest first.
	ListRuns(ctx context.Context, sessionID string) ([]domain.RunRecord, error)

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (*domain.RunRecord, error)
}
