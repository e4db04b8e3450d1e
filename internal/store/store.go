package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/gmscreen/internal/model"
)

// ErrNotFound is returned when an update or delete names a run that does
// not exist.
var ErrNotFound = errors.New("store: run not found")

// RunStore defines the persistence interface for session run history.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// LatestRun returns the most recently created run for the session, or
	// (nil, nil) when the session has none.
	LatestRun(ctx context.Context, tenantID, sessionID string) (*model.Run, error)
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	DeleteRun(ctx context.Context, id string) error

	// ListRuns returns runs matching the filter ordered by tenant, session
	// and newest first.
	ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, error)

	Close() error
}
