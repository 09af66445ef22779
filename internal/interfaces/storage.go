package interfaces

import (
	"context"

	"github.com/recaplabs/recap/internal/models"
)

// PersistentStore is the durable backing behind the in-memory job table.
// The state store loads the full table at startup and writes snapshots
// on its flush interval and at shutdown.
type PersistentStore interface {
	// Name identifies the backend for logging (e.g. "file", "surrealdb").
	Name() string

	// Load reads every persisted job. Individually corrupt records are
	// skipped, not fatal.
	Load(ctx context.Context) ([]*models.Job, error)

	// Save writes the full job table. Implementations must not leave a
	// partially written table visible on failure.
	Save(ctx context.Context, jobs []*models.Job) error

	// Delete removes persisted jobs by id.
	Delete(ctx context.Context, ids []string) error

	// Close releases backend resources.
	Close() error
}
