// Package storage provides the durable job-table backends behind the
// state store.
package storage

import (
	"fmt"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/storage/surrealdb"
)

// Backend type constants.
const (
	BackendFile      = "file"
	BackendSurrealDB = "surrealdb"
)

// NewPersistentStore creates a persistence backend based on the
// configuration. Supported backends: "file" (default), "surrealdb".
func NewPersistentStore(logger *common.Logger, config *common.StorageConfig) (interfaces.PersistentStore, error) {
	backend := config.Backend
	if backend == "" {
		backend = BackendFile
	}

	switch backend {
	case BackendFile:
		return NewFileStore(logger, config.Path)

	case BackendSurrealDB:
		return surrealdb.NewStore(logger, &config.SurrealDB)

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: file, surrealdb)", backend)
	}
}
