package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/models"
)

// tableVersion is the on-disk schema version. Loads from a newer
// version are refused; older versions are migrated on the next save.
const tableVersion = 1

// jobsFilename is the single file holding the serialized job table.
const jobsFilename = "jobs.json"

// jobTable is the persisted representation of the job map. Records are
// kept as raw JSON so one corrupt record never poisons the rest of the
// table on load.
type jobTable struct {
	Version int                        `json:"version"`
	SavedAt time.Time                  `json:"saved_at"`
	Jobs    map[string]json.RawMessage `json:"jobs"`
}

// FileStore persists the job table as a single JSON file with atomic
// replace-on-write semantics.
type FileStore struct {
	mu     sync.Mutex
	path   string
	logger *common.Logger
}

// NewFileStore creates a FileStore rooted at basePath, creating the
// directory if needed.
func NewFileStore(logger *common.Logger, basePath string) (*FileStore, error) {
	if basePath == "" {
		basePath = "data"
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}

	fs := &FileStore{
		path:   filepath.Join(basePath, jobsFilename),
		logger: logger,
	}
	logger.Debug().Str("path", fs.path).Msg("File job store opened")
	return fs, nil
}

// Name identifies the backend for logging.
func (fs *FileStore) Name() string {
	return BackendFile
}

// Load reads the persisted job table. A missing file yields an empty
// table; individually corrupt records are skipped with a warning.
func (fs *FileStore) Load(_ context.Context) ([]*models.Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadLocked()
}

func (fs *FileStore) loadLocked() ([]*models.Job, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", fs.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var table jobTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", fs.path, err)
	}
	if table.Version > tableVersion {
		return nil, fmt.Errorf("job table version %d is newer than supported version %d", table.Version, tableVersion)
	}

	jobs := make([]*models.Job, 0, len(table.Jobs))
	for id, raw := range table.Jobs {
		var job models.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			fs.logger.Warn().Str("job_id", id).Err(err).Msg("Skipping corrupt job record")
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Save writes the full job table atomically: serialize to a temp file
// in the same directory, then rename over the target. A failure leaves
// the previous table intact.
func (fs *FileStore) Save(_ context.Context, jobs []*models.Job) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.saveLocked(jobs)
}

func (fs *FileStore) saveLocked(jobs []*models.Job) error {
	table := jobTable{
		Version: tableVersion,
		SavedAt: time.Now().UTC(),
		Jobs:    make(map[string]json.RawMessage, len(jobs)),
	}
	for _, job := range jobs {
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
		}
		table.Jobs[job.ID] = raw
	}

	jsonData, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job table: %w", err)
	}
	jsonData = append(jsonData, '\n')

	dir := filepath.Dir(fs.path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(jsonData); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Delete removes persisted jobs by id, rewriting the table without them.
func (fs *FileStore) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	jobs, err := fs.loadLocked()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := jobs[:0]
	for _, job := range jobs {
		if !drop[job.ID] {
			kept = append(kept, job)
		}
	}
	if len(kept) == len(jobs) {
		return nil
	}
	return fs.saveLocked(kept)
}

// Close is a no-op for the file backend.
func (fs *FileStore) Close() error {
	return nil
}

// Compile-time check
var _ interfaces.PersistentStore = (*FileStore)(nil)
