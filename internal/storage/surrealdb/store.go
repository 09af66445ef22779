// Package surrealdb persists the job table in SurrealDB. Jobs are
// stored one row per job with the record serialized as a JSON document,
// so a corrupt row can be skipped on load without poisoning the table.
package surrealdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/recaplabs/recap/internal/common"
	"github.com/recaplabs/recap/internal/interfaces"
	"github.com/recaplabs/recap/internal/models"
)

const jobsTable = "jobs"

// Store implements interfaces.PersistentStore on SurrealDB.
type Store struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewStore connects to SurrealDB and prepares the jobs table.
func NewStore(logger *common.Logger, config *common.SurrealDBConfig) (*Store, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Username,
		"pass": config.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Namespace, config.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	// SurrealDB v3 errors on querying tables that were never defined.
	sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", jobsTable)
	if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
		return nil, fmt.Errorf("failed to define table %s: %w", jobsTable, err)
	}

	logger.Info().
		Str("url", config.URL).
		Str("namespace", config.Namespace).
		Str("database", config.Database).
		Msg("SurrealDB job store initialized")

	return &Store{db: db, logger: logger}, nil
}

// Name identifies the backend for logging.
func (s *Store) Name() string {
	return "surrealdb"
}

// jobRow is the persisted row shape. Status and kind are duplicated out
// of the document for ad-hoc inspection with the SurrealDB CLI.
type jobRow struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Doc    string `json:"doc"`
}

// Load reads every persisted job. Rows whose document no longer parses
// are skipped with a warning.
func (s *Store) Load(ctx context.Context) ([]*models.Job, error) {
	sql := fmt.Sprintf("SELECT job_id, status, kind, doc FROM %s", jobsTable)
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	rows := (*results)[0].Result
	jobs := make([]*models.Job, 0, len(rows))
	for _, row := range rows {
		var job models.Job
		if err := json.Unmarshal([]byte(row.Doc), &job); err != nil {
			s.logger.Warn().Str("job_id", row.JobID).Err(err).Msg("Skipping corrupt job record")
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Save snapshots the full job table in one transaction: every job is
// upserted and rows absent from the snapshot are removed. A failure
// rolls back, leaving the previous table intact.
func (s *Store) Save(ctx context.Context, jobs []*models.Job) error {
	ids := make([]string, 0, len(jobs))
	rows := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		doc, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
		}
		ids = append(ids, job.ID)
		rows = append(rows, map[string]any{
			"job_id": job.ID,
			"status": string(job.Status),
			"kind":   string(job.Kind),
			"doc":    string(doc),
		})
	}

	sql := fmt.Sprintf(`BEGIN TRANSACTION;
DELETE FROM %s WHERE job_id NOT INSIDE $ids;
FOR $row IN $rows {
	UPSERT type::thing('%s', $row.job_id) CONTENT $row;
};
COMMIT TRANSACTION;`, jobsTable, jobsTable)

	vars := map[string]any{
		"ids":  ids,
		"rows": rows,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save job table: %w", err)
	}
	return nil
}

// Delete removes persisted jobs by id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	rids := make([]surrealmodels.RecordID, 0, len(ids))
	for _, id := range ids {
		rids = append(rids, surrealmodels.NewRecordID(jobsTable, id))
	}

	sql := "DELETE $rids"
	if _, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{"rids": rids}); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	return nil
}

// Close terminates the database connection.
func (s *Store) Close() error {
	s.db.Close(context.Background())
	return nil
}

// Compile-time check
var _ interfaces.PersistentStore = (*Store)(nil)
