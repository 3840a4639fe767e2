package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

type JobStore struct {
	db DB
}

func NewJobStore(db DB) *JobStore {
	if db == nil {
		return nil
	}
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return err
	}
	status := job.Status
	if status.Stage == 0 {
		status = domain.StatusCreated
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO processing_jobs (
			id,
			environment_id,
			script,
			revision,
			script_revision,
			tools_revision,
			start_at,
			created_at,
			stage,
			outcome,
			auto_commit
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(job.ID),
		job.EnvironmentID,
		strings.TrimSpace(job.Script),
		nullIfEmpty(job.Revision),
		nullIfEmpty(job.ScriptRevision),
		nullIfEmpty(job.ToolsRevision),
		normalizeTime(job.Start),
		normalizeTime(job.CreatedAt),
		int(status.Stage),
		int(status.Outcome),
		job.AutoCommit,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	if s == nil || s.db == nil {
		return domain.Job{}, fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	var job domain.Job
	var revision, scriptRevision, toolsRevision sql.NullString
	var stage, outcome int
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, environment_id, script, revision, script_revision, tools_revision,
			start_at, created_at, stage, outcome, auto_commit
		 FROM processing_jobs
		 WHERE id = $1`,
		id,
	)
	if err := row.Scan(&job.ID, &job.EnvironmentID, &job.Script, &revision, &scriptRevision, &toolsRevision,
		&job.Start, &job.CreatedAt, &stage, &outcome, &job.AutoCommit); err != nil {
		return domain.Job{}, handleNotFound(err)
	}
	job.Revision = revision.String
	job.ScriptRevision = scriptRevision.String
	job.ToolsRevision = toolsRevision.String
	job.Start = job.Start.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.Status = domain.Status{Stage: domain.Stage(stage), Outcome: domain.Outcome(outcome)}
	return job, nil
}

// statusUpdateQuery writes next only when it changes the stored status
// under domain.Status.Apply rules: an outcome is final, and a stage only
// moves up.
const statusUpdateQuery = `UPDATE processing_jobs
	SET stage = CASE WHEN $3 = 0 THEN $2 ELSE stage END,
		outcome = $3
	WHERE id = $1
	  AND outcome = 0
	  AND ($3 <> 0 OR $2 > stage)
	RETURNING stage, outcome`

func (s *JobStore) UpdateJobStatus(ctx context.Context, id string, next domain.Status) (domain.Status, error) {
	if s == nil || s.db == nil {
		return domain.Status{}, fmt.Errorf("job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Status{}, fmt.Errorf("job id is required")
	}
	var stage, outcome int
	err := s.db.QueryRowContext(ctx, statusUpdateQuery, id, int(next.Stage), int(next.Outcome)).Scan(&stage, &outcome)
	if err == nil {
		return domain.Status{Stage: domain.Stage(stage), Outcome: domain.Outcome(outcome)}, nil
	}
	if err != sql.ErrNoRows {
		return domain.Status{}, fmt.Errorf("update job status: %w", err)
	}
	// Nothing changed; report what is stored.
	row := s.db.QueryRowContext(ctx, `SELECT stage, outcome FROM processing_jobs WHERE id = $1`, id)
	if err := row.Scan(&stage, &outcome); err != nil {
		return domain.Status{}, handleNotFound(err)
	}
	return domain.Status{Stage: domain.Stage(stage), Outcome: domain.Outcome(outcome)}, nil
}

var _ repo.JobRepository = (*JobStore)(nil)
