package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

type ResultFileStore struct {
	db DB
}

func NewResultFileStore(db DB) *ResultFileStore {
	if db == nil {
		return nil
	}
	return &ResultFileStore{db: db}
}

func (s *ResultFileStore) AttachResult(ctx context.Context, file domain.ResultFile) (domain.ResultFile, bool, error) {
	if s == nil || s.db == nil {
		return domain.ResultFile{}, false, fmt.Errorf("result store not initialized")
	}
	file.JobID = strings.TrimSpace(file.JobID)
	file.Name = strings.TrimSpace(file.Name)
	if file.JobID == "" || file.Name == "" {
		return domain.ResultFile{}, false, fmt.Errorf("job id and name are required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`INSERT INTO processing_results (job_id, name, path, object_key, committed)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (job_id, name) DO NOTHING
		 RETURNING id`,
		file.JobID,
		file.Name,
		file.Path,
		nullIfEmpty(file.ObjectKey),
		file.Committed,
	)
	if err := row.Scan(&file.ID); err == nil {
		return file, true, nil
	} else if err != sql.ErrNoRows {
		return domain.ResultFile{}, false, fmt.Errorf("insert result: %w", err)
	}

	existing, err := s.getByName(ctx, file.JobID, file.Name)
	if err != nil {
		return domain.ResultFile{}, false, err
	}
	return existing, false, nil
}

func (s *ResultFileStore) getByName(ctx context.Context, jobID, name string) (domain.ResultFile, error) {
	var file domain.ResultFile
	var objectKey sql.NullString
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, job_id, name, path, object_key, committed
		 FROM processing_results
		 WHERE job_id = $1 AND name = $2`,
		jobID,
		name,
	)
	if err := row.Scan(&file.ID, &file.JobID, &file.Name, &file.Path, &objectKey, &file.Committed); err != nil {
		return domain.ResultFile{}, handleNotFound(err)
	}
	file.ObjectKey = objectKey.String
	return file, nil
}

func (s *ResultFileStore) ListResults(ctx context.Context, jobID string) ([]domain.ResultFile, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("result store not initialized")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_id, name, path, object_key, committed
		 FROM processing_results
		 WHERE job_id = $1
		 ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	files := make([]domain.ResultFile, 0)
	for rows.Next() {
		var file domain.ResultFile
		var objectKey sql.NullString
		if err := rows.Scan(&file.ID, &file.JobID, &file.Name, &file.Path, &objectKey, &file.Committed); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		file.ObjectKey = objectKey.String
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return files, nil
}

func (s *ResultFileStore) MarkCommitted(ctx context.Context, id int64, objectKey string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("result store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE processing_results SET committed = TRUE, object_key = COALESCE($2, object_key) WHERE id = $1`,
		id,
		nullIfEmpty(objectKey),
	)
	if err != nil {
		return fmt.Errorf("mark result committed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark result committed: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

var _ repo.ResultFileRepository = (*ResultFileStore)(nil)
