package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

// referenceColumns maps reference kinds onto observation columns, in
// domain.ReferenceKinds order.
var referenceColumns = map[string]string{
	domain.RefCompartment:       "compartment_id",
	domain.RefMeasurementMethod: "measurement_method_id",
	domain.RefParameter:         "parameter_id",
	domain.RefProperty:          "property_id",
	domain.RefQuality:           "quality_id",
	domain.RefSampleDevice:      "sample_device_id",
	domain.RefSampleMethod:      "sample_method_id",
	domain.RefUnit:              "unit_id",
}

var observationColumns = func() []string {
	cols := []string{"fingerprint", "observed_at", "value", "location_id"}
	for _, kind := range domain.ReferenceKinds {
		cols = append(cols, referenceColumns[kind])
	}
	return append(cols, "published", "processing_jobs", "processing_environments")
}()

// insertBatchSize keeps one INSERT below the protocol's parameter limit.
const insertBatchSize = 1000

type ObservationStore struct {
	db DB
}

func NewObservationStore(db DB) *ObservationStore {
	if db == nil {
		return nil
	}
	return &ObservationStore{db: db}
}

func (s *ObservationStore) GetObservationByFingerprint(ctx context.Context, fingerprint string) (domain.Observation, error) {
	if s == nil || s.db == nil {
		return domain.Observation{}, fmt.Errorf("observation store not initialized")
	}
	if fingerprint == "" {
		return domain.Observation{}, fmt.Errorf("fingerprint is required")
	}
	selectCols := append([]string{"id"}, observationColumns...)
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+strings.Join(selectCols, ", ")+` FROM observations WHERE fingerprint = $1`,
		fingerprint,
	)

	var obs domain.Observation
	refs := make([]sql.NullInt64, len(domain.ReferenceKinds))
	dest := []any{&obs.ID, &obs.Fingerprint, &obs.Date, &obs.Value, &obs.LocationID}
	for i := range refs {
		dest = append(dest, &refs[i])
	}
	dest = append(dest, &obs.Published, textArray(&obs.Jobs), textArray(&obs.Environments))
	if err := row.Scan(dest...); err != nil {
		return domain.Observation{}, handleNotFound(err)
	}
	obs.Date = obs.Date.UTC()
	obs.References = make(map[string]int64, len(refs))
	for i, kind := range domain.ReferenceKinds {
		if refs[i].Valid {
			obs.References[kind] = refs[i].Int64
		}
	}
	return obs, nil
}

func (s *ObservationStore) InsertObservations(ctx context.Context, observations []domain.Observation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("observation store not initialized")
	}
	for start := 0; start < len(observations); start += insertBatchSize {
		end := min(start+insertBatchSize, len(observations))
		query, args := buildObservationInsert(observations[start:end])
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert observations: duplicate fingerprint: %w", err)
			}
			return fmt.Errorf("insert observations: %w", err)
		}
	}
	return nil
}

func buildObservationInsert(observations []domain.Observation) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO observations (")
	b.WriteString(strings.Join(observationColumns, ", "))
	b.WriteString(") VALUES ")
	args := make([]any, 0, len(observations)*len(observationColumns))
	for i, obs := range observations {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		row := observationArgs(obs)
		for j, arg := range row {
			if j > 0 {
				b.WriteByte(',')
			}
			args = append(args, arg)
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteByte(')')
	}
	return b.String(), args
}

func observationArgs(obs domain.Observation) []any {
	args := []any{obs.Fingerprint, obs.Date.UTC(), obs.Value, obs.LocationID}
	for _, kind := range domain.ReferenceKinds {
		args = append(args, nullIfZero(obs.References[kind]))
	}
	jobs := obs.Jobs
	if jobs == nil {
		jobs = []string{}
	}
	envs := obs.Environments
	if envs == nil {
		envs = []string{}
	}
	return append(args, obs.Published, jobs, envs)
}

func (s *ObservationStore) UpdateObservationMembership(ctx context.Context, obs domain.Observation) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("observation store not initialized")
	}
	if obs.ID == 0 {
		return fmt.Errorf("observation id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE observations SET processing_jobs = $2, processing_environments = $3 WHERE id = $1`,
		obs.ID,
		obs.Jobs,
		obs.Environments,
	)
	if err != nil {
		return fmt.Errorf("update observation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update observation: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ObservationStore) RemoveEnvironmentTag(ctx context.Context, envHash string) (int64, int64, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("observation store not initialized")
	}
	if envHash == "" {
		return 0, 0, fmt.Errorf("environment hash is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE observations
		 SET processing_environments = array_remove(processing_environments, $1)
		 WHERE processing_environments @> ARRAY[$1]::text[]`,
		envHash,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("dereference environment: %w", err)
	}
	dereferenced, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("dereference environment: %w", err)
	}
	res, err = s.db.ExecContext(ctx, `DELETE FROM observations WHERE cardinality(processing_environments) = 0`)
	if err != nil {
		return dereferenced, 0, fmt.Errorf("delete orphaned observations: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return dereferenced, 0, fmt.Errorf("delete orphaned observations: %w", err)
	}
	return dereferenced, deleted, nil
}

var _ repo.ObservationRepository = (*ObservationStore)(nil)
