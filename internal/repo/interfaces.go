package repo

import (
	"context"

	"github.com/openearth-labs/openearth-go/internal/domain"
)

// JobRepository manages processing jobs.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	// UpdateJobStatus applies next with domain.Status.Apply semantics in a
	// single conditional write and returns the stored status.
	UpdateJobStatus(ctx context.Context, id string, next domain.Status) (domain.Status, error)
}

// EnvironmentRepository reads processing environments.
type EnvironmentRepository interface {
	GetEnvironment(ctx context.Context, id int64) (domain.Environment, error)
}

// ResultFileRepository manages files harvested from a job.
type ResultFileRepository interface {
	// AttachResult stores file unless one with the same job and name exists.
	// It returns the stored row and whether it was newly created.
	AttachResult(ctx context.Context, file domain.ResultFile) (domain.ResultFile, bool, error)
	ListResults(ctx context.Context, jobID string) ([]domain.ResultFile, error)
	MarkCommitted(ctx context.Context, id int64, objectKey string) error
}

// ObservationRepository manages observations during a tabular import.
type ObservationRepository interface {
	GetObservationByFingerprint(ctx context.Context, fingerprint string) (domain.Observation, error)
	InsertObservations(ctx context.Context, observations []domain.Observation) error
	UpdateObservationMembership(ctx context.Context, observation domain.Observation) error
	// RemoveEnvironmentTag strips envHash from every observation and deletes
	// observations left without any environment.
	RemoveEnvironmentTag(ctx context.Context, envHash string) (dereferenced int64, deleted int64, err error)
}

// LocationRepository manages location points.
type LocationRepository interface {
	// NearestLocation returns the closest point within tolerance degrees of
	// (x, y) in srid, or ErrNotFound.
	NearestLocation(ctx context.Context, x, y float64, srid int, tolerance float64) (domain.LocationPoint, error)
	CreateLocation(ctx context.Context, point domain.LocationPoint) (domain.LocationPoint, error)
}

// ReferenceRepository resolves categorical values to reference rows.
type ReferenceRepository interface {
	// ResolveReference matches value case-insensitively against the
	// description of the kind's reference table.
	ResolveReference(ctx context.Context, kind, value string) (int64, error)
}

// ImportStore is the set of repositories used by one tabular import.
type ImportStore interface {
	ObservationRepository
	LocationRepository
	ReferenceRepository
}

// Transactor runs fn inside one transaction; fn's error rolls it back.
type Transactor interface {
	WithinImportTx(ctx context.Context, fn func(store ImportStore) error) error
}
