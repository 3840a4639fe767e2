// Package memory is an in-process implementation of the repositories. Its
// location search compares points of the same SRID by planar distance.
package memory

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

type resultKey struct {
	jobID string
	name  string
}

type state struct {
	jobs         map[string]domain.Job
	environments map[int64]domain.Environment
	results      map[resultKey]domain.ResultFile
	observations map[string]domain.Observation
	locations    []domain.LocationPoint
	references   map[string]map[string]int64
	nextID       int64
}

func (s *state) clone() *state {
	c := &state{
		jobs:         maps.Clone(s.jobs),
		environments: maps.Clone(s.environments),
		results:      maps.Clone(s.results),
		observations: make(map[string]domain.Observation, len(s.observations)),
		locations:    slices.Clone(s.locations),
		references:   make(map[string]map[string]int64, len(s.references)),
		nextID:       s.nextID,
	}
	for k, obs := range s.observations {
		c.observations[k] = copyObservation(obs)
	}
	for kind, values := range s.references {
		c.references[kind] = maps.Clone(values)
	}
	return c
}

// Store holds every repository in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

func NewStore() *Store {
	return &Store{st: &state{
		jobs:         map[string]domain.Job{},
		environments: map[int64]domain.Environment{},
		results:      map[resultKey]domain.ResultFile{},
		observations: map[string]domain.Observation{},
		references:   map[string]map[string]int64{},
	}}
}

func (s *Store) id() int64 {
	s.st.nextID++
	return s.st.nextID
}

func copyObservation(obs domain.Observation) domain.Observation {
	obs.Jobs = slices.Clone(obs.Jobs)
	obs.Environments = slices.Clone(obs.Environments)
	obs.References = maps.Clone(obs.References)
	return obs
}

// PutEnvironment stores env, assigning an id when it has none.
func (s *Store) PutEnvironment(env domain.Environment) domain.Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if env.ID == 0 {
		env.ID = s.id()
	}
	s.st.environments[env.ID] = env
	return env
}

// AddReference registers a reference value and returns its id.
func (s *Store) AddReference(kind, description string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.st.references[kind]
	if !ok {
		values = map[string]int64{}
		s.st.references[kind] = values
	}
	key := strings.ToLower(strings.TrimSpace(description))
	if id, ok := values[key]; ok {
		return id
	}
	id := s.id()
	values[key] = id
	return id
}

// Observations returns all stored observations ordered by id.
func (s *Store) Observations() []domain.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Observation, 0, len(s.st.observations))
	for _, obs := range s.st.observations {
		out = append(out, copyObservation(obs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Locations returns all stored location points.
func (s *Store) Locations() []domain.LocationPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.locations)
}

func (s *Store) CreateJob(_ context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status.Stage == 0 {
		job.Status = domain.StatusCreated
	}
	s.st.jobs[job.ID] = job
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id string, next domain.Status) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Status{}, repo.ErrNotFound
	}
	job.Status = job.Status.Apply(next)
	s.st.jobs[job.ID] = job
	return job.Status, nil
}

func (s *Store) GetEnvironment(_ context.Context, id int64) (domain.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.st.environments[id]
	if !ok {
		return domain.Environment{}, repo.ErrNotFound
	}
	return env, nil
}

func (s *Store) AttachResult(_ context.Context, file domain.ResultFile) (domain.ResultFile, bool, error) {
	if file.JobID == "" || file.Name == "" {
		return domain.ResultFile{}, false, fmt.Errorf("job id and name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := resultKey{jobID: file.JobID, name: file.Name}
	if existing, ok := s.st.results[key]; ok {
		return existing, false, nil
	}
	file.ID = s.id()
	s.st.results[key] = file
	return file, true, nil
}

func (s *Store) ListResults(_ context.Context, jobID string) ([]domain.ResultFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ResultFile, 0)
	for key, file := range s.st.results {
		if key.jobID == jobID {
			out = append(out, file)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkCommitted(_ context.Context, id int64, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, file := range s.st.results {
		if file.ID != id {
			continue
		}
		file.Committed = true
		if objectKey != "" {
			file.ObjectKey = objectKey
		}
		s.st.results[key] = file
		return nil
	}
	return repo.ErrNotFound
}

func (s *Store) GetObservationByFingerprint(_ context.Context, fingerprint string) (domain.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.st.observations[fingerprint]
	if !ok {
		return domain.Observation{}, repo.ErrNotFound
	}
	return copyObservation(obs), nil
}

func (s *Store) InsertObservations(_ context.Context, observations []domain.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, obs := range observations {
		if _, ok := s.st.observations[obs.Fingerprint]; ok || seen[obs.Fingerprint] {
			return fmt.Errorf("insert observations: duplicate fingerprint %q", obs.Fingerprint)
		}
		seen[obs.Fingerprint] = true
	}
	for _, obs := range observations {
		obs = copyObservation(obs)
		obs.ID = s.id()
		s.st.observations[obs.Fingerprint] = obs
	}
	return nil
}

func (s *Store) UpdateObservationMembership(_ context.Context, obs domain.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, stored := range s.st.observations {
		if stored.ID != obs.ID {
			continue
		}
		stored.Jobs = slices.Clone(obs.Jobs)
		stored.Environments = slices.Clone(obs.Environments)
		s.st.observations[fp] = stored
		return nil
	}
	return repo.ErrNotFound
}

func (s *Store) RemoveEnvironmentTag(_ context.Context, envHash string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dereferenced, deleted int64
	for fp, obs := range s.st.observations {
		if !slices.Contains(obs.Environments, envHash) {
			continue
		}
		obs.Environments = slices.DeleteFunc(slices.Clone(obs.Environments), func(h string) bool { return h == envHash })
		s.st.observations[fp] = obs
		dereferenced++
	}
	for fp, obs := range s.st.observations {
		if len(obs.Environments) == 0 {
			delete(s.st.observations, fp)
			deleted++
		}
	}
	return dereferenced, deleted, nil
}

func (s *Store) NearestLocation(_ context.Context, x, y float64, srid int, tolerance float64) (domain.LocationPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := -1
	bestDist := math.Inf(1)
	for i, p := range s.st.locations {
		if p.SRID != srid {
			continue
		}
		d := math.Hypot(p.X-x, p.Y-y)
		if d <= tolerance && d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return domain.LocationPoint{}, repo.ErrNotFound
	}
	return s.st.locations[best], nil
}

func (s *Store) CreateLocation(_ context.Context, point domain.LocationPoint) (domain.LocationPoint, error) {
	if point.SRID <= 0 {
		return domain.LocationPoint{}, fmt.Errorf("srid is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	point.ID = s.id()
	s.st.locations = append(s.st.locations, point)
	return point, nil
}

func (s *Store) ResolveReference(_ context.Context, kind, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.st.references[kind]
	if !ok {
		return 0, repo.ErrNotFound
	}
	id, ok := values[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return 0, repo.ErrNotFound
	}
	return id, nil
}

// WithinImportTx snapshots the store and restores the snapshot when fn
// fails or panics. Concurrent writers are not isolated from each other.
func (s *Store) WithinImportTx(ctx context.Context, fn func(store repo.ImportStore) error) (err error) {
	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	rollback := func() {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()
	if err = fn(s); err != nil {
		rollback()
		return err
	}
	return nil
}

var (
	_ repo.JobRepository         = (*Store)(nil)
	_ repo.EnvironmentRepository = (*Store)(nil)
	_ repo.ResultFileRepository  = (*Store)(nil)
	_ repo.ImportStore           = (*Store)(nil)
	_ repo.Transactor            = (*Store)(nil)
)
