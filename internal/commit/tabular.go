package commit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

// ChunkSize is the number of rows resolved between progress reports.
const ChunkSize = 100

// RequiredColumns must all be present in a tabular result header.
var RequiredColumns = []string{
	"compartment", "parameter", "orig_srid", "origx", "origy", "value",
	"sampledevice", "measurementmethod", "samplemethod", "date", "property",
	"quality", "unit",
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ImportRequest describes one tabular file to import for a job.
type ImportRequest struct {
	Path            string
	JobID           string
	EnvironmentHash string
	Published       bool
}

// ImportSummary reports what an import changed.
type ImportSummary struct {
	Rows                 int
	Chunks               int
	NewObservations      int
	ReusedObservations   int
	NewLocations         int
	ReusedLocations      int
	DereferencedExisting int64
	DeletedStale         int64
}

// Import runs a tabular import with fresh state in its own transaction.
// A panic inside the import is returned as an error after rollback.
func Import(ctx context.Context, tx repo.Transactor, req ImportRequest, logger *slog.Logger) (summary ImportSummary, err error) {
	if tx == nil {
		return ImportSummary{}, errors.New("transactor is required")
	}
	if _, perr := uuid.Parse(strings.TrimSpace(req.JobID)); perr != nil {
		return ImportSummary{}, domain.NewValidationError("UUID is not in the correct format")
	}
	if strings.TrimSpace(req.EnvironmentHash) == "" {
		return ImportSummary{}, errors.New("environment hash is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("tabular import panicked", "file", req.Path, "panic", p, "stack", string(debug.Stack()))
			summary = ImportSummary{}
			err = fmt.Errorf("import %s: panic: %v", req.Path, p)
		}
	}()

	f, err := os.Open(req.Path)
	if err != nil {
		return ImportSummary{}, fmt.Errorf("open %s: %w", req.Path, err)
	}
	defer f.Close()

	err = tx.WithinImportTx(ctx, func(store repo.ImportStore) error {
		imp := newImporter(store, req, logger)
		var ierr error
		summary, ierr = imp.run(ctx, f)
		return ierr
	})
	if err != nil {
		return ImportSummary{}, err
	}
	return summary, nil
}

type registryEntry struct {
	obs     *domain.Observation
	created bool
	dirty   bool
}

type importer struct {
	store  repo.ImportStore
	req    ImportRequest
	logger *slog.Logger

	refCache map[string]int64
	registry map[string]*registryEntry
	order    []string
	summary  ImportSummary
}

func newImporter(store repo.ImportStore, req ImportRequest, logger *slog.Logger) *importer {
	return &importer{
		store:    store,
		req:      req,
		logger:   logger,
		refCache: map[string]int64{},
		registry: map[string]*registryEntry{},
	}
}

func (imp *importer) run(ctx context.Context, r io.Reader) (ImportSummary, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ImportSummary{}, domain.NewValidationError("CSV file is empty")
		}
		return ImportSummary{}, fmt.Errorf("read header: %w", err)
	}
	columns, err := validateHeader(header)
	if err != nil {
		return ImportSummary{}, err
	}
	imp.logger.Info("verified CSV header", "file", imp.req.Path)

	deref, deleted, err := imp.store.RemoveEnvironmentTag(ctx, imp.req.EnvironmentHash)
	if err != nil {
		return ImportSummary{}, err
	}
	imp.summary.DereferencedExisting = deref
	imp.summary.DeletedStale = deleted
	imp.logger.Info("dereferenced environment", "environment_hash", imp.req.EnvironmentHash,
		"dereferenced", deref, "deleted", deleted)

	chunk := make([]Record, 0, ChunkSize)
	line := 1
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return ImportSummary{}, fmt.Errorf("read row %d: %w", line, err)
		}
		rec, err := parseRecord(columns, fields, line)
		if err != nil {
			return ImportSummary{}, err
		}
		chunk = append(chunk, rec)
		if len(chunk) == ChunkSize {
			if err := imp.processChunk(ctx, chunk); err != nil {
				return ImportSummary{}, err
			}
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		if err := imp.processChunk(ctx, chunk); err != nil {
			return ImportSummary{}, err
		}
	}
	if err := imp.flush(ctx); err != nil {
		return ImportSummary{}, err
	}
	return imp.summary, nil
}

func validateHeader(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, domain.NewValidationError(fmt.Sprintf(
			"These columns '%s' are required, but missing in the CSV file.", strings.Join(missing, ", ")))
	}
	return columns, nil
}

func parseRecord(columns map[string]int, fields []string, line int) (Record, error) {
	get := func(name string) string {
		i := columns[name]
		if i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}
	rec := Record{
		Line:              line,
		Compartment:       get(domain.RefCompartment),
		MeasurementMethod: get(domain.RefMeasurementMethod),
		Parameter:         get(domain.RefParameter),
		Property:          get(domain.RefProperty),
		Quality:           get(domain.RefQuality),
		SampleDevice:      get(domain.RefSampleDevice),
		SampleMethod:      get(domain.RefSampleMethod),
		Unit:              get(domain.RefUnit),
	}

	var problems []string
	var err error
	if rec.SRID, err = strconv.Atoi(get("orig_srid")); err != nil || rec.SRID <= 0 {
		problems = append(problems, fmt.Sprintf("orig_srid %q is not a valid SRID.", get("orig_srid")))
	}
	parseFloat := func(name string, dst *float64) {
		v, err := strconv.ParseFloat(get(name), 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s %q is not a number.", name, get(name)))
			return
		}
		*dst = v
	}
	parseFloat("origx", &rec.X)
	parseFloat("origy", &rec.Y)
	parseFloat("value", &rec.Value)
	if rec.Date, err = parseDate(get("date")); err != nil {
		problems = append(problems, fmt.Sprintf("date %q is not a valid date.", get("date")))
	}
	if len(problems) > 0 {
		return Record{}, &domain.ValidationError{
			Summary:  fmt.Sprintf("CSV file contains values which are not correct (line %d):", line),
			Problems: problems,
		}
	}
	return rec, nil
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}

func (imp *importer) processChunk(ctx context.Context, chunk []Record) error {
	imp.summary.Chunks++
	newLocations, reusedLocations := 0, 0
	for _, rec := range chunk {
		refs, err := imp.resolve(ctx, rec)
		if err != nil {
			return err
		}
		point, created, err := imp.location(ctx, rec)
		if err != nil {
			return err
		}
		if created {
			newLocations++
		} else {
			reusedLocations++
		}
		if err := imp.observe(ctx, rec, refs, point); err != nil {
			return err
		}
		imp.summary.Rows++
	}
	imp.summary.NewLocations += newLocations
	imp.summary.ReusedLocations += reusedLocations
	imp.logger.Info("processed chunk", "chunk", imp.summary.Chunks, "rows", len(chunk),
		"new_locations", newLocations, "reused_locations", reusedLocations)
	return nil
}

// resolve looks up every categorical value of a record and reports all
// unknown values together.
func (imp *importer) resolve(ctx context.Context, rec Record) (map[string]int64, error) {
	refs := make(map[string]int64, len(domain.ReferenceKinds))
	var problems []string
	for _, kind := range domain.ReferenceKinds {
		value := rec.Category(kind)
		if value == "" {
			continue
		}
		key := kind + "\x00" + strings.ToLower(value)
		if id, ok := imp.refCache[key]; ok {
			refs[kind] = id
			continue
		}
		id, err := imp.store.ResolveReference(ctx, kind, value)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				problems = append(problems, fmt.Sprintf("%s %q does not exist.", titleCase(kind), value))
				continue
			}
			return nil, fmt.Errorf("resolve %s: %w", kind, err)
		}
		imp.refCache[key] = id
		refs[kind] = id
	}
	if len(problems) > 0 {
		return nil, &domain.ValidationError{
			Summary:  fmt.Sprintf("CSV file contains values which are not correct (line %d):", rec.Line),
			Problems: problems,
		}
	}
	return refs, nil
}

func (imp *importer) location(ctx context.Context, rec Record) (domain.LocationPoint, bool, error) {
	point, err := imp.store.NearestLocation(ctx, rec.X, rec.Y, rec.SRID, domain.MergeTolerance)
	if err == nil {
		return point, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.LocationPoint{}, false, fmt.Errorf("find location: %w", err)
	}
	point, err = imp.store.CreateLocation(ctx, domain.LocationPoint{X: rec.X, Y: rec.Y, SRID: rec.SRID})
	if err != nil {
		return domain.LocationPoint{}, false, fmt.Errorf("create location: %w", err)
	}
	return point, true, nil
}

func (imp *importer) observe(ctx context.Context, rec Record, refs map[string]int64, point domain.LocationPoint) error {
	fp := Fingerprint(rec)
	if entry, ok := imp.registry[fp]; ok {
		imp.merge(entry)
		return nil
	}

	existing, err := imp.store.GetObservationByFingerprint(ctx, fp)
	switch {
	case err == nil:
		entry := &registryEntry{obs: &existing}
		imp.registry[fp] = entry
		imp.order = append(imp.order, fp)
		imp.merge(entry)
		return nil
	case !errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("find observation: %w", err)
	}

	obs := &domain.Observation{
		Fingerprint:  fp,
		Date:         rec.Date,
		Value:        rec.Value,
		LocationID:   point.ID,
		References:   refs,
		Published:    imp.req.Published,
		Jobs:         []string{imp.req.JobID},
		Environments: []string{imp.req.EnvironmentHash},
	}
	imp.registry[fp] = &registryEntry{obs: obs, created: true}
	imp.order = append(imp.order, fp)
	return nil
}

func (imp *importer) merge(entry *registryEntry) {
	changed := entry.obs.AddJob(imp.req.JobID)
	if entry.obs.AddEnvironment(imp.req.EnvironmentHash) {
		changed = true
	}
	if changed && !entry.created {
		entry.dirty = true
	}
}

// flush bulk-inserts new observations and saves every reused one.
func (imp *importer) flush(ctx context.Context) error {
	var fresh []domain.Observation
	var reused []*domain.Observation
	for _, fp := range imp.order {
		entry := imp.registry[fp]
		if entry.created {
			fresh = append(fresh, *entry.obs)
		} else {
			reused = append(reused, entry.obs)
		}
	}
	if len(fresh) > 0 {
		if err := imp.store.InsertObservations(ctx, fresh); err != nil {
			return err
		}
	}
	for _, obs := range reused {
		if err := imp.store.UpdateObservationMembership(ctx, *obs); err != nil {
			return fmt.Errorf("save observation %d: %w", obs.ID, err)
		}
	}
	imp.summary.NewObservations = len(fresh)
	imp.summary.ReusedObservations = len(reused)
	imp.logger.Info("wrote observations", "new", len(fresh), "reused", len(reused))
	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
