package commit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/execution/runner"
	"github.com/openearth-labs/openearth-go/internal/platform/objectstore"
	"github.com/openearth-labs/openearth-go/internal/repo/memory"
)

const (
	testJobID  = "6f1d2a34-5b6c-4d7e-8f90-a1b2c3d4e5f6"
	otherJobID = "0b9a8c7d-6e5f-4a3b-9c2d-1e0f9a8b7c6d"
	csvHeader  = "compartment,parameter,orig_srid,origx,origy,value,sampledevice,measurementmethod,samplemethod,date,property,quality,unit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore() *memory.Store {
	store := memory.NewStore()
	for _, kind := range domain.ReferenceKinds {
		store.AddReference(kind, "none")
	}
	store.AddReference(domain.RefCompartment, "Sea")
	store.AddReference(domain.RefParameter, "Salinity")
	store.AddReference(domain.RefUnit, "PSU")
	return store
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func csvBody(rows ...string) string {
	return csvHeader + "\n" + strings.Join(rows, "\n") + "\n"
}

func row(compartment string, x, value string) string {
	return strings.Join([]string{
		compartment, "salinity", "4326", x, "52.0", value,
		"none", "none", "none", "2020-01-01T00:00:00Z", "none", "none", "psu",
	}, ",")
}

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"grid.nc":     KindGrid,
		"TABLE.CSV":   KindTabular,
		"overlay.kml": KindVector,
		"overlay.kmz": KindVector,
		"run.log":     KindNone,
		"plot.png":    KindNone,
	}
	for name, want := range cases {
		if got := Classify(name); got != want {
			t.Fatalf("Classify(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestFingerprintNormalisesCategoricals(t *testing.T) {
	date := time.Date(2020, 1, 1, 1, 0, 0, 0, time.FixedZone("CET", 3600))
	a := Record{Compartment: "Sea", Parameter: " Salinity", Unit: "PSU", SRID: 4326, X: 4, Y: 52, Value: 1.5, Date: date}
	b := Record{Compartment: "sea", Parameter: "salinity", Unit: "psu ", SRID: 4326, X: 4.0, Y: 52.0, Value: 1.50, Date: date.UTC()}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("fingerprints differ:\n%s\n%s", Fingerprint(a), Fingerprint(b))
	}
	b.Value = 1.6
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("different values must not share a fingerprint")
	}
	if got := strings.Count(Fingerprint(a), "|"); got != 12 {
		t.Fatalf("expected 13 fields, got %d separators", got)
	}
}

func TestEnvironmentHash(t *testing.T) {
	h := EnvironmentHash(7, "plaice2nc.py")
	if len(h) != 32 {
		t.Fatalf("hash length = %d, want 32", len(h))
	}
	if h != EnvironmentHash(7, "plaice2nc.py") {
		t.Fatalf("hash is not stable")
	}
	if h == EnvironmentHash(7, "other.py") || h == EnvironmentHash(8, "plaice2nc.py") {
		t.Fatalf("hash must depend on environment and script")
	}
}

func TestImportDeduplicatesAndMergesLocations(t *testing.T) {
	store := seededStore()
	path := writeFile(t, t.TempDir(), "table.csv", csvBody(
		row("sea", "4.0", "1.5"),
		row("SEA", "4.0", "1.5"),
		row("Sea", "4.000001", "2.0"),
	))
	summary, err := Import(context.Background(), store, ImportRequest{
		Path: path, JobID: testJobID, EnvironmentHash: "env-a", Published: true,
	}, discardLogger())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if summary.Rows != 3 || summary.NewObservations != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	obs := store.Observations()
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
	if got := store.Locations(); len(got) != 1 {
		t.Fatalf("expected 1 merged location, got %d", len(got))
	}
	for _, o := range obs {
		if !o.Published {
			t.Fatalf("observation not published: %+v", o)
		}
		if !slices.Equal(o.Jobs, []string{testJobID}) || !slices.Equal(o.Environments, []string{"env-a"}) {
			t.Fatalf("unexpected membership: %+v", o)
		}
		if o.References[domain.RefCompartment] == 0 || o.References[domain.RefUnit] == 0 {
			t.Fatalf("references not resolved: %+v", o.References)
		}
	}
}

func TestImportSecondEnvironmentMergesMembership(t *testing.T) {
	store := seededStore()
	path := writeFile(t, t.TempDir(), "table.csv", csvBody(row("sea", "4.0", "1.5")))
	ctx := context.Background()
	if _, err := Import(ctx, store, ImportRequest{Path: path, JobID: testJobID, EnvironmentHash: "env-a"}, discardLogger()); err != nil {
		t.Fatalf("first import: %v", err)
	}
	summary, err := Import(ctx, store, ImportRequest{Path: path, JobID: otherJobID, EnvironmentHash: "env-b"}, discardLogger())
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if summary.ReusedObservations != 1 || summary.NewObservations != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	obs := store.Observations()
	if len(obs) != 1 {
		t.Fatalf("expected a single observation, got %d", len(obs))
	}
	if !slices.Equal(obs[0].Jobs, []string{testJobID, otherJobID}) {
		t.Fatalf("jobs = %v", obs[0].Jobs)
	}
	if !slices.Equal(obs[0].Environments, []string{"env-a", "env-b"}) {
		t.Fatalf("environments = %v", obs[0].Environments)
	}
}

func TestImportRerunDropsStaleObservations(t *testing.T) {
	store := seededStore()
	dir := t.TempDir()
	ctx := context.Background()
	first := writeFile(t, dir, "first.csv", csvBody(row("sea", "4.0", "1.5"), row("sea", "5.0", "3.0")))
	if _, err := Import(ctx, store, ImportRequest{Path: first, JobID: testJobID, EnvironmentHash: "env-a"}, discardLogger()); err != nil {
		t.Fatalf("first import: %v", err)
	}
	second := writeFile(t, dir, "second.csv", csvBody(row("sea", "4.0", "1.5")))
	summary, err := Import(ctx, store, ImportRequest{Path: second, JobID: otherJobID, EnvironmentHash: "env-a"}, discardLogger())
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if summary.DeletedStale != 2 {
		t.Fatalf("expected both previous rows reclaimed, got %+v", summary)
	}
	obs := store.Observations()
	if len(obs) != 1 || obs[0].Value != 1.5 {
		t.Fatalf("unexpected observations after rerun: %+v", obs)
	}
}

func TestImportMissingColumns(t *testing.T) {
	store := seededStore()
	body := "compartment,parameter,orig_srid,origx,origy,value,sampledevice,measurementmethod,samplemethod,date,property\n"
	path := writeFile(t, t.TempDir(), "table.csv", body)
	_, err := Import(context.Background(), store, ImportRequest{Path: path, JobID: testJobID, EnvironmentHash: "env-a"}, discardLogger())
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "'quality, unit'") {
		t.Fatalf("error does not list missing columns: %v", verr)
	}
}

func TestImportReportsAllUnresolvedValuesAndRollsBack(t *testing.T) {
	store := seededStore()
	bad := strings.Join([]string{
		"lake", "salinity", "4326", "4.0", "52.0", "1.0",
		"none", "none", "none", "2020-01-01", "none", "none", "furlong",
	}, ",")
	path := writeFile(t, t.TempDir(), "table.csv", csvBody(row("sea", "4.0", "1.5"), bad))
	_, err := Import(context.Background(), store, ImportRequest{Path: path, JobID: testJobID, EnvironmentHash: "env-a"}, discardLogger())
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{`Compartment "lake" does not exist.`, `Unit "furlong" does not exist.`}
	if !slices.Equal(verr.Problems, want) {
		t.Fatalf("problems = %q, want %q", verr.Problems, want)
	}
	if len(store.Observations()) != 0 || len(store.Locations()) != 0 {
		t.Fatalf("failed import left rows behind")
	}
}

func TestImportRejectsMalformedJobID(t *testing.T) {
	_, err := Import(context.Background(), seededStore(), ImportRequest{Path: "x.csv", JobID: "42", EnvironmentHash: "env"}, discardLogger())
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNcattedCommand(t *testing.T) {
	now := time.Date(2024, 3, 5, 6, 7, 8, 0, time.UTC)
	published := NcattedCommand("", GridRequest{
		Source: "in.nc", Dest: "out.nc", JobID: testJobID, Published: true,
		Publisher: Publisher{Name: "Jan", Email: "jan@example.org"},
	}, now).Redacted()
	for _, part := range []string{
		"/usr/bin/ncatted --attribute processing_level,global,o,c,final",
		"--attribute uuid,global,o,c," + testJobID,
		"--attribute date_created,global,o,c,2024-03-05T06:07:08Z",
		"--attribute publisher_name,global,o,c,Jan",
		"--attribute publisher_email,global,o,c,jan@example.org",
	} {
		if !strings.Contains(published, part) {
			t.Fatalf("publish command %q lacks %q", published, part)
		}
	}
	if !strings.HasSuffix(published, "--overwrite --history in.nc out.nc") {
		t.Fatalf("unexpected tail: %q", published)
	}

	noEmail := NcattedCommand("nc", GridRequest{Published: true, Publisher: Publisher{Name: "Jan", Email: "a@b"}}, now).Redacted()
	if !strings.Contains(noEmail, "publisher_name,global,o,c,Not available") {
		t.Fatalf("expected placeholder publisher name: %q", noEmail)
	}

	unpublished := NcattedCommand("nc", GridRequest{Source: "in.nc", Dest: "out.nc", JobID: testJobID}, now).Redacted()
	want := "nc --attribute processing_level,global,o,c,preliminary --attribute processing_job,global,o,c," + testJobID + " --overwrite --history in.nc out.nc"
	if unpublished != want {
		t.Fatalf("unpublish command = %q, want %q", unpublished, want)
	}
}

// fakeNcatted writes a shell script that records its arguments, optionally
// complains on stderr and copies the source to the destination.
func fakeNcatted(t *testing.T, dir string, stderr string) (bin, argsFile string) {
	t.Helper()
	argsFile = filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > '" + argsFile + "'\n"
	if stderr != "" {
		script += "echo '" + stderr + "' >&2\n"
	}
	script += "eval src=\\${$(($# - 1))}\n" +
		"eval dst=\\${$#}\n" +
		"cp \"$src\" \"$dst\"\n"
	bin = filepath.Join(dir, "ncatted")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ncatted: %v", err)
	}
	return bin, argsFile
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) CommitFile(kind, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[kind+"/"+result]++
}

type engineFixture struct {
	engine  *Engine
	store   *memory.Store
	objects *objectstore.MemoryStore
	metrics *countingRecorder
	root    string
	src     string
}

func newEngineFixture(t *testing.T, ncattedStderr string) (engineFixture, string) {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "results")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	bin, argsFile := fakeNcatted(t, root, ncattedStderr)
	fx := engineFixture{
		store:   seededStore(),
		objects: objectstore.NewMemoryStore(),
		metrics: &countingRecorder{},
		root:    root,
		src:     src,
	}
	engine, err := NewEngine(Config{
		OpendapDir:      filepath.Join(root, "opendap"),
		KMLDir:          filepath.Join(root, "kml"),
		NcattedBin:      bin,
		PublishedBucket: "published",
	}, Deps{
		Runner:  &runner.Runner{PollInterval: 10 * time.Millisecond},
		Tx:      fx.store,
		Results: fx.store,
		Objects: fx.objects,
		Metrics: fx.metrics,
		Logger:  discardLogger(),
		Now:     func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	fx.engine = engine
	return fx, argsFile
}

func (fx engineFixture) attach(t *testing.T, name, body string) domain.ResultFile {
	t.Helper()
	p := writeFile(t, fx.src, name, body)
	file, _, err := fx.store.AttachResult(context.Background(), domain.ResultFile{JobID: testJobID, Name: name, Path: p})
	if err != nil {
		t.Fatalf("attach %s: %v", name, err)
	}
	return file
}

func TestCommitAllKinds(t *testing.T) {
	fx, argsFile := newEngineFixture(t, "")
	env := fx.store.PutEnvironment(domain.Environment{
		Name: "plaice", Repo: "plaice",
		Image: domain.Image{ImagePath: "centos", Interpreter: "python {script_path}"},
		Owner: domain.Owner{Username: "jan", Name: "Jan", Email: "jan@example.org"},
	})
	files := []domain.ResultFile{
		fx.attach(t, "grid.nc", "netcdf"),
		fx.attach(t, "table.csv", csvBody(row("sea", "4.0", "1.5"))),
		fx.attach(t, "overlay.kml", "<kml/>"),
		fx.attach(t, "run.log", "log"),
	}
	report := fx.engine.Commit(context.Background(), Request{
		Job:         domain.Job{ID: testJobID, EnvironmentID: env.ID, Script: "plaice2nc.py"},
		Environment: env,
		Files:       files,
		Published:   true,
	})
	if failed := report.Failed(); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
	if len(report.Outcomes) != 3 {
		t.Fatalf("expected 3 committed files, got %d", len(report.Outcomes))
	}

	if data, err := os.ReadFile(filepath.Join(fx.root, "opendap", "plaice", "grid.nc")); err != nil || string(data) != "netcdf" {
		t.Fatalf("grid copy missing: %q, %v", data, err)
	}
	if data, err := os.ReadFile(filepath.Join(fx.root, "kml", "plaice", "overlay.kml")); err != nil || string(data) != "<kml/>" {
		t.Fatalf("vector copy missing: %q, %v", data, err)
	}
	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if !strings.Contains(string(args), "processing_level,global,o,c,final") {
		t.Fatalf("ncatted not asked to mark final: %s", args)
	}
	if len(fx.store.Observations()) != 1 {
		t.Fatalf("tabular rows not imported")
	}

	keys := fx.objects.Keys()
	slices.Sort(keys)
	if !slices.Equal(keys, []string{"published/plaice/grid.nc", "published/plaice/overlay.kml"}) {
		t.Fatalf("published objects = %v", keys)
	}
	stored, err := fx.store.ListResults(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	for _, f := range stored {
		wantCommitted := f.Name != "run.log"
		if f.Committed != wantCommitted {
			t.Fatalf("%s committed = %v, want %v", f.Name, f.Committed, wantCommitted)
		}
	}
	if fx.metrics.counts["grid/ok"] != 1 || fx.metrics.counts["tabular/ok"] != 1 || fx.metrics.counts["vector/ok"] != 1 {
		t.Fatalf("unexpected metrics: %v", fx.metrics.counts)
	}
}

func TestCommitGridStderrIsFailureAndOthersContinue(t *testing.T) {
	fx, _ := newEngineFixture(t, "ncatted: ERROR file is not netCDF")
	env := fx.store.PutEnvironment(domain.Environment{Repo: "plaice"})
	files := []domain.ResultFile{
		fx.attach(t, "broken.nc", ""),
		fx.attach(t, "overlay.kmz", "zip"),
	}
	report := fx.engine.Commit(context.Background(), Request{
		Job:         domain.Job{ID: testJobID, EnvironmentID: env.ID, Script: "s.py"},
		Environment: env,
		Files:       files,
	})
	failed := report.Failed()
	if len(failed) != 1 || failed[0].File.Name != "broken.nc" {
		t.Fatalf("expected only the grid to fail, got %+v", report.Outcomes)
	}
	var cerr *CommitError
	if !errors.As(failed[0].Err, &cerr) || !strings.Contains(cerr.Output, "ncatted: ERROR file") {
		t.Fatalf("expected CommitError with tool output, got %v", failed[0].Err)
	}
	if _, err := os.Stat(filepath.Join(fx.root, "kml", "plaice", "overlay.kmz")); err != nil {
		t.Fatalf("vector file not committed after grid failure: %v", err)
	}
	if fx.metrics.counts["grid/error"] != 1 {
		t.Fatalf("unexpected metrics: %v", fx.metrics.counts)
	}
}

func TestRepoDirStaysInsideRoot(t *testing.T) {
	cases := map[string]string{
		"plaice":       "plaice",
		"/abs/repo":    "abs/repo",
		"../../etc":    "etc",
		"":             "default",
		"nested/repo/": "nested/repo",
	}
	for in, want := range cases {
		if got := repoDir(in); got != want {
			t.Fatalf("repoDir(%q) = %q, want %q", in, got, want)
		}
	}
}
