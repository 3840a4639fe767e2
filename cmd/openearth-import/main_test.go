package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/openearth-labs/openearth-go/internal/commit"
	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/repo/memory"
)

const (
	testJobID = "a17fdc18-7b0f-491d-9e13-b26668aa40b4"
	header    = "compartment,parameter,orig_srid,origx,origy,value,sampledevice,measurementmethod,samplemethod,date,property,quality,unit"
)

func fixture(t *testing.T, body string) (*memory.Store, domain.Environment, string) {
	t.Helper()
	store := memory.NewStore()
	for _, kind := range domain.ReferenceKinds {
		store.AddReference(kind, "none")
	}
	store.AddReference(domain.RefCompartment, "Sea")
	store.AddReference(domain.RefParameter, "Salinity")
	store.AddReference(domain.RefUnit, "PSU")
	env := store.PutEnvironment(domain.Environment{Name: "plaice", Repo: "plaice/"})
	if err := store.CreateJob(context.Background(), domain.Job{ID: testJobID, EnvironmentID: env.ID, Script: "run.py"}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	path := filepath.Join(t.TempDir(), "obs.csv")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return store, env, path
}

func TestImportDerivesEnvironmentHash(t *testing.T) {
	body := header + "\nsea,salinity,4326,4.5,52.0,31.2,none,none,none,2020-01-01,none,none,psu\n"
	store, env, path := fixture(t, body)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	summary, err := importCSV(context.Background(), store, options{CSVInput: path, JobID: testJobID, Published: true}, logger)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if summary.Rows != 1 || summary.NewObservations != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	obs := store.Observations()
	want := commit.EnvironmentHash(env.ID, "run.py")
	if len(obs) != 1 || len(obs[0].Environments) != 1 || obs[0].Environments[0] != want {
		t.Fatalf("unexpected observations: %+v", obs)
	}
}

func TestImportRequiresOptions(t *testing.T) {
	store, _, path := fixture(t, header+"\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := importCSV(context.Background(), store, options{JobID: testJobID}, logger); err == nil {
		t.Fatalf("expected error without csv input")
	}
	if _, err := importCSV(context.Background(), store, options{CSVInput: path}, logger); err == nil {
		t.Fatalf("expected error without job")
	}
}

func TestImportReportsValidationErrors(t *testing.T) {
	store, _, path := fixture(t, "compartment,value\nsea,1\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := importCSV(context.Background(), store, options{CSVInput: path, JobID: testJobID, EnvironmentHash: "abc"}, logger)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
