// Command openearth-import validates a CSV file of observations and imports
// it on behalf of a processing job.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/openearth-labs/openearth-go/internal/commit"
	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/platform/env"
	"github.com/openearth-labs/openearth-go/internal/platform/postgres"
	"github.com/openearth-labs/openearth-go/internal/repo"
	repopg "github.com/openearth-labs/openearth-go/internal/repo/postgres"
)

type options struct {
	CSVInput        string
	JobID           string
	EnvironmentHash string
	Published       bool
}

type importStore interface {
	repo.Transactor
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetEnvironment(ctx context.Context, id int64) (domain.Environment, error)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	var opts options
	flags := pflag.NewFlagSet("openearth-import", pflag.ExitOnError)
	flags.StringVar(&opts.CSVInput, "csv-input", "", "path to the CSV file")
	flags.StringVar(&opts.JobID, "processing-job", "", "processing job uuid")
	flags.StringVar(&opts.EnvironmentHash, "environment-hash", "", "environment hash; derived from the job when empty")
	flags.BoolVar(&opts.Published, "published", false, "mark the data as published")
	envFile := flags.String("env-file", ".env", "optional dotenv file")
	_ = flags.Parse(os.Args[1:])

	if err := env.LoadDotEnv(*envFile); err != nil {
		logger.Error("load env file", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	store := repopg.NewStore(db)

	summary, err := importCSV(ctx, pgImportStore{store}, opts, logger)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintln(os.Stderr, verr.Error())
			os.Exit(3)
		}
		logger.Error("import failed", "error", err)
		os.Exit(1)
	}
	logger.Info("import finished",
		"rows", summary.Rows,
		"new_observations", summary.NewObservations,
		"reused_observations", summary.ReusedObservations,
		"deleted_stale", summary.DeletedStale,
	)
}

func importCSV(ctx context.Context, store importStore, opts options, logger *slog.Logger) (commit.ImportSummary, error) {
	if strings.TrimSpace(opts.CSVInput) == "" {
		return commit.ImportSummary{}, errors.New("--csv-input is required")
	}
	if strings.TrimSpace(opts.JobID) == "" {
		return commit.ImportSummary{}, errors.New("--processing-job is required")
	}
	hash := strings.TrimSpace(opts.EnvironmentHash)
	if hash == "" {
		job, err := store.GetJob(ctx, opts.JobID)
		if err != nil {
			return commit.ImportSummary{}, fmt.Errorf("load job %s: %w", opts.JobID, err)
		}
		environment, err := store.GetEnvironment(ctx, job.EnvironmentID)
		if err != nil {
			return commit.ImportSummary{}, fmt.Errorf("load environment %d: %w", job.EnvironmentID, err)
		}
		hash = commit.EnvironmentHash(environment.ID, job.Script)
	}
	return commit.Import(ctx, store, commit.ImportRequest{
		Path:            opts.CSVInput,
		JobID:           opts.JobID,
		EnvironmentHash: hash,
		Published:       opts.Published,
	}, logger)
}

// pgImportStore exposes the job and environment lookups of a postgres store
// next to its import transaction.
type pgImportStore struct {
	*repopg.Store
}

func (s pgImportStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return s.Jobs.GetJob(ctx, id)
}

func (s pgImportStore) GetEnvironment(ctx context.Context, id int64) (domain.Environment, error) {
	return s.Environments.GetEnvironment(ctx, id)
}
