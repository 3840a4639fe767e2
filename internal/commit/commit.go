// Package commit moves harvested result files into their durable
// destinations: grid datasets are marked and copied to the OPeNDAP tree,
// tabular files are imported as observations and vector overlays are copied
// to the KML tree.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/execution/runner"
	"github.com/openearth-labs/openearth-go/internal/platform/objectstore"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

// Kind classifies a result file by extension.
type Kind string

const (
	KindNone    Kind = ""
	KindGrid    Kind = "grid"
	KindTabular Kind = "tabular"
	KindVector  Kind = "vector"
)

// Classify returns the committer kind for a file name. Files of other types
// are attached to the job but never committed.
func Classify(name string) Kind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".nc":
		return KindGrid
	case ".csv":
		return KindTabular
	case ".kml", ".kmz":
		return KindVector
	default:
		return KindNone
	}
}

// CommitError reports a failed commit of a single file. Output holds what
// the external tool wrote to stderr.
type CommitError struct {
	File   string
	Output string
	Err    error
}

func (e *CommitError) Error() string {
	msg := "commit " + e.File + " failed"
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommitError) Unwrap() error { return e.Err }

// CommandRunner runs an external command and streams its output.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command, onLine func(runner.Line)) (runner.Result, error)
}

// Recorder counts committed files. Implementations must be safe for
// concurrent use.
type Recorder interface {
	CommitFile(kind, result string)
}

type Config struct {
	OpendapDir      string
	KMLDir          string
	NcattedBin      string
	PublishedBucket string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.OpendapDir) == "" {
		return errors.New("opendap directory is required")
	}
	if strings.TrimSpace(c.KMLDir) == "" {
		return errors.New("kml directory is required")
	}
	return nil
}

// Deps are the collaborators of an Engine. Objects and Metrics are optional.
type Deps struct {
	Runner  CommandRunner
	Tx      repo.Transactor
	Results repo.ResultFileRepository
	Objects objectstore.Store
	Metrics Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

type Engine struct {
	cfg     Config
	runner  CommandRunner
	tx      repo.Transactor
	results repo.ResultFileRepository
	objects objectstore.Store
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Runner == nil {
		deps.Runner = &runner.Runner{}
	}
	if deps.Tx == nil {
		return nil, errors.New("transactor is required")
	}
	if deps.Results == nil {
		return nil, errors.New("result repository is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		cfg:     cfg,
		runner:  deps.Runner,
		tx:      deps.Tx,
		results: deps.Results,
		objects: deps.Objects,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     deps.Now,
	}, nil
}

// Request is the set of files one job commits.
type Request struct {
	Job         domain.Job
	Environment domain.Environment
	Files       []domain.ResultFile
	Published   bool
	Logger      *slog.Logger
}

// FileOutcome is the result of committing one file.
type FileOutcome struct {
	File        domain.ResultFile
	Kind        Kind
	Destination string
	Err         error
}

// Report lists the outcome of every file in a Request.
type Report struct {
	Outcomes []FileOutcome
}

// Failed returns the outcomes that carry an error.
func (r Report) Failed() []FileOutcome {
	var out []FileOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Commit commits every file of req independently. A failing file is logged
// and reported without stopping the remaining files.
func (e *Engine) Commit(ctx context.Context, req Request) Report {
	logger := req.Logger
	if logger == nil {
		logger = e.logger
	}
	logger = logger.With("job_id", req.Job.ID)
	logger.Info("starting commit", "files", len(req.Files), "published", req.Published)

	var report Report
	for _, file := range req.Files {
		kind := Classify(file.Name)
		if kind == KindNone {
			continue
		}
		logger.Info("committing file", "file", file.Name, "kind", string(kind))
		outcome := e.commitFile(ctx, req, file, kind, logger)
		if outcome.Err != nil {
			logger.Warn("commit failed", "file", file.Name, "kind", string(kind), "error", outcome.Err)
			e.record(kind, "error")
		} else {
			e.record(kind, "ok")
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	logger.Info("commit finished", "files", len(report.Outcomes), "failed", len(report.Failed()))
	return report
}

func (e *Engine) commitFile(ctx context.Context, req Request, file domain.ResultFile, kind Kind, logger *slog.Logger) FileOutcome {
	outcome := FileOutcome{File: file, Kind: kind}
	var objectKey string

	switch kind {
	case KindGrid:
		outcome.Destination = e.destination(e.cfg.OpendapDir, req.Environment.Repo, file.Name)
		outcome.Err = e.commitGrid(ctx, GridRequest{
			Source:    file.Path,
			Dest:      outcome.Destination,
			JobID:     req.Job.ID,
			Published: req.Published,
			Publisher: Publisher{Name: req.Environment.Owner.Name, Email: req.Environment.Owner.Email},
		}, logger)
	case KindVector:
		outcome.Destination = e.destination(e.cfg.KMLDir, req.Environment.Repo, file.Name)
		if err := copyVector(file.Path, outcome.Destination); err != nil {
			outcome.Err = &CommitError{File: file.Path, Err: err}
		}
	case KindTabular:
		summary, err := Import(ctx, e.tx, ImportRequest{
			Path:            file.Path,
			JobID:           req.Job.ID,
			EnvironmentHash: EnvironmentHash(req.Environment.ID, req.Job.Script),
			Published:       req.Published,
		}, logger)
		if err != nil {
			outcome.Err = err
			return outcome
		}
		logger.Info("imported observations", "file", file.Name, "rows", summary.Rows,
			"new", summary.NewObservations, "reused", summary.ReusedObservations)
	}
	if outcome.Err != nil {
		return outcome
	}

	if outcome.Destination != "" && e.objects != nil && e.cfg.PublishedBucket != "" {
		objectKey = objectstore.PublishedKey(repoDir(req.Environment.Repo), file.Name)
		meta := map[string]string{"job-id": req.Job.ID, "kind": string(kind)}
		if err := objectstore.PutFile(ctx, e.objects, e.cfg.PublishedBucket, objectKey, outcome.Destination, meta); err != nil {
			logger.Warn("upload of published copy failed", "file", file.Name, "error", err)
			objectKey = ""
		}
	}
	if file.ID > 0 {
		if err := e.results.MarkCommitted(ctx, file.ID, objectKey); err != nil {
			outcome.Err = fmt.Errorf("mark %s committed: %w", file.Name, err)
		}
	}
	return outcome
}

func (e *Engine) destination(root, repository, name string) string {
	return filepath.Join(root, filepath.FromSlash(repoDir(repository)), name)
}

func (e *Engine) record(kind Kind, result string) {
	if e.metrics != nil {
		e.metrics.CommitFile(string(kind), result)
	}
}

// repoDir turns a repository name into a relative path that stays inside
// the destination root.
func repoDir(repository string) string {
	cleaned := path.Clean("/" + strings.TrimSpace(repository))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "default"
	}
	return cleaned
}
