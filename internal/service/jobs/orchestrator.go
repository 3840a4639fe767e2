package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/openearth-labs/openearth-go/internal/commit"
	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/execution/runner"
	"github.com/openearth-labs/openearth-go/internal/execution/vcs"
	"github.com/openearth-labs/openearth-go/internal/execution/vmenv"
	"github.com/openearth-labs/openearth-go/internal/platform/logsink"
	"github.com/openearth-labs/openearth-go/internal/platform/objectstore"
	"github.com/openearth-labs/openearth-go/internal/platform/taskqueue"
	"github.com/openearth-labs/openearth-go/internal/repo"
)

// JobLogName is the log file written into every results directory.
const JobLogName = "run.log"

var ErrNotInitialized = errors.New("jobs service not initialized")

// EnvironmentManager provisions the per-job execution environment.
type EnvironmentManager interface {
	Instance(jobID, baseImage string) *vmenv.Instance
	EnsureResultsDir(inst *vmenv.Instance) error
	Provision(ctx context.Context, inst *vmenv.Instance) error
	GetIP(ctx context.Context, inst *vmenv.Instance) (netip.Addr, error)
	Destroy(ctx context.Context, inst *vmenv.Instance) error
	Forget(jobID string)
}

type CommandRunner interface {
	Run(ctx context.Context, command runner.Command, onLine func(runner.Line)) (runner.Result, error)
}

type Committer interface {
	Commit(ctx context.Context, req commit.Request) commit.Report
}

type Recorder interface {
	JobFinished(outcome string)
	ObserveProvision(d time.Duration)
}

// Queue hands jobs to the task queue.
type Queue interface {
	Submit(ctx context.Context, task taskqueue.Task) error
	Revoke(ctx context.Context, taskID string) error
}

// Deps are the collaborators of a Service. Objects, Metrics and Logs are
// optional.
type Deps struct {
	Jobs         repo.JobRepository
	Environments repo.EnvironmentRepository
	Results      repo.ResultFileRepository
	Envs         EnvironmentManager
	Runner       CommandRunner
	VCS          vcs.Client
	Committer    Committer
	Logs         *logsink.JobLogs
	Objects      objectstore.Store
	Metrics      Recorder
	Logger       *slog.Logger
	Sleep        func(ctx context.Context, d time.Duration) error
}

// Service schedules, runs and cleans up jobs.
type Service struct {
	settings Settings
	deps     Deps
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	queueMu sync.RWMutex
	queue   Queue

	mu       sync.Mutex
	cleanups map[string]*sync.Mutex
	running  map[string]bool
}

func New(settings Settings, deps Deps) (*Service, error) {
	if deps.Jobs == nil || deps.Environments == nil || deps.Results == nil {
		return nil, errors.New("job, environment and result repositories are required")
	}
	if deps.Envs == nil || deps.Runner == nil || deps.VCS == nil || deps.Committer == nil {
		return nil, errors.New("environment manager, runner, vcs client and committer are required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Service{
		settings: settings,
		deps:     deps,
		logger:   logger,
		sleep:    sleep,
		cleanups: map[string]*sync.Mutex{},
		running:  map[string]bool{},
	}, nil
}

// AttachQueue sets the queue used by Submit and Revoke.
func (s *Service) AttachQueue(q Queue) {
	s.queueMu.Lock()
	s.queue = q
	s.queueMu.Unlock()
}

func (s *Service) currentQueue() (Queue, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.queue == nil {
		return nil, errors.New("task queue not attached")
	}
	return s.queue, nil
}

// SetStatus applies next to the stored job status and returns the result.
func (s *Service) SetStatus(ctx context.Context, jobID string, next domain.Status) (domain.Status, error) {
	if s == nil {
		return domain.Status{}, ErrNotInitialized
	}
	stored, err := s.deps.Jobs.UpdateJobStatus(ctx, jobID, next)
	if err != nil {
		return domain.Status{}, fmt.Errorf("update status of %s: %w", jobID, err)
	}
	if stored.Terminal() && next.Terminal() && stored.Outcome != next.Outcome {
		s.logger.Info("status update ignored", "job_id", jobID, "status", stored.String(), "ignored", next.String())
	}
	return stored, nil
}

// Submit stores job as CREATED and enqueues it to start at job.Start.
func (s *Service) Submit(ctx context.Context, job domain.Job) error {
	if s == nil {
		return ErrNotInitialized
	}
	if err := job.Validate(); err != nil {
		return err
	}
	q, err := s.currentQueue()
	if err != nil {
		return err
	}
	job.Status = domain.StatusCreated
	if err := s.deps.Jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return q.Submit(ctx, taskqueue.Task{ID: job.ID, Name: taskqueue.TaskRunScript, ETA: job.Start})
}

// Revoke asks every worker to cancel the job.
func (s *Service) Revoke(ctx context.Context, jobID string) error {
	if s == nil {
		return ErrNotInitialized
	}
	q, err := s.currentQueue()
	if err != nil {
		return err
	}
	return q.Revoke(ctx, jobID)
}

// Run executes one job. Cleanup runs whether or not the job succeeds. The
// returned error is the pipeline failure, if any.
func (s *Service) Run(ctx context.Context, task taskqueue.Task) error {
	if s == nil {
		return ErrNotInitialized
	}
	jobID := task.ID
	s.setRunning(jobID, true)
	defer s.setRunning(jobID, false)

	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	env, err := s.deps.Environments.GetEnvironment(ctx, job.EnvironmentID)
	if err != nil {
		return fmt.Errorf("load environment %d: %w", job.EnvironmentID, err)
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("environment %d: %w", env.ID, err)
	}
	if _, err := s.SetStatus(ctx, jobID, domain.StatusRunning); err != nil {
		return err
	}

	inst := s.deps.Envs.Instance(jobID, env.Image.ImagePath)
	if err := s.deps.Envs.EnsureResultsDir(inst); err != nil {
		return fmt.Errorf("results dir: %w", err)
	}
	logger := s.jobLogger(jobID, env.Owner.Username, inst.ResultsDir)
	logger.Info("job started", "script", job.Script, "environment", env.Name, "revision", job.Revision)

	runErr := s.execute(ctx, job, env, inst, logger)
	if runErr != nil {
		logger.Error("job failed", "error", runErr)
	}

	files := s.Cleanup(ctx, jobID, inst, logger)
	if runErr != nil {
		return runErr
	}

	current, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err == nil && current.Status.Terminal() {
		logger.Info("job already ended, skipping commit", "status", current.Status.String())
		return nil
	}
	report := s.deps.Committer.Commit(ctx, commit.Request{
		Job:         job,
		Environment: env,
		Files:       files,
		Published:   job.AutoCommit,
		Logger:      logger,
	})
	for _, failed := range report.Failed() {
		logger.Warn("file not committed", "file", failed.File.Name, "error", failed.Err)
	}
	stored := s.conclude(ctx, jobID, domain.StatusFinished)
	logger.Info("job finished", "status", stored.String())
	return nil
}

func (s *Service) execute(ctx context.Context, job domain.Job, env domain.Environment, inst *vmenv.Instance, logger *slog.Logger) error {
	steps, err := s.settings.BuildSteps(s.deps.VCS, job, env)
	if err != nil {
		return err
	}
	if s.settings.VerifyScript {
		if err := s.verifyScript(ctx, job, env, logger); err != nil {
			return err
		}
	}

	started := time.Now()
	if err := s.deps.Envs.Provision(ctx, inst); err != nil {
		return err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveProvision(time.Since(started))
	}

	ip, err := s.waitForIP(ctx, inst, logger)
	if err != nil {
		return err
	}
	logger.Info("waiting for ssh", "ip", ip.String(), "delay", s.settings.SSHReadyDelay.String())
	if err := s.sleep(ctx, s.settings.SSHReadyDelay); err != nil {
		return err
	}

	onLine := func(l runner.Line) {
		if l.Stream == runner.Stderr {
			logger.Warn(l.Text)
			return
		}
		logger.Info(l.Text)
	}
	for _, step := range steps {
		cmd := s.settings.RemoteStep(ip.String(), step)
		logger.Info("executing", "step", step.Name, "command", cmd.Redacted())
		if _, err := s.deps.Runner.Run(ctx, cmd, onLine); err != nil {
			if step.BestEffort && ctx.Err() == nil {
				logger.Warn("step failed, continuing", "step", step.Name, "error", err)
				continue
			}
			return fmt.Errorf("%s: %w", step.Name, err)
		}
	}
	return nil
}

// waitForIP polls the lease table, sleeping before each attempt.
func (s *Service) waitForIP(ctx context.Context, inst *vmenv.Instance, logger *slog.Logger) (netip.Addr, error) {
	var lastErr error
	for attempt := 1; attempt <= s.settings.IPAttempts; attempt++ {
		if err := s.sleep(ctx, s.settings.IPBackoff); err != nil {
			return netip.Addr{}, err
		}
		ip, err := s.deps.Envs.GetIP(ctx, inst)
		if err == nil {
			logger.Info("instance address found", "ip", ip.String(), "attempt", attempt)
			return ip, nil
		}
		if !errors.Is(err, vmenv.ErrNotRunning) && !errors.Is(err, vmenv.ErrAddressNotFound) {
			return netip.Addr{}, err
		}
		lastErr = err
		logger.Debug("instance address not yet available", "attempt", attempt, "error", err)
	}
	return netip.Addr{}, fmt.Errorf("no address after %d attempts: %w", s.settings.IPAttempts, lastErr)
}

// Cleanup destroys the job's environment and attaches the harvested result
// files. It is safe to call repeatedly and concurrently for one job.
func (s *Service) Cleanup(ctx context.Context, jobID string, inst *vmenv.Instance, logger *slog.Logger) []domain.ResultFile {
	lock := s.cleanupLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	if inst == nil {
		inst = s.deps.Envs.Instance(jobID, "")
	}
	if err := s.deps.Envs.Destroy(ctx, inst); err != nil {
		logger.Error("destroy environment", "error", err)
	}
	files, err := s.harvest(ctx, jobID, inst.ResultsDir, logger)
	if err != nil {
		logger.Error("harvest results", "error", err)
	}
	return files
}

func (s *Service) harvest(ctx context.Context, jobID, dir string, logger *slog.Logger) ([]domain.ResultFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no results directory", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read results dir: %w", err)
	}
	var (
		files []domain.ResultFile
		errs  []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !s.harvestable(entry.Name()) {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		file := domain.ResultFile{JobID: jobID, Name: entry.Name(), Path: full}
		if s.deps.Objects != nil && s.settings.ResultsBucket != "" {
			key := objectstore.ResultKey(jobID, entry.Name())
			if err := objectstore.PutFile(ctx, s.deps.Objects, s.settings.ResultsBucket, key, full, map[string]string{"job-id": jobID}); err != nil {
				errs = append(errs, err)
			} else {
				file.ObjectKey = key
			}
		}
		stored, created, err := s.deps.Results.AttachResult(ctx, file)
		if err != nil {
			errs = append(errs, fmt.Errorf("attach %s: %w", entry.Name(), err))
			continue
		}
		if created {
			logger.Info("result attached", "file", stored.Name)
		}
		files = append(files, stored)
	}
	return files, errors.Join(errs...)
}

// verifyScript runs the script listing on the worker host.
func (s *Service) verifyScript(ctx context.Context, job domain.Job, env domain.Environment, logger *slog.Logger) error {
	cmd, err := s.settings.ScriptCheck(s.deps.VCS, job, env)
	if err != nil {
		return err
	}
	logger.Info("verifying script", "command", cmd.Redacted())
	_, err = s.deps.Runner.Run(ctx, cmd, func(l runner.Line) {
		if l.Stream == runner.Stderr {
			logger.Warn(l.Text)
		}
	})
	if err != nil {
		return fmt.Errorf("verify script %s: %w", job.Script, err)
	}
	return nil
}

func (s *Service) harvestable(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return slices.Contains(s.settings.ResultExtensions, ext)
}

func (s *Service) jobLogger(jobID, username, resultsDir string) *slog.Logger {
	if s.deps.Logs == nil {
		return s.logger.With("job_id", jobID)
	}
	logPath := ""
	if resultsDir != "" {
		if info, err := os.Stat(resultsDir); err == nil && info.IsDir() {
			logPath = filepath.Join(resultsDir, JobLogName)
		}
	}
	logger, err := s.deps.Logs.Attach(jobID, username, logPath)
	if err != nil {
		s.logger.Warn("attach job log", "job_id", jobID, "error", err)
		return s.logger.With("job_id", jobID)
	}
	return logger
}

func (s *Service) finish(jobID string) {
	if s.isRunning(jobID) {
		return
	}
	if s.deps.Logs != nil {
		if err := s.deps.Logs.Detach(jobID); err != nil {
			s.logger.Warn("detach job log", "job_id", jobID, "error", err)
		}
	}
	s.deps.Envs.Forget(jobID)
	s.mu.Lock()
	delete(s.cleanups, jobID)
	s.mu.Unlock()
}

func (s *Service) recordOutcome(outcome domain.Outcome) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.JobFinished(outcome.String())
	}
}

func (s *Service) cleanupLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.cleanups[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.cleanups[jobID] = lock
	}
	return lock
}

func (s *Service) setRunning(jobID string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.running[jobID] = true
		return
	}
	delete(s.running, jobID)
}

func (s *Service) isRunning(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[jobID]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ EnvironmentManager = (*vmenv.Manager)(nil)
	_ Committer          = (*commit.Engine)(nil)
	_ CommandRunner      = (*runner.Runner)(nil)
)
