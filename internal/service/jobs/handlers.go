package jobs

import (
	"context"

	"github.com/openearth-labs/openearth-go/internal/domain"
	"github.com/openearth-labs/openearth-go/internal/platform/taskqueue"
)

// Hooks returns the task lifecycle handlers of s.
func (s *Service) Hooks() taskqueue.Hooks {
	return taskqueue.Hooks{
		OnPublished: s.HandlePublished,
		OnPrerun:    s.HandlePrerun,
		OnSuccess:   s.HandleSuccess,
		OnFailure:   s.HandleFailure,
		OnRevoked:   s.HandleRevoked,
	}
}

func (s *Service) HandlePublished(ctx context.Context, task taskqueue.Task) {
	s.signal(ctx, task.ID, domain.StatusScheduled)
}

func (s *Service) HandlePrerun(ctx context.Context, task taskqueue.Task) {
	s.signal(ctx, task.ID, domain.StatusStarted)
}

func (s *Service) HandleSuccess(ctx context.Context, task taskqueue.Task) {
	s.logger.Info("task succeeded", "job_id", task.ID)
	s.finish(task.ID)
}

// HandleFailure records FAILURE and makes sure the environment is gone.
func (s *Service) HandleFailure(ctx context.Context, task taskqueue.Task, err error) {
	logger := s.logger.With("job_id", task.ID)
	logger.Error("task failed", "error", err)
	s.conclude(ctx, task.ID, domain.StatusFailed)
	s.Cleanup(ctx, task.ID, nil, logger)
	s.finish(task.ID)
}

// HandleRevoked records REVOKED, destroys the environment and harvests what
// the job produced so far. Workers that never ran the job find nothing to
// destroy or harvest.
func (s *Service) HandleRevoked(ctx context.Context, task taskqueue.Task) {
	logger := s.logger.With("job_id", task.ID)
	logger.Info("task revoked")
	s.conclude(ctx, task.ID, domain.StatusRevoked)
	s.Cleanup(ctx, task.ID, nil, logger)
	s.finish(task.ID)
}

func (s *Service) signal(ctx context.Context, jobID string, next domain.Status) (domain.Status, bool) {
	stored, err := s.SetStatus(ctx, jobID, next)
	if err != nil {
		s.logger.Warn("status update failed", "job_id", jobID, "status", next.String(), "error", err)
		return domain.Status{}, false
	}
	return stored, true
}

// conclude records an outcome and counts it when this call set it.
func (s *Service) conclude(ctx context.Context, jobID string, outcome domain.Status) domain.Status {
	before, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn("load job", "job_id", jobID, "error", err)
		return domain.Status{}
	}
	stored, ok := s.signal(ctx, jobID, outcome)
	if ok && !before.Status.Terminal() && stored.Outcome == outcome.Outcome {
		s.recordOutcome(outcome.Outcome)
	}
	return stored
}
