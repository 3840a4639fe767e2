package logsink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
)

// Handler kinds attached to a job logger.
const (
	KindFile   = "file"
	KindPubSub = "pubsub"
)

type jobLog struct {
	handlers map[string]slog.Handler
	closers  []io.Closer
}

// JobLogs keeps the per-job handlers so attaching a job twice reuses the
// sinks it already has.
type JobLogs struct {
	sink  Sink
	base  slog.Handler
	level slog.Leveler

	mu   sync.Mutex
	jobs map[string]*jobLog
}

// NewJobLogs returns a registry publishing to sink. Records also go to base
// when it is not nil.
func NewJobLogs(sink Sink, base slog.Handler, level slog.Leveler) *JobLogs {
	if level == nil {
		level = slog.LevelDebug
	}
	return &JobLogs{sink: sink, base: base, level: level, jobs: map[string]*jobLog{}}
}

// Attach returns a logger for jobID writing to logPath and publishing on the
// channel of username. Kinds already attached for the job are not added again.
func (l *JobLogs) Attach(jobID, username, logPath string) (*slog.Logger, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, errors.New("job id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	jl, ok := l.jobs[jobID]
	if !ok {
		jl = &jobLog{handlers: map[string]slog.Handler{}}
		l.jobs[jobID] = jl
	}
	if _, ok := jl.handlers[KindFile]; !ok && logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open job log: %w", err)
		}
		jl.handlers[KindFile] = NewWriterHandler(f, l.level)
		jl.closers = append(jl.closers, f)
	}
	if _, ok := jl.handlers[KindPubSub]; !ok && l.sink != nil {
		jl.handlers[KindPubSub] = NewPubSubHandler(l.sink, Channel(username, jobID), l.level)
	}

	handlers := make([]slog.Handler, 0, len(jl.handlers)+1)
	if l.base != nil {
		handlers = append(handlers, l.base.WithAttrs([]slog.Attr{slog.String("job_id", jobID)}))
	}
	for _, kind := range sortedKinds(jl.handlers) {
		handlers = append(handlers, jl.handlers[kind])
	}
	return slog.New(Fanout(handlers...)), nil
}

// Kinds lists the handler kinds attached for jobID.
func (l *JobLogs) Kinds(jobID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	jl, ok := l.jobs[jobID]
	if !ok {
		return nil
	}
	return sortedKinds(jl.handlers)
}

// Detach closes the job's log file and forgets its handlers.
func (l *JobLogs) Detach(jobID string) error {
	l.mu.Lock()
	jl, ok := l.jobs[jobID]
	delete(l.jobs, jobID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	var errs []error
	for _, c := range jl.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKinds(handlers map[string]slog.Handler) []string {
	kinds := make([]string, 0, len(handlers))
	for k := range handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
