package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Hooks are the lifecycle signals of a task. Each hook is optional.
type Hooks struct {
	OnPublished func(ctx context.Context, task Task)
	OnPrerun    func(ctx context.Context, task Task)
	OnSuccess   func(ctx context.Context, task Task)
	OnFailure   func(ctx context.Context, task Task, err error)
	OnRevoked   func(ctx context.Context, task Task)
}

// RunFunc executes a delivered task.
type RunFunc func(ctx context.Context, task Task) error

// DefaultRevokedTTL is how long a revocation is remembered for tasks this
// worker has not been handed.
const DefaultRevokedTTL = 3 * time.Hour

// Dispatcher submits tasks and runs delivered ones at their ETA, emitting
// the lifecycle hooks. Revocation does not interrupt a running task.
type Dispatcher struct {
	broker     Broker
	run        RunFunc
	hooks      Hooks
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	revokedTTL time.Duration

	mu       sync.Mutex
	inflight map[string]Task
	revoked  map[string]time.Time
}

func NewDispatcher(broker Broker, run RunFunc, hooks Hooks, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		broker:     broker,
		run:        run,
		hooks:      hooks,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepContext,
		revokedTTL: DefaultRevokedTTL,
		inflight:   map[string]Task{},
		revoked:    map[string]time.Time{},
	}
}

// WithRevokedTTL bounds how long unmatched revocations are kept.
func (d *Dispatcher) WithRevokedTTL(ttl time.Duration) *Dispatcher {
	if ttl > 0 {
		d.revokedTTL = ttl
	}
	return d
}

// WithClock replaces the time source and the ETA wait.
func (d *Dispatcher) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Dispatcher {
	if now != nil {
		d.now = now
	}
	if sleep != nil {
		d.sleep = sleep
	}
	return d
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

// Submit publishes task and fires OnPublished.
func (d *Dispatcher) Submit(ctx context.Context, task Task) error {
	if d.broker == nil {
		return errors.New("dispatcher has no broker")
	}
	if task.Name == "" {
		task.Name = TaskRunScript
	}
	if err := d.broker.Publish(ctx, task); err != nil {
		return fmt.Errorf("publish task %s: %w", task.ID, err)
	}
	if d.hooks.OnPublished != nil {
		d.hooks.OnPublished(ctx, task)
	}
	return nil
}

// Revoke broadcasts a revocation of taskID to every worker.
func (d *Dispatcher) Revoke(ctx context.Context, taskID string) error {
	if d.broker == nil {
		return errors.New("dispatcher has no broker")
	}
	if err := d.broker.PublishRevoke(ctx, taskID); err != nil {
		return fmt.Errorf("publish revocation %s: %w", taskID, err)
	}
	return nil
}

func (d *Dispatcher) begin(task Task) {
	d.mu.Lock()
	d.inflight[task.ID] = task
	d.mu.Unlock()
}

// end forgets a task that ran, together with any revocation of it.
func (d *Dispatcher) end(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	delete(d.revoked, id)
	d.mu.Unlock()
}

func (d *Dispatcher) isRevoked(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.revoked[id]
	return ok
}

// pruneLocked drops revocations older than the TTL. d.mu must be held.
func (d *Dispatcher) pruneLocked(now time.Time) {
	for id, at := range d.revoked {
		if _, running := d.inflight[id]; running {
			continue
		}
		if now.Sub(at) > d.revokedTTL {
			delete(d.revoked, id)
		}
	}
}

// tracked reports how many tasks and revocations are held.
func (d *Dispatcher) tracked() (inflight, revoked int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight), len(d.revoked)
}

// HandleRevocation marks taskID revoked and fires OnRevoked once. A task
// that has not started yet is skipped when it comes due.
func (d *Dispatcher) HandleRevocation(ctx context.Context, taskID string) {
	now := d.now()
	d.mu.Lock()
	d.pruneLocked(now)
	if _, seen := d.revoked[taskID]; seen {
		d.mu.Unlock()
		return
	}
	d.revoked[taskID] = now
	task, ok := d.inflight[taskID]
	d.mu.Unlock()
	if !ok {
		task = Task{ID: taskID, Name: TaskRunScript}
	}
	d.logger.Info("task revoked", "task_id", taskID)
	if d.hooks.OnRevoked != nil {
		d.hooks.OnRevoked(ctx, task)
	}
}

// Execute waits for the task's ETA and runs it unless it was revoked.
func (d *Dispatcher) Execute(ctx context.Context, task Task) error {
	if !task.ETA.IsZero() {
		if wait := task.ETA.Sub(d.now()); wait > 0 {
			d.logger.Info("waiting for scheduled start", "task_id", task.ID, "eta", task.ETA)
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	if d.isRevoked(task.ID) {
		d.logger.Info("skipping revoked task", "task_id", task.ID)
		return nil
	}
	if d.run == nil {
		return errors.New("dispatcher has no run function")
	}
	d.begin(task)
	defer d.end(task.ID)
	if d.hooks.OnPrerun != nil {
		d.hooks.OnPrerun(ctx, task)
	}
	err := d.run(ctx, task)
	if err != nil {
		if d.hooks.OnFailure != nil {
			d.hooks.OnFailure(ctx, task, err)
		}
		return err
	}
	if d.hooks.OnSuccess != nil {
		d.hooks.OnSuccess(ctx, task)
	}
	return nil
}

// Serve consumes tasks and revocations until ctx is done or a consumer fails.
func (d *Dispatcher) Serve(ctx context.Context, consumer Consumer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- consumer.ConsumeRevocations(ctx, d.HandleRevocation) }()
	go func() { errs <- consumer.Consume(ctx, d.Execute) }()

	first := <-errs
	cancel()
	second := <-errs
	return errors.Join(first, second)
}
