// Package taskqueue delivers job tasks through RabbitMQ, honours delayed
// start times and broadcasts revocations to every worker.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskRunScript is the only task the worker executes.
const TaskRunScript = "run_script"

// Task is one queued unit of work. ID is the job uuid.
type Task struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	ETA     time.Time       `json:"eta,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (t Task) Validate() error {
	if _, err := uuid.Parse(strings.TrimSpace(t.ID)); err != nil {
		return errors.New("task id must be a uuid")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	return nil
}

// Revocation asks every worker to cancel a task.
type Revocation struct {
	TaskID string `json:"task_id"`
}

// Broker publishes tasks and revocations.
type Broker interface {
	Publish(ctx context.Context, task Task) error
	PublishRevoke(ctx context.Context, taskID string) error
}

// Consumer delivers tasks and revocations to handlers until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handle func(context.Context, Task) error) error
	ConsumeRevocations(ctx context.Context, handle func(context.Context, string)) error
}
