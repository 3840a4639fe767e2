package domain

import (
	"fmt"
	"strings"
)

// Stage is a pipeline stage a job has reached. Stages only move forward.
type Stage int

const (
	StageCreated   Stage = 10
	StageScheduled Stage = 20
	StagePending   Stage = 30
	StageStarted   Stage = 40
	StageRunning   Stage = 50
)

// Outcome is the terminal result of a job. Once set it never changes.
type Outcome int

const (
	OutcomeNone     Outcome = 0
	OutcomeFinished Outcome = 100
	OutcomeRevoked  Outcome = 500
	OutcomeFailed   Outcome = 999
)

// Status is either a pipeline stage or a terminal outcome reached from some stage.
//
// Stage monotonicity is enforced only while no outcome is set; an outcome is an
// absorbing transition and may be applied from any stage.
type Status struct {
	Stage   Stage
	Outcome Outcome
}

var (
	StatusCreated   = Status{Stage: StageCreated}
	StatusScheduled = Status{Stage: StageScheduled}
	StatusPending   = Status{Stage: StagePending}
	StatusStarted   = Status{Stage: StageStarted}
	StatusRunning   = Status{Stage: StageRunning}
	StatusFinished  = Status{Outcome: OutcomeFinished}
	StatusRevoked   = Status{Outcome: OutcomeRevoked}
	StatusFailed    = Status{Outcome: OutcomeFailed}
)

// Terminal reports whether an outcome has been recorded.
func (s Status) Terminal() bool {
	return s.Outcome != OutcomeNone
}

// Apply returns the status after receiving next. Duplicate or out-of-order
// stage updates are ignored, and any update after an outcome is ignored.
func (s Status) Apply(next Status) Status {
	if s.Terminal() {
		return s
	}
	if next.Terminal() {
		return Status{Stage: s.Stage, Outcome: next.Outcome}
	}
	if next.Stage > s.Stage {
		return Status{Stage: next.Stage}
	}
	return s
}

// Code returns the numeric level used by the job listing: the outcome when
// set, the stage otherwise.
func (s Status) Code() int {
	if s.Terminal() {
		return int(s.Outcome)
	}
	return int(s.Stage)
}

func (s Status) String() string {
	if s.Terminal() {
		return s.Outcome.String()
	}
	return s.Stage.String()
}

func (s Stage) String() string {
	switch s {
	case StageCreated:
		return "CREATED"
	case StageScheduled:
		return "SCHEDULED"
	case StagePending:
		return "PENDING"
	case StageStarted:
		return "STARTED"
	case StageRunning:
		return "RUNNING"
	default:
		return fmt.Sprintf("STAGE(%d)", int(s))
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return ""
	case OutcomeFinished:
		return "FINISHED"
	case OutcomeRevoked:
		return "REVOKED"
	case OutcomeFailed:
		return "FAILURE"
	default:
		return fmt.Sprintf("OUTCOME(%d)", int(o))
	}
}

// ParseStatus maps a status name (as emitted by the task queue) to a Status.
func ParseStatus(name string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "CREATED":
		return StatusCreated, true
	case "SCHEDULED":
		return StatusScheduled, true
	case "PENDING":
		return StatusPending, true
	case "STARTED":
		return StatusStarted, true
	case "RUNNING":
		return StatusRunning, true
	case "FINISHED", "SUCCESS":
		return StatusFinished, true
	case "REVOKED":
		return StatusRevoked, true
	case "FAILURE", "FAILED":
		return StatusFailed, true
	default:
		return Status{}, false
	}
}
