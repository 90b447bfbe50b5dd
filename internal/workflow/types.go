// Package workflow implements the persisted DAG executor:
// dependency-gated steps, per-step timeouts and retry budgets, cooperative
// cancellation, and action handlers that call agents over the message bus.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Status is a workflow's lifecycle state. The only legal transitions are
// pending -> running -> {completed, failed, cancelled}; paused is reserved.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// StepStatus is one step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Workflow is a persisted DAG of steps. A workflow exclusively owns its
// steps.
type Workflow struct {
	ID            string
	Name          string
	Description   string
	Status        Status
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedBy     string
	CurrentStepID string
	Context       map[string]any
}

// Step is one node of a workflow DAG.
type Step struct {
	ID                string
	WorkflowID        string
	Name              string
	Action            string
	Params            map[string]any
	DependsOn         []string
	TimeoutSeconds    int
	RetryCount        int
	RetryDelaySeconds float64
	Status            StepStatus
	Result            map[string]any
	Error             string
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// StepSpec declares one step when creating a workflow.
type StepSpec struct {
	Name              string
	Action            string
	Params            map[string]any
	DependsOn         []string // names of earlier steps in the same spec
	TimeoutSeconds    int
	RetryCount        int
	RetryDelaySeconds float64
}

// Result is what an action handler returns: a success flag plus context
// entries merged into the workflow context on completion.
type Result struct {
	Success bool
	Context map[string]any
}

func newID() string { return uuid.NewString() }
