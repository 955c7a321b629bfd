// Package storage provides entity storage for fleetd using NATS KV.
package storage

import (
	"time"
)

// TaskType identifies the workflow protocol a task expands into.
type TaskType string

const (
	TaskNavigate TaskType = "NAVIGATE"
	TaskOrdering TaskType = "ORDERING"
	TaskDelivery TaskType = "DELIVERY"
	TaskCleanup  TaskType = "CLEANUP"
	TaskBilling  TaskType = "BILLING"
	TaskCharging TaskType = "CHARGING"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskReady      TaskStatus = "READY"
	TaskAssigned   TaskStatus = "ASSIGNED"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskDone       TaskStatus = "DONE"
	TaskCanceled   TaskStatus = "CANCELED"
	TaskFailed     TaskStatus = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCanceled
}

// Task represents a work intent created by an operator.
type Task struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Notes string `json:"notes,omitempty"`

	Type       TaskType `json:"task_type"`
	TargetKind string   `json:"target_kind"`
	TargetRef  string   `json:"target_ref"`

	Status TaskStatus `json:"status"`

	// ReleaseAt delays the task: strictly-future values keep it PENDING.
	// Always stored in UTC.
	ReleaseAt *time.Time `json:"release_at,omitempty"`

	AssignedRobotID string `json:"assigned_robot_id,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunDone     RunStatus = "DONE"
	RunFailed   RunStatus = "FAILED"
	RunCanceled RunStatus = "CANCELED"
)

// Terminal reports whether the run status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunDone || s == RunFailed || s == RunCanceled
}

// WorkflowRun is one concrete execution of a protocol against a robot.
// At most one RUNNING run exists per robot at any moment.
type WorkflowRun struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	RobotID string `json:"robot_id"`

	Status RunStatus `json:"status"`

	CurrentStepIndex int `json:"current_step_index"`
	TotalSteps       int `json:"total_steps"`

	// CurrentVendorTaskID is the opaque vendor job backing the current
	// NAVIGATE step. Empty between steps and whenever the run is not RUNNING.
	CurrentVendorTaskID string `json:"current_vendor_task_id,omitempty"`

	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepType distinguishes autonomous navigation legs from human checkpoints.
type StepType string

const (
	StepNavigate      StepType = "NAVIGATE"
	StepManualConfirm StepType = "MANUAL_CONFIRM"
)

// WorkflowStep is one node of a run's protocol. Steps are created once at
// run start and are immutable afterwards, except for the decision fields
// on MANUAL_CONFIRM steps. The same step rows are re-traversed when a
// protocol loops; only the latest decision is kept.
type WorkflowStep struct {
	ID        string   `json:"id"`
	RunID     string   `json:"run_id"`
	StepIndex int      `json:"step_index"`
	Type      StepType `json:"step_type"`
	Code      string   `json:"step_code"`
	Label     string   `json:"label,omitempty"`

	// NAVIGATE target. X and Y are pointers so a missing coordinate is
	// distinguishable from the origin.
	AreaID     string   `json:"area_id,omitempty"`
	X          *float64 `json:"x,omitempty"`
	Y          *float64 `json:"y,omitempty"`
	Yaw        float64  `json:"yaw,omitempty"`
	StopRadius float64  `json:"stop_radius,omitempty"`

	// MANUAL_CONFIRM decision record.
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Decision        string         `json:"decision,omitempty"`
	DecisionPayload map[string]any `json:"decision_payload,omitempty"`
}

// PoiMapping pins a symbolic (kind, ref) pair to a concrete vendor POI id.
// Kind is stored upper-cased; (kind, ref) is the primary key.
type PoiMapping struct {
	Kind   string `json:"kind"`
	Ref    string `json:"ref"`
	PoiID  string `json:"poi_id"`
	AreaID string `json:"area_id,omitempty"`
	Label  string `json:"label,omitempty"`
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Status TaskStatus
	Type   TaskType
}

// Matches reports whether the task passes the filter.
func (f TaskFilter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	return true
}
