package storage

import (
	"context"
)

// Store is the persistence contract consumed by the workflow engine, the
// task service and the POI resolver. Two implementations exist: KVStore
// (NATS JetStream KV, production) and MemStore (in-memory, tests and
// single-process development).
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)

	// Runs. CreateRun atomically acquires the per-robot exclusivity lock
	// and persists the run with its steps; it fails with ErrRobotBusy when
	// another RUNNING run holds the robot. UpdateRun releases the lock when
	// the run leaves RUNNING. DeleteRun compensates a failed start: it
	// removes the run, its steps and the lock.
	CreateRun(ctx context.Context, run *WorkflowRun, steps []*WorkflowStep) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, run *WorkflowRun) error
	DeleteRun(ctx context.Context, id string) error
	ListRuns(ctx context.Context, status RunStatus) ([]*WorkflowRun, error)

	// Steps, ordered by step_index.
	StepsForRun(ctx context.Context, runID string) ([]*WorkflowStep, error)
	UpdateStep(ctx context.Context, step *WorkflowStep) error

	// POI mappings. Kind is upper-cased on every access.
	GetMapping(ctx context.Context, kind, ref string) (*PoiMapping, error)
	UpsertMapping(ctx context.Context, m *PoiMapping) error
	DeleteMapping(ctx context.Context, kind, ref string) error
	ListMappings(ctx context.Context) ([]*PoiMapping, error)
}
