package workflow

import "errors"

// Errors returned by the workflow engine. ErrRobotBusy lives in storage
// since the run store is what enforces per-robot exclusivity.
var (
	// ErrTaskNotFound is returned when the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when starting a run for a DONE or
	// CANCELED task.
	ErrTaskTerminal = errors.New("task is in a terminal status")

	// ErrRunNotFound is returned when the referenced run does not exist.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRunNotRunning is returned when confirming a step on a run that
	// already finished.
	ErrRunNotRunning = errors.New("workflow run is not running")

	// ErrStepNotManual is returned when confirming while the current step
	// is a navigation leg.
	ErrStepNotManual = errors.New("current step is not a manual confirmation")

	// ErrBadDecision is returned when the decision value is not one the
	// current step accepts.
	ErrBadDecision = errors.New("decision not valid for this step")

	// ErrSafeMode is returned when safe mode blocks vendor task creation.
	ErrSafeMode = errors.New("safe mode blocks vendor task creation")

	// ErrUnresolvedTarget is returned when no POI matches a navigation
	// target during planning.
	ErrUnresolvedTarget = errors.New("could not resolve navigation target")
)
