package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetworks/fleetd/autoxing"
	"github.com/fleetworks/fleetd/robot"
	"github.com/fleetworks/fleetd/storage"
)

// VendorTasks is the slice of the vendor client the engine drives robots
// with.
type VendorTasks interface {
	TaskCreate(ctx context.Context, body map[string]any) (string, error)
	TaskStateV2(ctx context.Context, taskID string) (*autoxing.TaskState, error)
	TaskCancel(ctx context.Context, taskID string) error
}

// RobotStates fetches robot state, used for the offline check.
type RobotStates interface {
	State(ctx context.Context, robotID string) (*robot.State, error)
}

// SafetySwitch gates vendor task creation.
type SafetySwitch interface {
	Enabled() bool
}

// Publisher announces engine events; the event bus satisfies it.
type Publisher interface {
	Publish(eventType string, data map[string]any, source string) int
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]any, string) int { return 0 }

type safetyOff struct{}

func (safetyOff) Enabled() bool { return false }

const eventSource = "workflow-engine"

// Engine runs workflow protocols: it starts runs, advances them on tick,
// and applies operator decisions. All state lives in the store; the
// engine itself is stateless between calls.
type Engine struct {
	store   storage.Store
	planner *Planner
	robots  RobotStates
	vendor  VendorTasks
	safety  SafetySwitch
	pub     Publisher
	logger  *slog.Logger

	// autoReassign fails runs whose robot went offline and requeues
	// their tasks, instead of letting the run hang.
	autoReassign bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPublisher sets the event publisher.
func WithPublisher(pub Publisher) EngineOption {
	return func(e *Engine) {
		e.pub = pub
	}
}

// WithSafety sets the safe mode switch.
func WithSafety(s SafetySwitch) EngineOption {
	return func(e *Engine) {
		e.safety = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithAutoReassign enables offline detection and task requeueing.
func WithAutoReassign(on bool) EngineOption {
	return func(e *Engine) {
		e.autoReassign = on
	}
}

// NewEngine creates a workflow engine.
func NewEngine(store storage.Store, planner *Planner, robots RobotStates, vendor VendorTasks, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		planner: planner,
		robots:  robots,
		vendor:  vendor,
		safety:  safetyOff{},
		pub:     nopPublisher{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRun plans the task's protocol and starts a run on the robot.
// Nothing is persisted when planning fails; when the first vendor
// dispatch fails the freshly created run is deleted again, so a failed
// start leaves no trace.
func (e *Engine) StartRun(ctx context.Context, taskID, robotID string) (*storage.WorkflowRun, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTaskTerminal, taskID, task.Status)
	}

	steps, err := e.planner.Plan(ctx, task, robotID)
	if err != nil {
		return nil, err
	}

	run := &storage.WorkflowRun{
		TaskID:     taskID,
		RobotID:    robotID,
		Status:     storage.RunRunning,
		TotalSteps: len(steps),
	}
	if err := e.store.CreateRun(ctx, run, steps); err != nil {
		return nil, err
	}

	e.logger.Info("Workflow run created", "run_id", run.ID, "task_id", taskID, "robot_id", robotID)
	e.pub.Publish("workflow.run_started", map[string]any{
		"run_id":             run.ID,
		"task_id":            run.TaskID,
		"robot_id":           run.RobotID,
		"total_steps":        run.TotalSteps,
		"current_step_index": run.CurrentStepIndex,
	}, eventSource)

	if err := e.ensureStepStarted(ctx, run); err != nil {
		if delErr := e.store.DeleteRun(ctx, run.ID); delErr != nil {
			e.logger.Error("Failed to roll back run after start failure", "run_id", run.ID, "error", delErr)
		}
		return nil, err
	}

	e.notifyIfManual(ctx, run)
	return run, nil
}

// GetRun retrieves a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*storage.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return run, nil
}

// ListSteps returns a run's steps in protocol order.
func (e *Engine) ListSteps(ctx context.Context, runID string) ([]*storage.WorkflowStep, error) {
	steps, err := e.store.StepsForRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return steps, nil
}

// TickResult counts what one tick changed.
type TickResult struct {
	ProgressedRuns int `json:"progressed_runs"`
	FinishedRuns   int `json:"finished_runs"`
	FailedRuns     int `json:"failed_runs"`
}

func (r TickResult) changed() bool {
	return r.ProgressedRuns > 0 || r.FinishedRuns > 0 || r.FailedRuns > 0
}

// Tick advances every RUNNING run one notch: finished navigation legs
// move to the next step, stalled legs keep waiting, manual steps stay
// put. A run whose progress fails is marked FAILED with the error
// recorded, and the tick continues with the remaining runs.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	runs, err := e.store.ListRuns(ctx, storage.RunRunning)
	if err != nil {
		return TickResult{}, err
	}

	var res TickResult
	for _, run := range runs {
		changed, done, err := e.progressOne(ctx, run)
		if err != nil {
			run.Status = storage.RunFailed
			run.LastError = err.Error()
			run.CurrentVendorTaskID = ""
			if updErr := e.store.UpdateRun(ctx, run); updErr != nil {
				e.logger.Error("Failed to mark run failed", "run_id", run.ID, "error", updErr)
			}
			e.logger.Warn("Workflow run failed", "run_id", run.ID, "error", err)
			res.FailedRuns++
			continue
		}
		if changed {
			res.ProgressedRuns++
		}
		if done {
			res.FinishedRuns++
		}
	}

	e.pub.Publish("workflow.ticked", map[string]any{
		"progressed_runs": res.ProgressedRuns,
		"finished_runs":   res.FinishedRuns,
		"failed_runs":     res.FailedRuns,
	}, eventSource)
	if res.changed() {
		e.pub.Publish("workflow.updated", map[string]any{"reason": "tick"}, eventSource)
	}

	return res, nil
}

// Confirm records the operator's decision on the run's current manual
// step and applies the step's decision rules.
func (e *Engine) Confirm(ctx context.Context, runID, decision string, payload map[string]any) (*storage.WorkflowRun, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != storage.RunRunning {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotRunning, runID, run.Status)
	}

	steps, err := e.store.StepsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	step := stepAt(steps, run.CurrentStepIndex)
	if step == nil {
		return nil, fmt.Errorf("run %s has no step at index %d", runID, run.CurrentStepIndex)
	}
	if step.Type != storage.StepManualConfirm {
		return nil, fmt.Errorf("%w: step %d is %s", ErrStepNotManual, step.StepIndex, step.Type)
	}

	now := time.Now().UTC()
	step.CompletedAt = &now
	step.Decision = normalizeDecision(decision)
	if payload == nil {
		payload = map[string]any{}
	}
	step.DecisionPayload = payload
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, err
	}

	if err := e.applyDecision(ctx, run, step); err != nil {
		return nil, err
	}

	e.pub.Publish("workflow.confirmed", map[string]any{
		"run_id":   run.ID,
		"task_id":  run.TaskID,
		"robot_id": run.RobotID,
		"decision": step.Decision,
	}, eventSource)
	e.notifyIfManual(ctx, run)

	return run, nil
}

// notifyIfManual publishes workflow.needs_confirm when the run's current
// step waits on an operator.
func (e *Engine) notifyIfManual(ctx context.Context, run *storage.WorkflowRun) {
	if run.Status != storage.RunRunning {
		return
	}
	steps, err := e.store.StepsForRun(ctx, run.ID)
	if err != nil {
		return
	}
	step := stepAt(steps, run.CurrentStepIndex)
	if step == nil || step.Type != storage.StepManualConfirm {
		return
	}
	e.pub.Publish("workflow.needs_confirm", map[string]any{
		"run_id":     run.ID,
		"task_id":    run.TaskID,
		"robot_id":   run.RobotID,
		"step_index": step.StepIndex,
		"step_code":  step.Code,
		"label":      step.Label,
	}, eventSource)
}

// progressOne advances a single run. Returns whether anything changed
// and whether the run reached a terminal state.
func (e *Engine) progressOne(ctx context.Context, run *storage.WorkflowRun) (changed, done bool, err error) {
	if e.autoReassign {
		handled, err := e.handleOfflineReassign(ctx, run)
		if err != nil {
			return false, false, err
		}
		if handled {
			return true, true, nil
		}
	}

	if run.CurrentStepIndex >= run.TotalSteps {
		if err := e.finishRun(ctx, run, true); err != nil {
			return false, false, err
		}
		return true, true, nil
	}

	steps, err := e.store.StepsForRun(ctx, run.ID)
	if err != nil {
		return false, false, err
	}
	step := stepAt(steps, run.CurrentStepIndex)
	if step == nil {
		return false, false, fmt.Errorf("run %s has no step at index %d", run.ID, run.CurrentStepIndex)
	}

	if step.Type == storage.StepManualConfirm {
		// Waiting on the operator; nothing for the engine to do.
		return false, false, nil
	}

	if run.CurrentVendorTaskID == "" {
		if err := e.ensureStepStarted(ctx, run); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	state, err := e.vendor.TaskStateV2(ctx, run.CurrentVendorTaskID)
	if err != nil {
		return false, false, err
	}
	if !state.Complete() {
		return false, false, nil
	}

	run.CurrentStepIndex++
	run.CurrentVendorTaskID = ""
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return false, false, err
	}

	if run.CurrentStepIndex >= run.TotalSteps {
		if err := e.finishRun(ctx, run, true); err != nil {
			return false, false, err
		}
		return true, true, nil
	}

	if err := e.ensureStepStarted(ctx, run); err != nil {
		return false, false, err
	}
	e.notifyIfManual(ctx, run)
	return true, false, nil
}

// handleOfflineReassign fails the run and requeues its task when the
// robot reports itself offline. Only an explicit isOnline=false counts;
// a state fetch failure or a missing field leaves the run alone.
func (e *Engine) handleOfflineReassign(ctx context.Context, run *storage.WorkflowRun) (bool, error) {
	state, err := e.robots.State(ctx, run.RobotID)
	if err != nil {
		e.logger.Warn("Offline check failed", "run_id", run.ID, "robot_id", run.RobotID, "error", err)
		return false, nil
	}
	if !state.Offline() {
		return false, nil
	}

	if run.CurrentVendorTaskID != "" {
		if err := e.vendor.TaskCancel(ctx, run.CurrentVendorTaskID); err != nil {
			e.logger.Warn("Vendor task cancel failed", "run_id", run.ID, "vendor_task_id", run.CurrentVendorTaskID, "error", err)
		}
	}

	task, err := e.store.GetTask(ctx, run.TaskID)
	if err == nil && !task.Status.Terminal() {
		task.Status = storage.TaskReady
		task.AssignedRobotID = ""
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return false, err
		}
	}

	run.Status = storage.RunFailed
	run.LastError = "robot offline -> requeued"
	run.CurrentVendorTaskID = ""
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return false, err
	}

	e.logger.Warn("Robot offline, task requeued", "run_id", run.ID, "task_id", run.TaskID, "robot_id", run.RobotID)
	return true, nil
}

// finishRun closes the run and, on success, marks its task DONE. A task
// already in a terminal status stays as it is.
func (e *Engine) finishRun(ctx context.Context, run *storage.WorkflowRun, success bool) error {
	if success {
		if task, err := e.store.GetTask(ctx, run.TaskID); err == nil && !task.Status.Terminal() {
			task.Status = storage.TaskDone
			if err := e.store.UpdateTask(ctx, task); err != nil {
				return err
			}
		}
		run.Status = storage.RunDone
	} else {
		run.Status = storage.RunFailed
	}
	run.CurrentVendorTaskID = ""
	return e.store.UpdateRun(ctx, run)
}

// ensureStepStarted dispatches the current step's vendor task if the
// step is a navigation leg that hasn't been dispatched yet. Safe mode
// blocks dispatch entirely.
func (e *Engine) ensureStepStarted(ctx context.Context, run *storage.WorkflowRun) error {
	if run.CurrentStepIndex >= run.TotalSteps {
		return nil
	}

	steps, err := e.store.StepsForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	step := stepAt(steps, run.CurrentStepIndex)
	if step == nil {
		return fmt.Errorf("run %s has no step at index %d", run.ID, run.CurrentStepIndex)
	}
	if step.Type == storage.StepManualConfirm {
		return nil
	}

	if e.safety.Enabled() {
		return fmt.Errorf("%w: disable SAFE_MODE to dispatch robots", ErrSafeMode)
	}

	body, err := buildVendorNavTask(run.RobotID, step)
	if err != nil {
		return err
	}
	vendorTaskID, err := e.vendor.TaskCreate(ctx, body)
	if err != nil {
		return err
	}

	run.CurrentVendorTaskID = vendorTaskID
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}
	e.logger.Info("Vendor task created", "run_id", run.ID, "vendor_task_id", vendorTaskID)
	return nil
}

// applyDecision implements the decision table for manual steps.
func (e *Engine) applyDecision(ctx context.Context, run *storage.WorkflowRun, step *storage.WorkflowStep) error {
	task, err := e.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("task for run %s: %w", run.ID, err)
	}

	switch step.Code {
	case "ORDER_DECISION":
		switch step.Decision {
		case "POSTPONE":
			// Guests want more time; push the task back and release the robot.
			if !task.Status.Terminal() {
				minutes := payloadMinutes(step.DecisionPayload, 10)
				releaseAt := time.Now().UTC().Add(time.Duration(minutes) * time.Minute)
				task.ReleaseAt = &releaseAt
				task.Status = storage.TaskPending
				if err := e.store.UpdateTask(ctx, task); err != nil {
					return err
				}
			}
			run.Status = storage.RunCanceled
			run.CurrentVendorTaskID = ""
			return e.store.UpdateRun(ctx, run)

		case "COMPLETED":
			if !task.Status.Terminal() {
				task.Status = storage.TaskDone
				if err := e.store.UpdateTask(ctx, task); err != nil {
					return err
				}
			}
			run.CurrentStepIndex++
			if run.CurrentStepIndex >= run.TotalSteps {
				run.Status = storage.RunDone
			}
			return e.store.UpdateRun(ctx, run)
		}
		return fmt.Errorf("%w: ORDER_DECISION expects POSTPONE or COMPLETED, got %q", ErrBadDecision, step.Decision)

	case "CLEANUP_HAS_DISHES":
		switch step.Decision {
		case "NO":
			return e.completeEarly(ctx, run, task)
		case "YES":
			run.CurrentStepIndex++
			if err := e.store.UpdateRun(ctx, run); err != nil {
				return err
			}
			return e.ensureStepStarted(ctx, run)
		}
		return fmt.Errorf("%w: CLEANUP_HAS_DISHES expects YES or NO, got %q", ErrBadDecision, step.Decision)

	case "CLEANUP_MORE_DISHES":
		switch step.Decision {
		case "YES":
			// Loop back to the table for another round. The same step rows
			// are re-traversed; only the latest decision survives.
			run.CurrentStepIndex = 0
			run.CurrentVendorTaskID = ""
			if err := e.store.UpdateRun(ctx, run); err != nil {
				return err
			}
			return e.ensureStepStarted(ctx, run)
		case "NO":
			return e.completeEarly(ctx, run, task)
		}
		return fmt.Errorf("%w: CLEANUP_MORE_DISHES expects YES or NO, got %q", ErrBadDecision, step.Decision)
	}

	// DELIVERY_* and BILLING_* checkpoints, and any future codes, advance
	// on any decision.
	run.CurrentStepIndex++
	run.CurrentVendorTaskID = ""
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if run.CurrentStepIndex >= run.TotalSteps {
		run.Status = storage.RunDone
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return err
		}
		if task.Status.Terminal() {
			return nil
		}
		task.Status = storage.TaskDone
		return e.store.UpdateTask(ctx, task)
	}

	return e.ensureStepStarted(ctx, run)
}

// completeEarly finishes both the run and its task ahead of the
// remaining steps.
func (e *Engine) completeEarly(ctx context.Context, run *storage.WorkflowRun, task *storage.Task) error {
	if !task.Status.Terminal() {
		task.Status = storage.TaskDone
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return err
		}
	}
	run.Status = storage.RunDone
	run.CurrentStepIndex = run.TotalSteps
	run.CurrentVendorTaskID = ""
	return e.store.UpdateRun(ctx, run)
}

func stepAt(steps []*storage.WorkflowStep, index int) *storage.WorkflowStep {
	for _, s := range steps {
		if s.StepIndex == index {
			return s
		}
	}
	return nil
}

func normalizeDecision(decision string) string {
	return strings.ToUpper(strings.TrimSpace(decision))
}

func payloadMinutes(payload map[string]any, fallback int) int {
	if payload == nil {
		return fallback
	}
	switch v := payload["minutes"].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}

func buildVendorNavTask(robotID string, step *storage.WorkflowStep) (map[string]any, error) {
	if step.AreaID == "" || step.X == nil || step.Y == nil {
		return nil, fmt.Errorf("navigation step %d missing area or coordinates", step.StepIndex)
	}

	label := step.Label
	if label == "" {
		label = "Navigate"
	}

	taskPt := map[string]any{
		"areaId":     step.AreaID,
		"x":          *step.X,
		"y":          *step.Y,
		"yaw":        step.Yaw,
		"stopRadius": step.StopRadius,
		"type":       -1,
		"ext":        map[string]any{"name": label},
	}

	return map[string]any{
		"name":             label,
		"robotId":          robotID,
		"dispatchType":     0,
		"taskType":         6,
		"runType":          22,
		"runNum":           1,
		"routeMode":        1,
		"runMode":          1,
		"ignorePublicSite": false,
		"taskPts":          []any{taskPt},
	}, nil
}
