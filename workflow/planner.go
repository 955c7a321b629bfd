// Package workflow implements the protocol-based workflow engine: tasks
// expand into step protocols, NAVIGATE steps become vendor dispatch
// tasks, MANUAL_CONFIRM steps wait for an operator decision.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetworks/fleetd/poi"
	"github.com/fleetworks/fleetd/robot"
	"github.com/fleetworks/fleetd/storage"
)

// defaultStopRadius is how close, in meters, the robot must get to a
// navigation target before the leg counts as reached.
const defaultStopRadius = 1.0

// TargetResolver maps a symbolic (kind, ref) target to a POI.
type TargetResolver interface {
	Resolve(ctx context.Context, robotID, targetKind, targetRef string) (*robot.POI, error)
}

// Planner expands a task into its protocol steps. Navigation targets
// are resolved at planning time so a run never starts with an unknown
// destination.
type Planner struct {
	resolver TargetResolver
}

// NewPlanner creates a Planner.
func NewPlanner(resolver TargetResolver) *Planner {
	return &Planner{resolver: resolver}
}

type planFunc func(ctx context.Context, p *Planner, task *storage.Task, robotID string) ([]*storage.WorkflowStep, error)

var protocols = map[storage.TaskType]planFunc{
	storage.TaskOrdering: planOrdering,
	storage.TaskDelivery: planDelivery,
	storage.TaskCleanup:  planCleanup,
	storage.TaskBilling:  planBilling,
	storage.TaskNavigate: planNavigate,
	storage.TaskCharging: planCharging,
}

// Plan returns the ordered protocol steps for the task on the given
// robot.
func (p *Planner) Plan(ctx context.Context, task *storage.Task, robotID string) ([]*storage.WorkflowStep, error) {
	plan, ok := protocols[task.Type]
	if !ok {
		return nil, fmt.Errorf("task type %s has no workflow protocol", task.Type)
	}
	return plan(ctx, p, task, robotID)
}

func planOrdering(ctx context.Context, p *Planner, task *storage.Task, robotID string) ([]*storage.WorkflowStep, error) {
	nav, err := p.navStep(ctx, robotID, "TABLE", task.TargetRef, fmt.Sprintf("Ordering: Go to Table %s", task.TargetRef))
	if err != nil {
		return nil, err
	}
	return []*storage.WorkflowStep{
		nav,
		manualStep("ORDER_DECISION", "Ordering: Touchscreen (POSTPONE or COMPLETED)"),
	}, nil
}

func planDelivery(ctx context.Context, p *Planner, task *storage.Task, robotID string) ([]*storage.WorkflowStep, error) {
	toKitchen, err := p.navStep(ctx, robotID, "KITCHEN", "main", "Delivery: Go to Kitchen")
	if err != nil {
		return nil, err
	}
	toTable, err := p.navStep(ctx, robotID, "TABLE", task.TargetRef, fmt.Sprintf("Delivery: Go to Table %s", task.TargetRef))
	if err != nil {
		return nil, err
	}
	return []*storage.WorkflowStep{
		toKitchen,
		manualStep("DELIVERY_LOADED", "Delivery: Chef loaded & verified (CONFIRM)"),
		toTable,
		manualStep("DELIVERY_DONE", "Delivery: Delivered (CONFIRM)"),
	}, nil
}

func planCleanup(ctx context.Context, p *Planner, task *storage.Task, robotID string) ([]*storage.WorkflowStep, error) {
	toTable, err := p.navStep(ctx, robotID, "TABLE", task.TargetRef, fmt.Sprintf("Cleanup: Go to Table %s", task.TargetRef))
	if err != nil {
		return nil, err
	}
	toWashing, err := p.navStep(ctx, robotID, "WASHING", "main", "Cleanup: Go to Washing Machine / Dish Area")
	if err != nil {
		return nil, err
	}
	return []*storage.WorkflowStep{
		toTable,
		manualStep("CLEANUP_HAS_DISHES", "Cleanup: Has dishes? (YES/NO)"),
		toWashing,
		manualStep("CLEANUP_MORE_DISHES", "Cleanup: More dishes remaining? (YES/NO)"),
	}, nil
}

func planBilling(ctx context.Context, p *Planner, task *storage.Task, robotID string) ([]*storage.WorkflowStep, error) {
	toOperator, err := p.navStep(ctx, robotID, "OPERATOR", "main", "Billing: Go to Operator")
	if err != nil {
		return nil, err
	}
	toTable, err := p.navStep(ctx, robotID, "TABLE", task.TargetRef, fmt.Sprintf("Billing: Go to Table %s", task.TargetRef))
	if err != nil {
		return nil, err
	}
	backToOperator, err := p.navStep(ctx, robotID, "OPERATOR", "main", "Billing: Return to Operator")
	if err != nil {
		return nil, err
	}
	return []*storage.WorkflowStep{
		toOperator,
		manualStep("BILLING_READY", "Billing: Operator prepared bill (CONFIRM)"),
		toTable,
		manualStep("BILLING_COLLECTED", "Billing: Payment collected (CONFIRM)"),
		backToOperator,
		manualStep("BILLING_DONE", "Billing: Completed (CONFIRM)"),
	}, nil
}

func planNavigate(ctx context.Context, p *Planner, task *storage.Task, robotID string) ([]*storage.WorkflowStep, error) {
	nav, err := p.navStep(ctx, robotID, task.TargetKind, task.TargetRef, task.Title)
	if err != nil {
		return nil, err
	}
	return []*storage.WorkflowStep{nav}, nil
}

func planCharging(ctx context.Context, p *Planner, task *storage.Task, robotID string) ([]*storage.WorkflowStep, error) {
	ref := task.TargetRef
	if ref == "" {
		ref = "main"
	}
	label := task.Title
	if label == "" {
		label = "Charging: Go to charging station"
	}
	nav, err := p.navStep(ctx, robotID, "CHARGING", ref, label)
	if err != nil {
		return nil, err
	}
	return []*storage.WorkflowStep{nav}, nil
}

func manualStep(code, label string) *storage.WorkflowStep {
	return &storage.WorkflowStep{
		Type:  storage.StepManualConfirm,
		Code:  code,
		Label: label,
	}
}

func (p *Planner) navStep(ctx context.Context, robotID, targetKind, targetRef, label string) (*storage.WorkflowStep, error) {
	target, err := p.resolver.Resolve(ctx, robotID, targetKind, targetRef)
	if err != nil {
		if errors.Is(err, poi.ErrNoMatch) {
			return nil, fmt.Errorf("%w: kind=%s ref=%q", ErrUnresolvedTarget, targetKind, targetRef)
		}
		return nil, fmt.Errorf("resolve %s %q: %w", targetKind, targetRef, err)
	}

	step := &storage.WorkflowStep{
		Type:       storage.StepNavigate,
		Code:       "NAVIGATE",
		Label:      label,
		AreaID:     target.AreaID,
		StopRadius: defaultStopRadius,
	}
	if len(target.Coordinate) >= 2 {
		step.X = &target.Coordinate[0]
		step.Y = &target.Coordinate[1]
	}
	if target.Yaw != nil {
		step.Yaw = *target.Yaw
	}
	return step, nil
}
