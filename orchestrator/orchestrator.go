// Package orchestrator drives the system clock: each tick promotes due
// tasks out of the PENDING queue and advances every running workflow.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetworks/fleetd/storage"
	"github.com/fleetworks/fleetd/workflow"
)

// DefaultInterval is how often the background loop ticks.
const DefaultInterval = 2 * time.Second

const eventSource = "orchestrator"

// WorkflowTicker advances running workflows; the workflow engine
// satisfies it.
type WorkflowTicker interface {
	Tick(ctx context.Context) (workflow.TickResult, error)
}

// Publisher announces events; the event bus satisfies it.
type Publisher interface {
	Publish(eventType string, data map[string]any, source string) int
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]any, string) int { return 0 }

// Result counts what one orchestrator tick changed.
type Result struct {
	Promoted int                 `json:"promoted"`
	Workflow workflow.TickResult `json:"workflow"`
}

func (r Result) changed() bool {
	return r.Promoted > 0 || r.Workflow.ProgressedRuns > 0 ||
		r.Workflow.FinishedRuns > 0 || r.Workflow.FailedRuns > 0
}

// Orchestrator runs the promote-then-tick cycle, either on demand via
// TickOnce or continuously via Start.
type Orchestrator struct {
	store    storage.Store
	wf       WorkflowTicker
	pub      Publisher
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets the event publisher.
func WithPublisher(pub Publisher) Option {
	return func(o *Orchestrator) {
		o.pub = pub
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithInterval sets the background tick interval.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithClock sets the time source used for due-task promotion.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator.
func New(store storage.Store, wf WorkflowTicker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		wf:       wf,
		pub:      nopPublisher{},
		logger:   slog.Default(),
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TickOnce promotes due tasks, ticks the workflow engine and publishes
// the outcome.
func (o *Orchestrator) TickOnce(ctx context.Context) (Result, error) {
	promoted, err := o.promoteDueTasks(ctx)
	if err != nil {
		return Result{}, err
	}

	wfRes, err := o.wf.Tick(ctx)
	if err != nil {
		return Result{}, err
	}

	res := Result{Promoted: promoted, Workflow: wfRes}
	o.pub.Publish("orchestrator.ticked", map[string]any{
		"promoted": res.Promoted,
		"workflow": map[string]any{
			"progressed_runs": wfRes.ProgressedRuns,
			"finished_runs":   wfRes.FinishedRuns,
			"failed_runs":     wfRes.FailedRuns,
		},
	}, eventSource)
	if res.changed() {
		o.pub.Publish("system.updated", map[string]any{"reason": "orchestrator.tick"}, eventSource)
	}

	return res, nil
}

// promoteDueTasks moves PENDING tasks whose release time has passed to
// READY.
func (o *Orchestrator) promoteDueTasks(ctx context.Context) (int, error) {
	pending, err := o.store.ListTasks(ctx, storage.TaskFilter{Status: storage.TaskPending})
	if err != nil {
		return 0, err
	}

	now := o.now().UTC()
	promoted := 0
	for _, task := range pending {
		if task.ReleaseAt != nil && task.ReleaseAt.After(now) {
			continue
		}
		task.Status = storage.TaskReady
		if err := o.store.UpdateTask(ctx, task); err != nil {
			o.logger.Warn("Failed to promote task", "task_id", task.ID, "error", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// Start launches the background tick loop. Calling Start on a running
// orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		return
	}
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	go o.loop(ctx, o.stop, o.done)
}

// Stop signals the loop to exit and waits for it.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stop, done := o.stop, o.done
	o.stop, o.done = nil, nil
	o.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (o *Orchestrator) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := o.TickOnce(ctx); err != nil {
				o.logger.Error("Orchestrator tick failed", "error", err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
