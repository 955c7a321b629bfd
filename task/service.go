// Package task manages the task lifecycle: creation with instant or
// delayed scheduling, field updates, and status changes. Tasks describe
// intent; the workflow engine turns them into robot runs.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetworks/fleetd/storage"
)

var (
	// ErrNotFound is returned when the referenced task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned when changing a DONE or CANCELED task.
	ErrTerminal = errors.New("task in terminal status")
)

const eventSource = "task-manager"

// Publisher announces task events; the event bus satisfies it.
type Publisher interface {
	Publish(eventType string, data map[string]any, source string) int
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]any, string) int { return 0 }

// Service is the task manager.
type Service struct {
	store  storage.Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublisher sets the event publisher.
func WithPublisher(pub Publisher) ServiceOption {
	return func(s *Service) {
		s.pub = pub
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a task service.
func NewService(store storage.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		pub:    nopPublisher{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput describes a new task.
type CreateInput struct {
	Title      string
	Notes      string
	Type       storage.TaskType
	TargetKind string
	TargetRef  string

	// ReleaseAt delays the task. A zero or past value means the task is
	// READY immediately.
	ReleaseAt *time.Time

	CreatedBy string
}

// Create stores a new task. A strictly-future release time makes the
// task PENDING; otherwise it is READY right away.
func (s *Service) Create(ctx context.Context, in CreateInput) (*storage.Task, error) {
	now := s.now().UTC()
	releaseAt := normalizeTime(in.ReleaseAt)

	status := storage.TaskReady
	if releaseAt != nil && releaseAt.After(now) {
		status = storage.TaskPending
	}

	createdBy := in.CreatedBy
	if createdBy == "" {
		createdBy = "operator"
	}

	task := &storage.Task{
		Title:      in.Title,
		Notes:      in.Notes,
		Type:       in.Type,
		TargetKind: in.TargetKind,
		TargetRef:  in.TargetRef,
		Status:     status,
		ReleaseAt:  releaseAt,
		CreatedBy:  createdBy,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("Task created", "task_id", task.ID, "task_type", task.Type, "status", task.Status)
	s.pub.Publish("task.created", map[string]any{
		"task_id":     task.ID,
		"task_type":   task.Type,
		"status":      task.Status,
		"target_kind": task.TargetKind,
		"target_ref":  task.TargetRef,
		"release_at":  task.ReleaseAt,
	}, eventSource)

	return task, nil
}

// Get retrieves a task.
func (s *Service) Get(ctx context.Context, id string) (*storage.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return task, nil
}

// List returns tasks matching the filter, newest first, windowed by
// offset and limit.
func (s *Service) List(ctx context.Context, f storage.TaskFilter, limit, offset int) ([]*storage.Task, error) {
	tasks, err := s.store.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}

	if offset >= len(tasks) {
		return nil, nil
	}
	tasks = tasks[offset:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// UpdateInput carries optional field updates; nil fields are unchanged.
type UpdateInput struct {
	Title      *string
	Notes      *string
	TargetKind *string
	TargetRef  *string
	ReleaseAt  *time.Time
}

// Update patches a task's fields. Changing the release time while the
// task is PENDING or READY re-derives its status from the new time.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*storage.Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Title != nil {
		task.Title = *in.Title
	}
	if in.Notes != nil {
		task.Notes = *in.Notes
	}
	if in.TargetKind != nil {
		task.TargetKind = *in.TargetKind
	}
	if in.TargetRef != nil {
		task.TargetRef = *in.TargetRef
	}
	if in.ReleaseAt != nil {
		releaseAt := normalizeTime(in.ReleaseAt)
		task.ReleaseAt = releaseAt
		if task.Status == storage.TaskPending || task.Status == storage.TaskReady {
			if releaseAt != nil && releaseAt.After(s.now().UTC()) {
				task.Status = storage.TaskPending
			} else {
				task.Status = storage.TaskReady
			}
		}
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.pub.Publish("task.updated", map[string]any{
		"task_id":   task.ID,
		"task_type": task.Type,
		"status":    task.Status,
	}, eventSource)

	return task, nil
}

// SetStatus forces a task into the given status, e.g. CANCELED.
// DONE and CANCELED are terminal; a task already there stays there.
func (s *Service) SetStatus(ctx context.Context, id string, status storage.TaskStatus) (*storage.Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() && status != task.Status {
		return nil, fmt.Errorf("%w: task %s is %s", ErrTerminal, id, task.Status)
	}

	task.Status = status
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.pub.Publish("task.status_changed", map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	}, eventSource)

	return task, nil
}

// normalizeTime stores times in UTC.
func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
