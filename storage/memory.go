package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and single-process development.
// All methods are safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	runs     map[string]*WorkflowRun
	steps    map[string][]*WorkflowStep // keyed by run id
	mappings map[string]*PoiMapping     // keyed by mappingKey
	locks    map[string]string          // robot id -> run id
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:    make(map[string]*Task),
		runs:     make(map[string]*WorkflowRun),
		steps:    make(map[string][]*WorkflowStep),
		mappings: make(map[string]*PoiMapping),
		locks:    make(map[string]string),
	}
}

func (s *MemStore) CreateTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MemStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MemStore) UpdateTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	clone := *t
	s.tasks[t.ID] = &clone
	return nil
}

func (s *MemStore) ListTasks(_ context.Context, f TaskFilter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Matches(t) {
			clone := *t
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) CreateRun(_ context.Context, run *WorkflowRun, steps []*WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[run.RobotID]; held {
		return ErrRobotBusy
	}

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	stored := make([]*WorkflowStep, len(steps))
	for i, step := range steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.RunID = run.ID
		step.StepIndex = i
		clone := *step
		stored[i] = &clone
	}

	s.locks[run.RobotID] = run.ID
	clone := *run
	s.runs[run.ID] = &clone
	s.steps[run.ID] = stored
	return nil
}

func (s *MemStore) GetRun(_ context.Context, id string) (*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *run
	return &clone, nil
}

func (s *MemStore) UpdateRun(_ context.Context, run *WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrNotFound
	}
	run.UpdatedAt = time.Now().UTC()
	clone := *run
	s.runs[run.ID] = &clone

	if run.Status != RunRunning && s.locks[run.RobotID] == run.ID {
		delete(s.locks, run.RobotID)
	}
	return nil
}

func (s *MemStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.runs, id)
	delete(s.steps, id)
	if s.locks[run.RobotID] == id {
		delete(s.locks, run.RobotID)
	}
	return nil
}

func (s *MemStore) ListRuns(_ context.Context, status RunStatus) ([]*WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*WorkflowRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status == "" || run.Status == status {
			clone := *run
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) StepsForRun(_ context.Context, runID string) ([]*WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, ok := s.steps[runID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*WorkflowStep, len(steps))
	for i, step := range steps {
		clone := *step
		out[i] = &clone
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *MemStore) UpdateStep(_ context.Context, step *WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.steps[step.RunID]
	if !ok {
		return ErrNotFound
	}
	for i, existing := range steps {
		if existing.ID == step.ID {
			clone := *step
			steps[i] = &clone
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) GetMapping(_ context.Context, kind, ref string) (*PoiMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[mappingKey(kind, ref)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (s *MemStore) UpsertMapping(_ context.Context, m *PoiMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Kind = strings.ToUpper(strings.TrimSpace(m.Kind))
	m.Ref = strings.TrimSpace(m.Ref)
	clone := *m
	s.mappings[mappingKey(m.Kind, m.Ref)] = &clone
	return nil
}

func (s *MemStore) DeleteMapping(_ context.Context, kind, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := mappingKey(kind, ref)
	if _, ok := s.mappings[key]; !ok {
		return ErrNotFound
	}
	delete(s.mappings, key)
	return nil
}

func (s *MemStore) ListMappings(_ context.Context) ([]*PoiMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PoiMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		clone := *m
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Ref < out[j].Ref
	})
	return out, nil
}
