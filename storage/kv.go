package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity type.
const (
	BucketTasks    = "FLEETD_TASKS"
	BucketRuns     = "FLEETD_RUNS"
	BucketSteps    = "FLEETD_STEPS"
	BucketMappings = "FLEETD_MAPPINGS"

	// BucketRunLocks holds one key per robot while a RUNNING run exists.
	// KV Create is atomic, which makes the key the per-robot advisory lock
	// behind the "at most one RUNNING run per robot" invariant.
	BucketRunLocks = "FLEETD_RUN_LOCKS"
)

// KVStore implements Store on NATS JetStream KV buckets, one bucket per
// entity type. Entities are stored as JSON documents keyed by id; a run's
// steps are stored as a single ordered document keyed by run id so the
// run owns them exclusively (cascade delete is one key delete).
type KVStore struct {
	tasks    jetstream.KeyValue
	runs     jetstream.KeyValue
	steps    jetstream.KeyValue
	mappings jetstream.KeyValue
	locks    jetstream.KeyValue
}

// NewKVStore creates a KVStore, creating the KV buckets if needed.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	s := &KVStore{}
	for _, b := range []struct {
		name string
		dst  *jetstream.KeyValue
	}{
		{BucketTasks, &s.tasks},
		{BucketRuns, &s.runs},
		{BucketSteps, &s.steps},
		{BucketMappings, &s.mappings},
		{BucketRunLocks, &s.locks},
	} {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.dst = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Fleetd %s storage", strings.ToLower(strings.TrimPrefix(name, "FLEETD_"))),
		History:     5, // Keep last 5 revisions
	})
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// CreateTask assigns an id and timestamps, then stores the task.
func (s *KVStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Create(ctx, t.ID, data); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *KVStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := getJSON(ctx, s.tasks, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask stores the task, refreshing its updated_at timestamp.
func (s *KVStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	return putJSON(ctx, s.tasks, t.ID, t)
}

// ListTasks returns all tasks matching the filter, newest first.
func (s *KVStore) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	tasks := make([]*Task, 0, len(keys))
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var t Task
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		if f.Matches(&t) {
			tasks = append(tasks, &t)
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// CreateRun acquires the robot lock, then persists the run and its steps.
// The atomic KV Create on the lock key is what enforces per-robot
// exclusivity; a held lock yields ErrRobotBusy.
func (s *KVStore) CreateRun(ctx context.Context, run *WorkflowRun, steps []*WorkflowStep) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	if _, err := s.locks.Create(ctx, run.RobotID, []byte(run.ID)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrRobotBusy
		}
		return fmt.Errorf("acquire robot lock: %w", err)
	}

	for i, step := range steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.RunID = run.ID
		step.StepIndex = i
	}

	if err := putJSON(ctx, s.steps, run.ID, steps); err != nil {
		_ = s.locks.Delete(ctx, run.RobotID)
		return fmt.Errorf("store steps: %w", err)
	}
	if err := putJSON(ctx, s.runs, run.ID, run); err != nil {
		_ = s.steps.Delete(ctx, run.ID)
		_ = s.locks.Delete(ctx, run.RobotID)
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *KVStore) GetRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := getJSON(ctx, s.runs, id, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRun stores the run and releases the robot lock once the run has
// left RUNNING.
func (s *KVStore) UpdateRun(ctx context.Context, run *WorkflowRun) error {
	run.UpdatedAt = time.Now().UTC()
	if err := putJSON(ctx, s.runs, run.ID, run); err != nil {
		return err
	}
	if run.Status != RunRunning {
		s.releaseLock(ctx, run.RobotID, run.ID)
	}
	return nil
}

// DeleteRun removes the run, its steps and the robot lock. Used to
// compensate a start that failed after planning.
func (s *KVStore) DeleteRun(ctx context.Context, id string) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	_ = s.steps.Delete(ctx, id)
	if err := s.runs.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	s.releaseLock(ctx, run.RobotID, id)
	return nil
}

// releaseLock deletes the robot lock if this run still owns it.
func (s *KVStore) releaseLock(ctx context.Context, robotID, runID string) {
	entry, err := s.locks.Get(ctx, robotID)
	if err != nil {
		return
	}
	if string(entry.Value()) == runID {
		_ = s.locks.Delete(ctx, robotID)
	}
}

// ListRuns returns all runs with the given status (all runs when empty),
// newest first.
func (s *KVStore) ListRuns(ctx context.Context, status RunStatus) ([]*WorkflowRun, error) {
	keys, err := s.runs.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	runs := make([]*WorkflowRun, 0, len(keys))
	for _, key := range keys {
		entry, err := s.runs.Get(ctx, key)
		if err != nil {
			continue
		}
		var run WorkflowRun
		if err := json.Unmarshal(entry.Value(), &run); err != nil {
			continue
		}
		if status == "" || run.Status == status {
			runs = append(runs, &run)
		}
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

// StepsForRun returns the run's steps ordered by step_index.
func (s *KVStore) StepsForRun(ctx context.Context, runID string) ([]*WorkflowStep, error) {
	var steps []*WorkflowStep
	if err := getJSON(ctx, s.steps, runID, &steps); err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

// UpdateStep rewrites one step inside the run's step document. Only the
// decision fields of MANUAL_CONFIRM steps legitimately change.
func (s *KVStore) UpdateStep(ctx context.Context, step *WorkflowStep) error {
	steps, err := s.StepsForRun(ctx, step.RunID)
	if err != nil {
		return err
	}
	found := false
	for i, existing := range steps {
		if existing.ID == step.ID {
			steps[i] = step
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	return putJSON(ctx, s.steps, step.RunID, steps)
}

// ---------------------------------------------------------------------------
// POI mappings
// ---------------------------------------------------------------------------

// mappingKey builds a KV-safe key from (kind, ref). The ref is free-form
// operator input, so it is base64-encoded; the authoritative pair lives in
// the stored document.
func mappingKey(kind, ref string) string {
	return strings.ToUpper(strings.TrimSpace(kind)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(strings.TrimSpace(ref)))
}

// GetMapping retrieves the mapping for (kind, ref).
func (s *KVStore) GetMapping(ctx context.Context, kind, ref string) (*PoiMapping, error) {
	var m PoiMapping
	if err := getJSON(ctx, s.mappings, mappingKey(kind, ref), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMapping creates or replaces the mapping for (kind, ref).
func (s *KVStore) UpsertMapping(ctx context.Context, m *PoiMapping) error {
	m.Kind = strings.ToUpper(strings.TrimSpace(m.Kind))
	m.Ref = strings.TrimSpace(m.Ref)
	return putJSON(ctx, s.mappings, mappingKey(m.Kind, m.Ref), m)
}

// DeleteMapping removes the mapping for (kind, ref).
func (s *KVStore) DeleteMapping(ctx context.Context, kind, ref string) error {
	if _, err := s.GetMapping(ctx, kind, ref); err != nil {
		return err
	}
	if err := s.mappings.Delete(ctx, mappingKey(kind, ref)); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

// ListMappings returns all mappings.
func (s *KVStore) ListMappings(ctx context.Context) ([]*PoiMapping, error) {
	keys, err := s.mappings.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list mapping keys: %w", err)
	}

	mappings := make([]*PoiMapping, 0, len(keys))
	for _, key := range keys {
		entry, err := s.mappings.Get(ctx, key)
		if err != nil {
			continue
		}
		var m PoiMapping
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			continue
		}
		mappings = append(mappings, &m)
	}
	return mappings, nil
}
