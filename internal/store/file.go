package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/workflow"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// FileStore is the local/dev persistence backend: workflow definitions as
// one YAML file per workflow (grounded on the teacher's
// pkg/config/receiver_config.go use of gopkg.in/yaml.v3), run state as one
// JSON file per run under a runs/ subdirectory — no database required.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{"workflows", "runs", "step_executions", "idempotency_keys"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", dir, err)
		}
	}

	return &FileStore{root: root}, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Workflows() WorkflowRepository       { return &fileWorkflowRepository{store: s} }
func (s *FileStore) Runs() RunRepository                 { return &fileRunRepository{store: s} }
func (s *FileStore) StepExecutions() StepExecutionRepository { return &fileStepExecutionRepository{store: s} }
func (s *FileStore) IdempotencyKeys() IdempotencyRepository  { return &fileIdempotencyRepository{store: s} }

func (s *FileStore) path(dir, id string) string {
	return filepath.Join(s.root, dir, id+".yaml")
}

func (s *FileStore) jsonPath(dir, id string) string {
	return filepath.Join(s.root, dir, id+".json")
}

type fileWorkflowRepository struct{ store *FileStore }

func (r *fileWorkflowRepository) FindBySlug(_ context.Context, slug string) (*workflow.Workflow, error) {
	all, err := r.all()
	if err != nil {
		return nil, err
	}

	for _, w := range all {
		if w.Slug == slug {
			return w, nil
		}
	}

	return nil, &NotFoundError{Entity: "workflow", ID: slug}
}

func (r *fileWorkflowRepository) FindByID(_ context.Context, id string) (*workflow.Workflow, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.read(id)
}

func (r *fileWorkflowRepository) read(id string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(r.store.path("workflows", id))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Entity: "workflow", ID: id}
	}

	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", id, err)
	}

	var w workflow.Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", id, err)
	}

	return &w, nil
}

func (r *fileWorkflowRepository) all() ([]*workflow.Workflow, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.store.root, "workflows"))
	if err != nil {
		return nil, fmt.Errorf("list workflows directory: %w", err)
	}

	workflows := make([]*workflow.Workflow, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id := filepath.Base(entry.Name())
		id = id[:len(id)-len(filepath.Ext(id))]

		w, err := r.read(id)
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, w)
	}

	return workflows, nil
}

func (r *fileWorkflowRepository) List(_ context.Context, opts ListOptions) ([]*workflow.Workflow, int, error) {
	all, err := r.all()
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	limit, offset := paginationDefaults(opts)
	total := len(all)

	if offset >= total {
		return []*workflow.Workflow{}, total, nil
	}

	end := offset + limit
	if end > total {
		end = total
	}

	return all[offset:end], total, nil
}

func (r *fileWorkflowRepository) Create(_ context.Context, w *workflow.Workflow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if w.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate workflow id: %w", err)
		}

		w.ID = id.String()
	}

	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	for _, s := range w.Steps {
		if s.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate step id: %w", err)
			}

			s.ID = id.String()
		}

		s.WorkflowID = w.ID
	}

	return r.write(w)
}

func (r *fileWorkflowRepository) Update(_ context.Context, w *workflow.Workflow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, err := r.read(w.ID); err != nil {
		return err
	}

	w.Steps = workflow.DensifyOrder(w.Steps)
	if err := workflow.ValidateStepUniqueness(w.Steps); err != nil {
		return err
	}

	w.UpdatedAt = time.Now().UTC()

	return r.write(w)
}

func (r *fileWorkflowRepository) write(w *workflow.Workflow) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", w.ID, err)
	}

	return os.WriteFile(r.store.path("workflows", w.ID), data, 0o600)
}

// SoftDelete removes the workflow's YAML file. The file backend keeps no
// deleted_at marker, so unlike PostgresStore it does not retain the deleted
// definition.
func (r *fileWorkflowRepository) SoftDelete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	w, err := r.read(id)
	if err != nil {
		return err
	}

	w.Enabled = false

	return os.Remove(r.store.path("workflows", w.ID))
}

type fileRunRepository struct{ store *FileStore }

func (r *fileRunRepository) Create(_ context.Context, rn *run.Run) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if rn.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run id: %w", err)
		}

		rn.ID = id.String()
	}

	rn.StartedAt = time.Now().UTC()
	rn.Status = run.StatusPending

	return r.write(rn)
}

func (r *fileRunRepository) write(rn *run.Run) error {
	data, err := json.MarshalIndent(rn, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", rn.ID, err)
	}

	return os.WriteFile(r.store.jsonPath("runs", rn.ID), data, 0o600)
}

func (r *fileRunRepository) FindByID(_ context.Context, id string) (*run.Run, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.read(id)
}

func (r *fileRunRepository) read(id string) (*run.Run, error) {
	data, err := os.ReadFile(r.store.jsonPath("runs", id))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Entity: "run", ID: id}
	}

	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}

	var rn run.Run
	if err := json.Unmarshal(data, &rn); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", id, err)
	}

	return &rn, nil
}

func (r *fileRunRepository) Save(_ context.Context, rn *run.Run) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, err := r.read(rn.ID); err != nil {
		return err
	}

	return r.write(rn)
}

func (r *fileRunRepository) List(_ context.Context, workflowID string, opts ListOptions) ([]*run.Run, int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.store.root, "runs"))
	if err != nil {
		return nil, 0, fmt.Errorf("list runs directory: %w", err)
	}

	runs := make([]*run.Run, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id := filepath.Base(entry.Name())
		id = id[:len(id)-len(filepath.Ext(id))]

		rn, err := r.read(id)
		if err != nil {
			return nil, 0, err
		}

		if workflowID != "" && rn.WorkflowID != workflowID {
			continue
		}

		runs = append(runs, rn)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })

	limit, offset := paginationDefaults(opts)
	total := len(runs)

	if offset >= total {
		return []*run.Run{}, total, nil
	}

	end := offset + limit
	if end > total {
		end = total
	}

	return runs[offset:end], total, nil
}

func (r *fileRunRepository) Cancel(_ context.Context, id string, now time.Time) (*run.Run, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rn, err := r.read(id)
	if err != nil {
		return nil, err
	}

	if rn.Status != run.StatusPending && rn.Status != run.StatusRunning {
		return rn, nil
	}

	rn.Status = run.StatusCancelled
	rn.CompletedAt = &now

	if err := r.write(rn); err != nil {
		return nil, err
	}

	return rn, nil
}

type fileStepExecutionRepository struct{ store *FileStore }

func (r *fileStepExecutionRepository) entryID(se *run.StepExecution) string {
	return se.RunID + "__" + se.ID
}

func (r *fileStepExecutionRepository) Create(_ context.Context, se *run.StepExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if se.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate step execution id: %w", err)
		}

		se.ID = id.String()
	}

	se.StartedAt = time.Now().UTC()

	return r.write(se)
}

func (r *fileStepExecutionRepository) write(se *run.StepExecution) error {
	data, err := json.MarshalIndent(se, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal step execution %s: %w", se.ID, err)
	}

	return os.WriteFile(r.store.jsonPath("step_executions", r.entryID(se)), data, 0o600)
}

func (r *fileStepExecutionRepository) Update(_ context.Context, se *run.StepExecution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.write(se)
}

func (r *fileStepExecutionRepository) ListByRun(_ context.Context, runID string) ([]*run.StepExecution, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.store.root, "step_executions"))
	if err != nil {
		return nil, fmt.Errorf("list step executions directory: %w", err)
	}

	executions := make([]*run.StepExecution, 0)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.store.root, "step_executions", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read step execution %s: %w", entry.Name(), err)
		}

		var se run.StepExecution
		if err := json.Unmarshal(data, &se); err != nil {
			return nil, fmt.Errorf("parse step execution %s: %w", entry.Name(), err)
		}

		if se.RunID == runID {
			executions = append(executions, &se)
		}
	}

	sort.Slice(executions, func(i, j int) bool { return executions[i].StartedAt.Before(executions[j].StartedAt) })

	return executions, nil
}

type fileIdempotencyRepository struct{ store *FileStore }

func (r *fileIdempotencyRepository) Lookup(_ context.Context, key string) (*run.IdempotencyKey, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := os.ReadFile(r.store.jsonPath("idempotency_keys", safeKeyName(key)))
	if os.IsNotExist(err) {
		return nil, nil //nolint:nilnil // absence is not an error here
	}

	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}

	var ik run.IdempotencyKey
	if err := json.Unmarshal(data, &ik); err != nil {
		return nil, fmt.Errorf("parse idempotency key: %w", err)
	}

	return &ik, nil
}

func (r *fileIdempotencyRepository) Bind(_ context.Context, key, runID string, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	path := r.store.jsonPath("idempotency_keys", safeKeyName(key))
	if _, err := os.Stat(path); err == nil {
		return nil // already bound — first writer wins
	}

	ik := run.IdempotencyKey{Key: key, RunID: runID, CreatedAt: now, ExpiresAt: now.Add(run.IdempotencyTTL)}

	data, err := json.MarshalIndent(ik, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal idempotency key: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

func (r *fileIdempotencyRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.store.root, "idempotency_keys"))
	if err != nil {
		return 0, fmt.Errorf("list idempotency keys directory: %w", err)
	}

	var deleted int64

	for _, entry := range entries {
		path := filepath.Join(r.store.root, "idempotency_keys", entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var ik run.IdempotencyKey
		if err := json.Unmarshal(data, &ik); err != nil {
			continue
		}

		if ik.Expired(now) {
			if err := os.Remove(path); err == nil {
				deleted++
			}
		}
	}

	return deleted, nil
}

func safeKeyName(key string) string {
	sum := 0
	for _, c := range key {
		sum = sum*31 + int(c)
	}

	return fmt.Sprintf("%x", uint32(sum)) + "-" + sanitizeFilename(key)
}

func sanitizeFilename(s string) string {
	out := make([]rune, 0, len(s))

	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}

	if len(out) > 64 {
		out = out[:64]
	}

	return string(out)
}
