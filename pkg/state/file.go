package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

// fileDocumentVersion is the on-disk schema version.
const fileDocumentVersion = 1

// fileDocument is the single JSON document the file backend persists.
type fileDocument struct {
	Version int                     `json:"version"`
	Steps   []*models.PersistedStep `json:"steps"`
	Plans   []*models.PlanMetadata  `json:"plans"`
}

// FileStore persists plan state as one JSON document written atomically via
// a sibling temp file. All mutations are serialized on a single mutex so
// concurrent writers cannot interleave partial documents.
type FileStore struct {
	path      string
	retention time.Duration

	mu       sync.Mutex
	loaded   bool
	steps    map[string]*models.PersistedStep
	plans    map[string]*models.PlanMetadata
	planLock *planLocks

	now func() time.Time
}

// NewFileStore creates a file-backed store at path. retention of 0 disables
// the opportunistic purge.
func NewFileStore(path string, retention time.Duration) *FileStore {
	return &FileStore{
		path:      path,
		retention: retention,
		steps:     make(map[string]*models.PersistedStep),
		plans:     make(map[string]*models.PlanMetadata),
		planLock:  newPlanLocks(),
		now:       time.Now,
	}
}

// LockPlan implements Store.
func (s *FileStore) LockPlan(planID string) func() {
	return s.planLock.acquire(planID)
}

// RememberStep implements Store.
func (s *FileStore) RememberStep(_ context.Context, planID string, step models.PlanStep, traceID string, opts RememberOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}

	now := s.now()
	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	state := opts.InitialState
	if state == "" {
		state = models.StepStateQueued
	}

	key := stepKey(planID, step.ID)
	row := &models.PersistedStep{
		ID:             uuid.New().String(),
		PlanID:         planID,
		TraceID:        traceID,
		Step:           step.Clone(),
		State:          state,
		Attempt:        opts.Attempt,
		IdempotencyKey: opts.IdempotencyKey,
		Approvals:      opts.Approvals,
		Subject:        opts.Subject.Clone(),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
	if existing, ok := s.steps[key]; ok {
		// Upsert keeps the original row identity and creation time.
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	}
	s.steps[key] = row

	s.purgeExpiredLocked(now)
	return s.persistLocked()
}

// SetState implements Store.
func (s *FileStore) SetState(_ context.Context, planID, stepID string, state models.PlanStepState, opts SetStateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}

	key := stepKey(planID, stepID)
	row, ok := s.steps[key]
	if !ok {
		return ErrNotFound
	}

	if state.Terminal() {
		delete(s.steps, key)
	} else {
		row.State = state
		if opts.Summary != nil {
			row.Summary = *opts.Summary
		}
		if opts.Output != nil {
			row.Output = opts.Output
		}
		if opts.Attempt != nil {
			row.Attempt = *opts.Attempt
		}
		row.UpdatedAt = s.now()
	}

	s.purgeExpiredLocked(s.now())
	return s.persistLocked()
}

// RecordApproval implements Store.
func (s *FileStore) RecordApproval(_ context.Context, planID, stepID, capability string, granted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}

	row, ok := s.steps[stepKey(planID, stepID)]
	if !ok {
		return ErrNotFound
	}
	if row.Approvals == nil {
		row.Approvals = make(map[string]bool)
	}
	row.Approvals[capability] = granted
	row.UpdatedAt = s.now()

	return s.persistLocked()
}

// ForgetStep implements Store.
func (s *FileStore) ForgetStep(_ context.Context, planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	delete(s.steps, stepKey(planID, stepID))
	return s.persistLocked()
}

// RememberPlanMetadata implements Store.
func (s *FileStore) RememberPlanMetadata(_ context.Context, meta *models.PlanMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}

	clone := meta.Clone()
	clone.UpdatedAt = s.now()
	s.plans[meta.PlanID] = clone

	s.purgeExpiredLocked(s.now())
	return s.persistLocked()
}

// GetPlanMetadata implements Store.
func (s *FileStore) GetPlanMetadata(_ context.Context, planID string) (*models.PlanMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	meta, ok := s.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return meta.Clone(), nil
}

// ListPlanMetadata implements Store.
func (s *FileStore) ListPlanMetadata(_ context.Context) ([]*models.PlanMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]*models.PlanMetadata, 0, len(s.plans))
	for _, meta := range s.plans {
		out = append(out, meta.Clone())
	}
	return out, nil
}

// ForgetPlanMetadata implements Store.
func (s *FileStore) ForgetPlanMetadata(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	delete(s.plans, planID)
	return s.persistLocked()
}

// ListActiveSteps implements Store.
func (s *FileStore) ListActiveSteps(_ context.Context) ([]*models.PersistedStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]*models.PersistedStep, 0, len(s.steps))
	for _, row := range s.steps {
		out = append(out, row.Clone())
	}
	return out, nil
}

// GetEntry implements Store.
func (s *FileStore) GetEntry(_ context.Context, planID, stepID string) (*models.PersistedStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	row, ok := s.steps[stepKey(planID, stepID)]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

// GetStep implements Store.
func (s *FileStore) GetStep(ctx context.Context, planID, stepID string) (models.PlanStep, error) {
	entry, err := s.GetEntry(ctx, planID, stepID)
	if err != nil {
		return models.PlanStep{}, err
	}
	return entry.Step, nil
}

// Clear implements Store.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.steps = make(map[string]*models.PersistedStep)
	s.plans = make(map[string]*models.PlanMetadata)
	return s.persistLocked()
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

// ensureLoaded lazily reads the document on first access.
func (s *FileStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("reading plan state file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing plan state file: %w", err)
	}
	for _, row := range doc.Steps {
		s.steps[stepKey(row.PlanID, row.Step.ID)] = row
	}
	for _, meta := range doc.Plans {
		s.plans[meta.PlanID] = meta
	}
	s.loaded = true
	return nil
}

// persistLocked writes the document with write-temp-then-rename in the
// target directory, mode 0600. The temp file is removed on every error path.
func (s *FileStore) persistLocked() error {
	doc := fileDocument{Version: fileDocumentVersion}
	for _, row := range s.steps {
		doc.Steps = append(doc.Steps, row)
	}
	for _, meta := range s.plans {
		doc.Plans = append(doc.Plans, meta)
	}

	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding plan state document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating plan state directory: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf("%s.%s.tmp", filepath.Base(s.path), uuid.New().String()))
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing plan state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing plan state file: %w", err)
	}
	return nil
}

// purgeExpiredLocked drops rows beyond the retention window. Called
// opportunistically from every mutating operation.
func (s *FileStore) purgeExpiredLocked(now time.Time) {
	if s.retention <= 0 {
		return
	}
	cutoff := now.Add(-s.retention)
	for key, row := range s.steps {
		if row.UpdatedAt.Before(cutoff) {
			delete(s.steps, key)
		}
	}
	for id, meta := range s.plans {
		if meta.UpdatedAt.Before(cutoff) {
			delete(s.plans, id)
		}
	}
}
