// Package memory holds the in-process Job Store used when Postgres is not
// configured (local/degraded mode) and by tests. Same contract and transition
// rules as the postgresql repository, guarded by one mutex.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"footprint-service/internal/entity"
	"footprint-service/internal/repository/postgresql"
)

type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*entity.Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*entity.Job)}
}

func (s *JobStore) Create(_ context.Context, kind entity.PayloadKind, subjectRef string, inputs json.RawMessage, opts entity.Options) (uuid.UUID, error) {
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.jobs[id] = &entity.Job{
		ID:         id,
		Kind:       kind,
		SubjectRef: subjectRef,
		Status:     entity.StatusPending,
		Inputs:     append(json.RawMessage(nil), inputs...),
		Options:    opts,
		CreatedAt:  time.Now().UTC(),
	}
	return id, nil
}

func (s *JobStore) GetByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, postgresql.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *JobStore) MarkProcessing(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	if j.Status.Terminal() {
		return postgresql.ErrNotRunnable
	}
	j.Status = entity.StatusProcessing
	if j.StartedAt == nil {
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	return nil
}

func (s *JobStore) SetProgress(_ context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	if j.Status == entity.StatusProcessing && progress > j.Progress {
		j.Progress = progress
	}
	return nil
}

func (s *JobStore) IncAttempt(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	j.Attempt++
	return nil
}

func (s *JobStore) SetResultCompleted(_ context.Context, id uuid.UUID, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	switch j.Status {
	case entity.StatusProcessing:
	case entity.StatusCompleted:
		return nil // idempotent replay
	default:
		return postgresql.ErrNotRunnable
	}

	now := time.Now().UTC()
	j.Status = entity.StatusCompleted
	j.Progress = 100
	j.Result = append(json.RawMessage(nil), result...)
	j.Error = nil
	j.CompletedAt = &now
	return nil
}

func (s *JobStore) SetResultFailed(_ context.Context, id uuid.UUID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return postgresql.ErrNotFound
	}
	switch j.Status {
	case entity.StatusPending, entity.StatusProcessing:
	case entity.StatusFailed:
		return nil
	default:
		return postgresql.ErrNotRunnable
	}

	now := time.Now().UTC()
	j.Status = entity.StatusFailed
	j.Error = &errText
	j.CompletedAt = &now
	return nil
}

func (s *JobStore) MarkCancelled(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, postgresql.ErrNotFound
	}
	if j.Status.Terminal() {
		return false, nil
	}

	now := time.Now().UTC()
	j.Status = entity.StatusCancelled
	j.CompletedAt = &now
	return true, nil
}

func (s *JobStore) FailStuck(_ context.Context, cutoff time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for _, j := range s.jobs {
		if j.Status != entity.StatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		msg := reason
		j.Status = entity.StatusFailed
		j.Error = &msg
		j.CompletedAt = &now
		n++
	}
	return n, nil
}
