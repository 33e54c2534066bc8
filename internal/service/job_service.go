package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"footprint-service/internal/engine"
	"footprint-service/internal/entity"
	"footprint-service/internal/repository/postgresql"
)

var (
	// ErrValidation marks structurally invalid submissions. The job is never
	// created.
	ErrValidation = errors.New("invalid submission")

	ErrNotFound = errors.New("job not found")
)

// JobRepository is the Job Store port the façade needs (implementations:
// postgresql.JobRepository, memory.JobStore).
type JobRepository interface {
	Create(ctx context.Context, kind entity.PayloadKind, subjectRef string, inputs json.RawMessage, opts entity.Options) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	MarkCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	SetResultFailed(ctx context.Context, id uuid.UUID, errText string) error
}

// JobQueue is the narrow enqueue-only port of the dispatcher.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// JobService is the status/cancel façade: the only surface outside callers
// see. Everything it knows about a job comes from the Job Store.
type JobService struct {
	repo    JobRepository
	queue   JobQueue
	factors *engine.FactorTable
}

func NewJobService(repo JobRepository, queue JobQueue) *JobService {
	return &JobService{repo: repo, queue: queue, factors: engine.DefaultFactorTable()}
}

type SubmitRequest struct {
	Kind       entity.PayloadKind
	SubjectRef string
	Inputs     json.RawMessage
	Options    entity.Options
}

const (
	MethodGWP100 = "gwp100"

	AllocationMass     = "mass"
	AllocationEconomic = "economic"
	AllocationNone     = "none"
)

// Submit validates the request, snapshots the inputs and enqueues the job.
// The snapshot is the re-marshalled typed input, so it is normalized once at
// submission and stays byte-stable for the job's lifetime.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	opts, err := s.normalizeOptions(req.Options)
	if err != nil {
		return uuid.Nil, err
	}

	snapshot, subjectRef, err := s.validateInputs(req.Kind, req.SubjectRef, req.Inputs)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := s.repo.Create(ctx, req.Kind, subjectRef, snapshot, opts)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.queue.Enqueue(ctx, id.String()); err != nil {
		// the row exists but will never be claimed; fail it so a poller who
		// somehow got the id still sees a terminal state
		_ = s.repo.SetResultFailed(ctx, id, "enqueue failed: "+err.Error())
		return uuid.Nil, fmt.Errorf("enqueue: %w", err)
	}

	return id, nil
}

func (s *JobService) normalizeOptions(opts entity.Options) (entity.Options, error) {
	if opts.Method == "" {
		opts.Method = MethodGWP100
	}
	if opts.Method != MethodGWP100 {
		return opts, fmt.Errorf("%w: unknown method %q", ErrValidation, opts.Method)
	}

	switch opts.AllocationMethod {
	case "":
		opts.AllocationMethod = AllocationMass
	case AllocationMass, AllocationEconomic, AllocationNone:
	default:
		return opts, fmt.Errorf("%w: unknown allocation method %q", ErrValidation, opts.AllocationMethod)
	}

	if opts.FactorVersion == "" {
		opts.FactorVersion = engine.DefaultFactorVersion
	}
	if !s.factors.KnownVersion(opts.FactorVersion) {
		return opts, fmt.Errorf("%w: unknown factor version %q", ErrValidation, opts.FactorVersion)
	}
	return opts, nil
}

func (s *JobService) validateInputs(kind entity.PayloadKind, subjectRef string, inputs json.RawMessage) (json.RawMessage, string, error) {
	if len(inputs) == 0 {
		return nil, "", fmt.Errorf("%w: inputs are required", ErrValidation)
	}

	switch kind {
	case entity.KindCalculation:
		var in entity.CalculationInput
		if err := json.Unmarshal(inputs, &in); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if subjectRef == "" {
			subjectRef = in.SubjectRef
		}
		if subjectRef == "" {
			return nil, "", fmt.Errorf("%w: subject_ref is required", ErrValidation)
		}
		in.SubjectRef = subjectRef

		var componentMass float64
		for i, c := range in.Components {
			if c.Material == "" {
				return nil, "", fmt.Errorf("%w: components[%d]: material is required", ErrValidation, i)
			}
			if c.MassKg <= 0 {
				return nil, "", fmt.Errorf("%w: components[%d]: mass_kg must be positive", ErrValidation, i)
			}
			componentMass += c.MassKg
		}
		if componentMass <= 0 && in.NetMassKg <= 0 {
			return nil, "", fmt.Errorf("%w: either components or net_mass_kg must be declared", ErrValidation)
		}

		snapshot, err := json.Marshal(in)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return snapshot, subjectRef, nil

	case entity.KindExtraction:
		var in entity.ExtractionInput
		if err := json.Unmarshal(inputs, &in); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if in.DocumentRef == "" {
			return nil, "", fmt.Errorf("%w: document_ref is required", ErrValidation)
		}
		if subjectRef == "" {
			subjectRef = in.DocumentRef
		}
		snapshot, err := json.Marshal(in)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return snapshot, subjectRef, nil

	default:
		return nil, "", fmt.Errorf("%w: unknown job kind %q", ErrValidation, kind)
	}
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// Cancel flips the job's cancellation flag in the store. Returns false when
// the job is already terminal; the executing worker observes the flag at its
// next checkpoint.
func (s *JobService) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.repo.MarkCancelled(ctx, id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	return ok, nil
}
