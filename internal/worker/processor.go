package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"footprint-service/internal/cache"
	"footprint-service/internal/calc"
	"footprint-service/internal/engine"
	"footprint-service/internal/entity"
	"footprint-service/internal/repository/postgresql"
)

// JobRepo is the Job Store port the executor needs (implementations:
// postgresql.JobRepository, memory.JobStore).
type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
	IncAttempt(ctx context.Context, id uuid.UUID) error
	SetResultCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	SetResultFailed(ctx context.Context, id uuid.UUID, errText string) error
}

// Extractor is the external collaborator that executes extraction jobs. The
// pipeline only carries the envelope; wiring it is optional.
type Extractor interface {
	Extract(ctx context.Context, in entity.ExtractionInput) (json.RawMessage, error)
}

type Config struct {
	// MaxAttempts is the engine retry budget K. EngineUnavailable errors are
	// retried up to K attempts total; EngineData errors never are.
	MaxAttempts int

	// JobTimeout is the per-job wall-clock ceiling. Exceeding it looks like
	// an engine failure: retry, then fallback or fail.
	JobTimeout time.Duration

	// BackoffBase seeds the exponential backoff between attempts.
	BackoffBase time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
}

// Processor executes one claimed job at a time: cache check, engine call with
// retries, aggregation, result write. Cancellation is cooperative: the
// store's status row is re-read at every checkpoint and nothing is written
// after a cancellation has been observed.
type Processor struct {
	repo      JobRepo
	cache     cache.Cache
	engine    engine.Client
	extractor Extractor
	cfg       Config

	// flight collapses concurrent computations of the same cache key into a
	// single engine call; late arrivals wait for the first caller's result.
	flight singleflight.Group
}

func NewProcessor(repo JobRepo, resultCache cache.Cache, engineClient engine.Client, extractor Extractor, cfg Config) *Processor {
	cfg.defaults()
	return &Processor{
		repo:      repo,
		cache:     resultCache,
		engine:    engineClient,
		extractor: extractor,
		cfg:       cfg,
	}
}

func (p *Processor) Process(ctx context.Context, jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		// not a job id; report success so the entry is acked away instead of
		// being redelivered forever
		log.Printf("[worker] job_id=%s parse_error=%v (dropping)", jobID, err)
		return nil
	}

	job, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		// cancelled while queued, or a redelivery of a finished job
		return nil
	}

	if err := p.repo.MarkProcessing(ctx, id); err != nil {
		if errors.Is(err, postgresql.ErrNotRunnable) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	log.Printf("[worker] job_id=%s kind=%s status=processing attempt_budget=%d", id, job.Kind, p.cfg.MaxAttempts)

	switch job.Kind {
	case entity.KindCalculation:
		err = p.runCalculation(ctx, job)
	case entity.KindExtraction:
		err = p.runExtraction(ctx, job)
	default:
		err = p.failJob(ctx, id, fmt.Sprintf("unknown job kind %q", job.Kind))
	}

	if err != nil {
		log.Printf("[worker] job_id=%s kind=%s duration_ms=%d error=%v", id, job.Kind, time.Since(start).Milliseconds(), err)
		return err
	}
	log.Printf("[worker] job_id=%s kind=%s duration_ms=%d done", id, job.Kind, time.Since(start).Milliseconds())
	return nil
}

func (p *Processor) runCalculation(ctx context.Context, job *entity.Job) error {
	var in entity.CalculationInput
	if err := json.Unmarshal(job.Inputs, &in); err != nil {
		return p.failJob(ctx, job.ID, "corrupt inputs snapshot: "+err.Error())
	}

	_ = p.repo.SetProgress(ctx, job.ID, 10)

	key := cache.Key(job.Inputs, job.Options)

	if res, ok, err := p.cache.Get(ctx, key); err != nil {
		// cache backends are optional; a broken one is bypassed
		log.Printf("[worker] job_id=%s cache_get error=%v (bypassing)", job.ID, err)
	} else if ok {
		log.Printf("[worker] job_id=%s cache=hit key=%s", job.ID, key)
		return p.commitResult(ctx, job.ID, *res)
	}

	_ = p.repo.SetProgress(ctx, job.ID, 25)

	// checkpoint before the engine call
	if cancelled, err := p.isCancelled(ctx, job.ID); err != nil || cancelled {
		return err
	}

	var res entity.FootprintResult
	for {
		v, err, _ := p.flight.Do(key, func() (any, error) {
			out, cErr := p.compute(ctx, job, in)
			if cErr != nil {
				return entity.FootprintResult{}, cErr
			}
			// degraded estimates are never cached: a cached fallback would keep
			// masking the engine after it recovers
			if !out.Degraded {
				if putErr := p.cache.Put(ctx, key, out); putErr != nil {
					log.Printf("[worker] job_id=%s cache_put error=%v", job.ID, putErr)
				}
			}
			return out, nil
		})
		if err != nil {
			// checkpoint: a cancelled job fails silently, not loudly
			if cancelled, cErr := p.isCancelled(ctx, job.ID); cErr == nil && cancelled {
				return nil
			}
			// a shared flight fails with a context error when its leader was
			// cancelled mid-call; this job is still live, so run its own flight
			if (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() == nil {
				log.Printf("[worker] job_id=%s shared computation aborted by its leader, recomputing", job.ID)
				continue
			}
			return p.failJob(ctx, job.ID, err.Error())
		}
		res = v.(entity.FootprintResult)
		break
	}

	_ = p.repo.SetProgress(ctx, job.ID, 80)

	return p.commitResult(ctx, job.ID, res)
}

// compute is the cache-miss path: call the engine with the retry policy,
// resolve factors, aggregate. On retry exhaustion it falls back to the
// per-category estimator when one exists for the subject.
func (p *Processor) compute(ctx context.Context, job *entity.Job, in entity.CalculationInput) (entity.FootprintResult, error) {
	start := time.Now()
	var lastErr error

attempts:
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		_ = p.repo.IncAttempt(ctx, job.ID)

		flows, engineVersion, err := p.engine.CalculateInventory(ctx, in)
		if err != nil {
			switch {
			case errors.Is(err, engine.ErrEngineData):
				// the engine answered with garbage; retrying will not help
				return entity.FootprintResult{}, err
			case errors.Is(err, engine.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded):
				lastErr = err
				log.Printf("[worker] job_id=%s attempt=%d engine_unavailable error=%v", job.ID, attempt, err)
				if attempt < p.cfg.MaxAttempts {
					if sleepErr := sleepBackoff(ctx, p.cfg.BackoffBase, attempt); sleepErr != nil {
						// the job clock ran out mid-backoff; remaining attempts
						// are pointless but the estimator still applies
						break attempts
					}
				}
				continue
			default:
				return entity.FootprintResult{}, err
			}
		}

		_ = p.repo.SetProgress(ctx, job.ID, 50)

		// checkpoint after the engine response
		if cancelled, cErr := p.isCancelled(ctx, job.ID); cErr == nil && cancelled {
			return entity.FootprintResult{}, context.Canceled
		}

		factors, err := p.resolveFactors(ctx, flows, job.Options.FactorVersion)
		if err != nil {
			return entity.FootprintResult{}, err
		}

		res, err := calc.Aggregate(flows, factors, job.Options)
		if err != nil {
			return entity.FootprintResult{}, fmt.Errorf("%w: %v", engine.ErrEngineData, err)
		}
		res.Metadata.EngineVersion = engineVersion
		res.Metadata.DurationMs = time.Since(start).Milliseconds()
		return res, nil
	}

	// retry budget exhausted: estimate if we can, fail if we cannot
	if calc.CanEstimate(in) {
		log.Printf("[worker] job_id=%s engine retries exhausted error=%v, using fallback estimator", job.ID, lastErr)
		res, err := calc.Estimate(in, job.Options)
		if err != nil {
			return entity.FootprintResult{}, err
		}
		res.Metadata.DurationMs = time.Since(start).Milliseconds()
		return res, nil
	}
	return entity.FootprintResult{}, fmt.Errorf("engine unavailable and no fallback for category %q: %w", in.Category, lastErr)
}

// resolveFactors builds the pure FactorSet for the gases that actually occur
// in the flows. Gases without a factor stay out of the set; the calculation
// core records them as excluded.
func (p *Processor) resolveFactors(ctx context.Context, flows []engine.InventoryFlow, factorVersion string) (calc.FactorSet, error) {
	factors := make(calc.FactorSet)
	for _, f := range flows {
		if _, seen := factors[f.Name]; seen {
			continue
		}
		gwp, err := p.engine.GWPFactor(ctx, f.Name, factorVersion)
		if err != nil {
			if errors.Is(err, engine.ErrFactorNotFound) {
				continue
			}
			return nil, err
		}
		factors[f.Name] = gwp
	}
	return factors, nil
}

func (p *Processor) runExtraction(ctx context.Context, job *entity.Job) error {
	if p.extractor == nil {
		return p.failJob(ctx, job.ID, "no document extractor configured")
	}

	var in entity.ExtractionInput
	if err := json.Unmarshal(job.Inputs, &in); err != nil {
		return p.failJob(ctx, job.ID, "corrupt inputs snapshot: "+err.Error())
	}

	_ = p.repo.SetProgress(ctx, job.ID, 10)

	if cancelled, err := p.isCancelled(ctx, job.ID); err != nil || cancelled {
		return err
	}

	out, err := p.extractor.Extract(ctx, in)
	if err != nil {
		if cancelled, cErr := p.isCancelled(ctx, job.ID); cErr == nil && cancelled {
			return nil
		}
		return p.failJob(ctx, job.ID, err.Error())
	}

	_ = p.repo.SetProgress(ctx, job.ID, 80)

	// terminal write on a detached context, same as the calculation path
	ctx = context.WithoutCancel(ctx)
	if cancelled, err := p.isCancelled(ctx, job.ID); err != nil || cancelled {
		return err
	}
	if err := p.repo.SetResultCompleted(ctx, job.ID, out); err != nil {
		if errors.Is(err, postgresql.ErrNotRunnable) {
			return nil
		}
		return err
	}
	return nil
}

// commitResult is the final checkpoint plus the terminal write, on a detached
// context: a result computed just under the job ceiling must still commit.
// Once a cancellation has been observed nothing is committed.
func (p *Processor) commitResult(ctx context.Context, id uuid.UUID, res entity.FootprintResult) error {
	ctx = context.WithoutCancel(ctx)
	if cancelled, err := p.isCancelled(ctx, id); err != nil || cancelled {
		return err
	}

	b, err := json.Marshal(res)
	if err != nil {
		return p.failJob(ctx, id, "encode result: "+err.Error())
	}
	if err := p.repo.SetResultCompleted(ctx, id, b); err != nil {
		if errors.Is(err, postgresql.ErrNotRunnable) {
			// lost the race against Cancel; the result is dropped
			return nil
		}
		return err
	}
	return nil
}

// failJob writes the terminal failure unless the job was cancelled in the
// meantime. The write uses a detached context: a job that failed because its
// deadline expired still has to reach a terminal state.
func (p *Processor) failJob(ctx context.Context, id uuid.UUID, msg string) error {
	ctx = context.WithoutCancel(ctx)
	if err := p.repo.SetResultFailed(ctx, id, msg); err != nil {
		if errors.Is(err, postgresql.ErrNotRunnable) {
			return nil
		}
		return err
	}
	return nil
}

func (p *Processor) isCancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	job, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return job.Status == entity.StatusCancelled, nil
}

// sleepBackoff waits base * 2^(attempt-1) with up to 50% jitter, or returns
// early when the job context ends.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	d := base << (attempt - 1)
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
