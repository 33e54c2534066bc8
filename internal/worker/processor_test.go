package worker_test

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"footprint-service/internal/cache"
	"footprint-service/internal/engine"
	"footprint-service/internal/entity"
	"footprint-service/internal/repository/memory"
	"footprint-service/internal/worker"
)

// ---- fakes ----

type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	flows   []engine.InventoryFlow
	version string
	err     error // returned on every call when set
	factors map[string]float64

	block            chan struct{} // when set, calls wait here (or on ctx) first
	completeOnExpiry bool          // when set, calls return flows only once ctx is done
}

func (e *fakeEngine) CalculateInventory(ctx context.Context, _ entity.CalculationInput) ([]engine.InventoryFlow, string, error) {
	e.mu.Lock()
	e.calls++
	err, block, expiry := e.err, e.block, e.completeOnExpiry
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if expiry {
		<-ctx.Done()
	}
	if err != nil {
		return nil, "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flows, e.version, nil
}

func (e *fakeEngine) GWPFactor(_ context.Context, gas, _ string) (float64, error) {
	f, ok := e.factors[gas]
	if !ok {
		return 0, engine.ErrFactorNotFound
	}
	return f, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeExtractor struct {
	calls int
	out   json.RawMessage
	err   error
}

func (x *fakeExtractor) Extract(_ context.Context, _ entity.ExtractionInput) (json.RawMessage, error) {
	x.calls++
	return x.out, x.err
}

// progressRecorder wraps the store to capture the progress write sequence.
type progressRecorder struct {
	*memory.JobStore
	mu       sync.Mutex
	observed []int
}

func (r *progressRecorder) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	r.mu.Lock()
	r.observed = append(r.observed, progress)
	r.mu.Unlock()
	return r.JobStore.SetProgress(ctx, id, progress)
}

// deadlineStore refuses terminal writes on an expired context, the way the
// SQL store would.
type deadlineStore struct {
	*memory.JobStore
}

func (s *deadlineStore) SetResultCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.JobStore.SetResultCompleted(ctx, id, result)
}

// ---- helpers ----

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func happyEngine() *fakeEngine {
	return &fakeEngine{
		flows: []engine.InventoryFlow{
			{Name: "CO2", Category: "emission/air", Amount: 10, Unit: "kg"},
			{Name: "CH4", Category: "emission/air", Amount: 1, Unit: "kg"},
			{Name: "water", Category: "resource/water", Amount: 7, Unit: "l"},
		},
		version: "openlca-2.1",
		factors: map[string]float64{"CO2": 1, "CH4": 27.9},
	}
}

func testConfig() worker.Config {
	return worker.Config{
		MaxAttempts: 3,
		JobTimeout:  5 * time.Second,
		BackoffBase: time.Millisecond,
	}
}

func newCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewMemoryCache(64)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return c
}

func plasticInputs() json.RawMessage {
	return json.RawMessage(`{"subject_ref":"prod-1","category":"plastic","net_mass_kg":2}`)
}

func submitCalc(t *testing.T, store *memory.JobStore, inputs json.RawMessage) uuid.UUID {
	t.Helper()
	id, err := store.Create(context.Background(), entity.KindCalculation, "prod-1", inputs,
		entity.Options{Method: "gwp100", AllocationMethod: "mass", FactorVersion: "AR6"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func getResult(t *testing.T, store *memory.JobStore, id uuid.UUID) (entity.Job, entity.FootprintResult) {
	t.Helper()
	job, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var res entity.FootprintResult
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, &res); err != nil {
			t.Fatalf("decode result: %v", err)
		}
	}
	return *job, res
}

// ---- tests ----

func TestProcessor_SuccessfulCalculation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	eng := happyEngine()
	p := worker.NewProcessor(store, newCache(t), eng, nil, testConfig())

	id := submitCalc(t, store, plasticInputs())
	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, res := getResult(t, store, id)
	if job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", job.Status, job.Error)
	}
	if job.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", job.Progress)
	}
	if job.Attempt != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.Attempt)
	}

	if math.Abs(res.TotalCO2eKg-37.9) > 1e-9 {
		t.Fatalf("expected total 37.9, got %v", res.TotalCO2eKg)
	}
	if res.WaterFootprintLiters != 7 {
		t.Fatalf("expected water 7, got %v", res.WaterFootprintLiters)
	}
	if res.Degraded {
		t.Fatal("engine-backed result must not be degraded")
	}
	if len(res.GHGBreakdown) != 2 || res.GHGBreakdown[0].Gas != "CH4" || res.GHGBreakdown[1].Gas != "CO2" {
		t.Fatalf("expected breakdown [CH4, CO2], got %+v", res.GHGBreakdown)
	}
	if res.Metadata.EngineVersion != "openlca-2.1" {
		t.Fatalf("expected engine version in metadata, got %q", res.Metadata.EngineVersion)
	}
	if eng.callCount() != 1 {
		t.Fatalf("expected exactly 1 engine call, got %d", eng.callCount())
	}
}

func TestProcessor_IdenticalJobsShareOneEngineCall(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	eng := happyEngine()
	p := worker.NewProcessor(store, newCache(t), eng, nil, testConfig())

	first := submitCalc(t, store, plasticInputs())
	second := submitCalc(t, store, plasticInputs())

	if err := p.Process(ctx, first.String()); err != nil {
		t.Fatalf("process first: %v", err)
	}
	if err := p.Process(ctx, second.String()); err != nil {
		t.Fatalf("process second: %v", err)
	}

	if eng.callCount() != 1 {
		t.Fatalf("identical inputs must share one engine call, got %d", eng.callCount())
	}

	_, resA := getResult(t, store, first)
	_, resB := getResult(t, store, second)
	if resA.TotalCO2eKg != resB.TotalCO2eKg {
		t.Fatalf("identical jobs must report identical totals: %v vs %v", resA.TotalCO2eKg, resB.TotalCO2eKg)
	}
}

func TestProcessor_RetriesThenFallsBackDegraded(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	eng := happyEngine()
	eng.err = engine.ErrUnavailable
	p := worker.NewProcessor(store, newCache(t), eng, nil, testConfig())

	id := submitCalc(t, store, plasticInputs())
	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, res := getResult(t, store, id)
	if job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed (degraded), got %s (error=%v)", job.Status, job.Error)
	}
	if eng.callCount() != 3 {
		t.Fatalf("expected 3 engine attempts, got %d", eng.callCount())
	}
	if job.Attempt != 3 {
		t.Fatalf("expected attempt counter 3, got %d", job.Attempt)
	}
	if !res.Degraded {
		t.Fatal("fallback result must carry degraded=true")
	}
	// plastic: 3.4 kgCO2e/kg, 180 l/kg over 2 kg declared mass
	if math.Abs(res.TotalCO2eKg-6.8) > 1e-9 {
		t.Fatalf("expected fallback total 6.8, got %v", res.TotalCO2eKg)
	}
	if math.Abs(res.WaterFootprintLiters-360) > 1e-9 {
		t.Fatalf("expected fallback water 360, got %v", res.WaterFootprintLiters)
	}

	// degraded results are never cached: an identical job hits the engine again
	again := submitCalc(t, store, plasticInputs())
	if err := p.Process(ctx, again.String()); err != nil {
		t.Fatalf("process again: %v", err)
	}
	if eng.callCount() != 6 {
		t.Fatalf("degraded result must not be served from cache, got %d engine calls", eng.callCount())
	}
}

func TestProcessor_JobClockExpiresMidBackoffUsesFallback(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	eng := happyEngine()
	eng.err = engine.ErrUnavailable
	cfg := worker.Config{
		MaxAttempts: 3,
		JobTimeout:  50 * time.Millisecond,
		BackoffBase: 10 * time.Second, // far beyond the job clock
	}
	p := worker.NewProcessor(store, newCache(t), eng, nil, cfg)

	id := submitCalc(t, store, plasticInputs())
	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, res := getResult(t, store, id)
	if job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed (degraded), got %s (error=%v)", job.Status, job.Error)
	}
	if !res.Degraded {
		t.Fatal("timeout must end in a fallback result, not a failure")
	}
	if math.Abs(res.TotalCO2eKg-6.8) > 1e-9 {
		t.Fatalf("expected fallback total 6.8, got %v", res.TotalCO2eKg)
	}
	if eng.callCount() != 1 {
		t.Fatalf("expected a single attempt before the clock ran out, got %d", eng.callCount())
	}
	if job.Attempt != 1 {
		t.Fatalf("expected attempt counter 1, got %d", job.Attempt)
	}
}

func TestProcessor_SharedComputationSurvivesLeaderCancellation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	eng := happyEngine()
	release := make(chan struct{})
	eng.block = release
	p := worker.NewProcessor(store, newCache(t), eng, nil, testConfig())

	leader := submitCalc(t, store, plasticInputs())
	sharer := submitCalc(t, store, plasticInputs())

	done := make(chan error, 2)
	go func() { done <- p.Process(ctx, leader.String()) }()

	waitFor(t, "first job inside the engine call", func() bool { return eng.callCount() == 1 })

	go func() { done <- p.Process(ctx, sharer.String()) }()
	// give the second job time to join the in-flight computation
	time.Sleep(100 * time.Millisecond)

	if ok, err := store.MarkCancelled(ctx, leader); err != nil || !ok {
		t.Fatalf("cancel leader: ok=%v err=%v", ok, err)
	}
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	leaderJob, _ := getResult(t, store, leader)
	if leaderJob.Status != entity.StatusCancelled {
		t.Fatalf("expected cancelled leader, got %s", leaderJob.Status)
	}
	if leaderJob.Result != nil {
		t.Fatal("cancelled job must not have a result")
	}

	sharerJob, sharerRes := getResult(t, store, sharer)
	if sharerJob.Status != entity.StatusCompleted {
		t.Fatalf("a live job sharing a cancelled computation must complete, got %s (error=%v)", sharerJob.Status, sharerJob.Error)
	}
	if math.Abs(sharerRes.TotalCO2eKg-37.9) > 1e-9 {
		t.Fatalf("expected total 37.9, got %v", sharerRes.TotalCO2eKg)
	}
	if eng.callCount() != 2 {
		t.Fatalf("expected a second engine call for the recompute, got %d", eng.callCount())
	}
}

func TestProcessor_ResultAtDeadlineStillCommits(t *testing.T) {
	store := &deadlineStore{JobStore: memory.NewJobStore()}
	eng := happyEngine()
	eng.completeOnExpiry = true
	cfg := worker.Config{
		MaxAttempts: 3,
		JobTimeout:  30 * time.Millisecond,
		BackoffBase: time.Millisecond,
	}
	p := worker.NewProcessor(store, newCache(t), eng, nil, cfg)

	id := submitCalc(t, store.JobStore, plasticInputs())
	if err := p.Process(context.Background(), id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, res := getResult(t, store.JobStore, id)
	if job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", job.Status, job.Error)
	}
	if res.Degraded {
		t.Fatal("engine-backed result must not be degraded")
	}
}

func TestProcessor_EngineDataErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	eng := happyEngine()
	eng.err = engine.ErrEngineData
	p := worker.NewProcessor(store, newCache(t), eng, nil, testConfig())

	id := submitCalc(t, store, plasticInputs())
	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := getResult(t, store, id)
	if job.Status != entity.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Error == nil {
		t.Fatal("failed job must carry an error message")
	}
	if eng.callCount() != 1 {
		t.Fatalf("data errors must not be retried, got %d calls", eng.callCount())
	}
}

func TestProcessor_NoFallbackCategoryFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	eng := happyEngine()
	eng.err = engine.ErrUnavailable
	p := worker.NewProcessor(store, newCache(t), eng, nil, testConfig())

	id := submitCalc(t, store, json.RawMessage(`{"subject_ref":"prod-x","category":"spacecraft","net_mass_kg":1}`))
	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := getResult(t, store, id)
	if job.Status != entity.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if eng.callCount() != 3 {
		t.Fatalf("expected the full retry budget, got %d calls", eng.callCount())
	}
}

func TestProcessor_CancelledWhileQueuedNeverReachesEngine(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	eng := happyEngine()
	p := worker.NewProcessor(store, newCache(t), eng, nil, testConfig())

	id := submitCalc(t, store, plasticInputs())
	if ok, err := store.MarkCancelled(ctx, id); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := getResult(t, store, id)
	if job.Status != entity.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if job.Result != nil {
		t.Fatal("cancelled job must not have a result")
	}
	if eng.callCount() != 0 {
		t.Fatalf("cancelled-while-pending job must never reach the engine, got %d calls", eng.callCount())
	}
}

func TestProcessor_ProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	rec := &progressRecorder{JobStore: memory.NewJobStore()}
	p := worker.NewProcessor(rec, newCache(t), happyEngine(), nil, testConfig())

	id := submitCalc(t, rec.JobStore, plasticInputs())
	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.observed); i++ {
		if rec.observed[i] < rec.observed[i-1] {
			t.Fatalf("progress went backwards: %v", rec.observed)
		}
	}

	job, _ := getResult(t, rec.JobStore, id)
	if job.Progress != 100 {
		t.Fatalf("expected final progress 100, got %d", job.Progress)
	}
}

func TestProcessor_ExtractionDelegatesToExtractor(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	x := &fakeExtractor{out: json.RawMessage(`{"company":"ACME Packaging"}`)}
	p := worker.NewProcessor(store, newCache(t), happyEngine(), x, testConfig())

	id, err := store.Create(ctx, entity.KindExtraction, "doc-1",
		json.RawMessage(`{"document_ref":"doc-1","content_type":"application/pdf"}`), entity.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != entity.StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", job.Status, job.Error)
	}
	if x.calls != 1 {
		t.Fatalf("expected 1 extractor call, got %d", x.calls)
	}
	if string(job.Result) != `{"company":"ACME Packaging"}` {
		t.Fatalf("unexpected result %s", job.Result)
	}
}

func TestProcessor_ExtractionWithoutExtractorFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore()
	p := worker.NewProcessor(store, newCache(t), happyEngine(), nil, testConfig())

	id, err := store.Create(ctx, entity.KindExtraction, "doc-1",
		json.RawMessage(`{"document_ref":"doc-1"}`), entity.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := p.Process(ctx, id.String()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != entity.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
}
