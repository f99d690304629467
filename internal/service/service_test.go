package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/evaluator"
	"github.com/kjstillabower/model-scoring-service/internal/matrix"
	"github.com/kjstillabower/model-scoring-service/internal/models"
	"github.com/kjstillabower/model-scoring-service/internal/modelstore"
	"github.com/kjstillabower/model-scoring-service/internal/predictor"
)

// countingEngine wraps an in-memory engine and counts Load calls, with an
// optional per-load delay so concurrent scoring overlaps.
type countingEngine struct {
	inner *modelstore.InMemoryEngine
	delay time.Duration

	mu        sync.Mutex
	loadCalls int
}

func (e *countingEngine) Write(ctx context.Context, artifact *models.ModelArtifact) error {
	return e.inner.Write(ctx, artifact)
}

func (e *countingEngine) Load(ctx context.Context, modelID string) (*models.ModelArtifact, error) {
	e.mu.Lock()
	e.loadCalls++
	e.mu.Unlock()
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return e.inner.Load(ctx, modelID)
}

func (e *countingEngine) Delete(ctx context.Context, modelID string) error {
	return e.inner.Delete(ctx, modelID)
}

func (e *countingEngine) Exists(ctx context.Context, modelID string) (bool, error) {
	return e.inner.Exists(ctx, modelID)
}

func (e *countingEngine) loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadCalls
}

func seededEngine(t *testing.T, delay time.Duration) *countingEngine {
	t.Helper()
	e := &countingEngine{inner: modelstore.NewInMemoryEngine(), delay: delay}
	err := e.Write(context.Background(), &models.ModelArtifact{
		ModelID:      "risk_v1",
		ModelType:    "logistic",
		Coefficients: map[string]float64{"f1": 1.0},
		Intercept:    0,
	})
	if err != nil {
		t.Fatalf("seeding model: %v", err)
	}
	return e
}

func testStore(t *testing.T, uuid string) matrix.Store {
	t.Helper()
	m, err := matrix.New(
		[]int64{1, 2, 3, 4},
		nil,
		map[string][]float64{"f1": {0, 1, -1, 2}},
		[]float64{1, 0, math.NaN(), 1},
		matrix.Metadata{
			LabelName: "outcome",
			EndTime:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			UUID:      uuid,
		},
	)
	if err != nil {
		t.Fatalf("building matrix: %v", err)
	}
	return matrix.NewInMemoryStore(m)
}

func newService(t *testing.T, engine modelstore.Engine, coalesce bool, coalesceTimeout time.Duration) *ScoringService {
	t.Helper()
	p := predictor.New(engine, nil, true, zap.NewNop())
	e, err := evaluator.New(evaluator.Config{
		TestMetricGroups: []models.MetricGroup{
			{
				Metrics:    []string{"precision@"},
				Thresholds: models.Thresholds{Percentiles: []float64{100.0}},
			},
		},
		SortSeed: 12345,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("building evaluator: %v", err)
	}
	return NewScoringService(p, e, coalesce, coalesceTimeout)
}

func evalKey() db.EvaluationKey {
	return db.EvaluationKey{
		ModelID:             "risk_v1",
		EvaluationStartTime: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		EvaluationEndTime:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		AsOfDateFrequency:   "1month",
	}
}

// TestScoringService_Predict verifies scores come back in matrix index order.
func TestScoringService_Predict(t *testing.T) {
	engine := seededEngine(t, 0)
	svc := newService(t, engine, false, 0)

	scores, err := svc.Predict(context.Background(), "risk_v1", testStore(t, "uuid-1"))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if len(scores) != 4 {
		t.Fatalf("Predict() returned %d scores, want 4", len(scores))
	}
	// sigmoid(0) is exactly 0.5 for the first row
	if math.Abs(scores[0]-0.5) > 1e-9 {
		t.Errorf("scores[0] = %v, want 0.5", scores[0])
	}
	// f1 values 0 < 1 < 2 must score monotonically
	if !(scores[0] < scores[1] && scores[1] < scores[3]) {
		t.Errorf("scores not monotone in feature value: %v", scores)
	}
}

// TestScoringService_Predict_ModelNotFound verifies a missing model surfaces
// the predictor sentinel error.
func TestScoringService_Predict_ModelNotFound(t *testing.T) {
	engine := &countingEngine{inner: modelstore.NewInMemoryEngine()}
	svc := newService(t, engine, false, 0)

	_, err := svc.Predict(context.Background(), "ghost", testStore(t, "uuid-1"))
	if !errors.Is(err, predictor.ErrModelNotFound) {
		t.Fatalf("Predict() error = %v, want ErrModelNotFound", err)
	}
}

// TestScoringService_Predict_Coalesced verifies that concurrent predicts for
// the same (model, matrix) pair share one model load.
func TestScoringService_Predict_Coalesced(t *testing.T) {
	engine := seededEngine(t, 50*time.Millisecond)
	svc := newService(t, engine, true, 5*time.Second)
	store := testStore(t, "uuid-shared")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	results := make([][]float64, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = svc.Predict(context.Background(), "risk_v1", store)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Errorf("Predict %d error = %v, want nil", i, errs[i])
		}
		if len(results[i]) != 4 {
			t.Errorf("Predict %d returned %d scores, want 4", i, len(results[i]))
		}
	}
	if got := engine.loads(); got != 1 {
		t.Errorf("model loads = %d, want 1 (coalescing failed)", got)
	}
}

// TestScoringService_Predict_NoCoalescingAcrossMatrices verifies distinct
// matrix UUIDs score independently.
func TestScoringService_Predict_NoCoalescingAcrossMatrices(t *testing.T) {
	engine := seededEngine(t, 0)
	svc := newService(t, engine, true, 5*time.Second)

	if _, err := svc.Predict(context.Background(), "risk_v1", testStore(t, "uuid-a")); err != nil {
		t.Fatalf("Predict(uuid-a) error = %v", err)
	}
	if _, err := svc.Predict(context.Background(), "risk_v1", testStore(t, "uuid-b")); err != nil {
		t.Fatalf("Predict(uuid-b) error = %v", err)
	}
	if got := engine.loads(); got != 2 {
		t.Errorf("model loads = %d, want 2", got)
	}
}

// TestScoringService_Evaluate verifies evaluation delegates through to the
// configured metric groups.
func TestScoringService_Evaluate(t *testing.T) {
	engine := seededEngine(t, 0)
	svc := newService(t, engine, false, 0)

	proba := []float64{0.9, 0.8, 0.3}
	labels := []float64{1, 1, 0}
	rows, err := svc.Evaluate(context.Background(), proba, labels, evalKey(), models.MatrixTypeTest)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Evaluate() returned %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row.Metric != "precision@" {
		t.Errorf("Metric = %q, want precision@", row.Metric)
	}
	if row.Parameter != "100.0_pct" {
		t.Errorf("Parameter = %q, want 100.0_pct", row.Parameter)
	}
	// At 100 percent every prediction is above the cutoff, so precision is
	// the positive rate: 2 of 3.
	if math.Abs(row.Value-2.0/3.0) > 1e-9 {
		t.Errorf("Value = %v, want 2/3", row.Value)
	}
	if row.NumLabeledExamples != 3 || row.NumPositiveLabels != 2 {
		t.Errorf("counts = (%d labeled, %d positive), want (3, 2)",
			row.NumLabeledExamples, row.NumPositiveLabels)
	}
}

// TestScoringService_Evaluate_LengthMismatch propagates the evaluator error.
func TestScoringService_Evaluate_LengthMismatch(t *testing.T) {
	engine := seededEngine(t, 0)
	svc := newService(t, engine, false, 0)

	_, err := svc.Evaluate(context.Background(), []float64{0.5}, []float64{1, 0}, evalKey(), models.MatrixTypeTest)
	if !errors.Is(err, evaluator.ErrLengthMismatch) {
		t.Fatalf("Evaluate() error = %v, want ErrLengthMismatch", err)
	}
}

// TestScoringService_PredictAndEvaluate scores the matrix and evaluates the
// fresh scores against the matrix labels, masking the NaN label row.
func TestScoringService_PredictAndEvaluate(t *testing.T) {
	engine := seededEngine(t, 0)
	svc := newService(t, engine, false, 0)

	rows, err := svc.PredictAndEvaluate(context.Background(), "risk_v1", testStore(t, "uuid-1"), evalKey(), models.MatrixTypeTest)
	if err != nil {
		t.Fatalf("PredictAndEvaluate() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("PredictAndEvaluate() returned %d rows, want 1", len(rows))
	}
	// The NaN-labeled row drops out, leaving 3 labeled examples, 2 positive.
	if rows[0].NumLabeledExamples != 3 || rows[0].NumPositiveLabels != 2 {
		t.Errorf("counts = (%d labeled, %d positive), want (3, 2)",
			rows[0].NumLabeledExamples, rows[0].NumPositiveLabels)
	}
	if math.Abs(rows[0].Value-2.0/3.0) > 1e-9 {
		t.Errorf("Value = %v, want 2/3", rows[0].Value)
	}
}

// TestScoringService_PredictAndEvaluate_ModelNotFound stops before evaluation.
func TestScoringService_PredictAndEvaluate_ModelNotFound(t *testing.T) {
	engine := &countingEngine{inner: modelstore.NewInMemoryEngine()}
	svc := newService(t, engine, false, 0)

	_, err := svc.PredictAndEvaluate(context.Background(), "ghost", testStore(t, "uuid-1"), evalKey(), models.MatrixTypeTest)
	if !errors.Is(err, predictor.ErrModelNotFound) {
		t.Fatalf("PredictAndEvaluate() error = %v, want ErrModelNotFound", err)
	}
}
