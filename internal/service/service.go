package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/evaluator"
	"github.com/kjstillabower/model-scoring-service/internal/matrix"
	"github.com/kjstillabower/model-scoring-service/internal/models"
	"github.com/kjstillabower/model-scoring-service/internal/observability"
	"github.com/kjstillabower/model-scoring-service/internal/predictor"
)

// ScoringService orchestrates predict and evaluate requests over the
// predictor and evaluator, coalescing concurrent scoring of the same
// (model, matrix) pair.
type ScoringService struct {
	predictor  *predictor.Predictor
	evaluator  *evaluator.Evaluator
	dupTracker *duplicateTracker
	coalescer  *scoringCoalescer // nil if disabled
}

// NewScoringService creates a ScoringService. coalesceEnabled and
// coalesceTimeout configure request coalescing (disabled if timeout 0).
func NewScoringService(p *predictor.Predictor, e *evaluator.Evaluator, coalesceEnabled bool, coalesceTimeout time.Duration) *ScoringService {
	var coalescer *scoringCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newScoringCoalescer(coalesceTimeout)
	}
	return &ScoringService{
		predictor:  p,
		evaluator:  e,
		dupTracker: newDuplicateTracker(),
		coalescer:  coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// Predict scores the matrix with the model and returns scores in matrix
// index order. Concurrent calls for the same (model, matrix UUID) share one
// computation when coalescing is enabled.
func (s *ScoringService) Predict(ctx context.Context, modelID string, store matrix.Store) ([]float64, error) {
	return s.predict(ctx, modelID, store, nil)
}

// PredictReplace is Predict with the stored-prediction replace behavior
// chosen by the request instead of taken from the predictor configuration.
func (s *ScoringService) PredictReplace(ctx context.Context, modelID string, store matrix.Store, replace bool) ([]float64, error) {
	return s.predict(ctx, modelID, store, &replace)
}

func (s *ScoringService) predict(ctx context.Context, modelID string, store matrix.Store, replace *bool) ([]float64, error) {
	key := modelID + ":" + store.Metadata().UUID
	// Requests that pin the replace behavior must not share a computation
	// with requests that left it to the configured default.
	if replace != nil {
		if *replace {
			key += ":replace"
		} else {
			key += ":reuse"
		}
	}
	score := func() ([]float64, error) {
		if replace != nil {
			return s.predictor.PredictReplace(ctx, modelID, store, *replace)
		}
		return s.predictor.Predict(ctx, modelID, store)
	}
	start := time.Now()
	logger := loggerFromContext(ctx)
	observability.RecordScoringRequest(modelID)

	concurrent := s.dupTracker.Begin(key)
	defer s.dupTracker.End(key)
	modelLabel := observability.MetricModelLabel(modelID)
	if concurrent > 1 {
		observability.DuplicateScoringDetectedTotal.WithLabelValues(modelLabel).Inc()
		observability.DuplicateScoringConcurrency.WithLabelValues(modelLabel).Observe(float64(concurrent))
	}

	var scores []float64
	var err error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		scores, err = s.coalescer.GetOrDo(ctx, key, score)
		coalesceWait := time.Since(coalesceStart)
		if err == nil {
			// If wait time > 0, we likely coalesced (approximate)
			if coalesceWait > 10*time.Millisecond {
				observability.ScoringCoalescedTotal.WithLabelValues(modelLabel).Inc()
			}
			observability.ScoringCoalesceWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		scores, err = score()
	}
	if err != nil {
		observability.ScoringErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return nil, err
	}
	if logger != nil {
		logger.Debug("matrix scored",
			zap.String("model_id", modelID),
			zap.String("matrix_uuid", store.Metadata().UUID),
			zap.Int("rows", len(scores)),
			zap.Duration("duration", time.Since(start)))
	}
	return scores, nil
}

// Evaluate computes the configured metric groups over proba and labels and
// replaces the stored evaluation rows for the key.
func (s *ScoringService) Evaluate(ctx context.Context, proba, labels []float64, key db.EvaluationKey, matrixType models.MatrixType) ([]db.EvaluationRow, error) {
	rows, err := s.evaluator.Evaluate(ctx, proba, labels, key, matrixType)
	if err != nil {
		observability.ScoringErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return nil, err
	}
	return rows, nil
}

// PredictAndEvaluate scores the matrix, then evaluates the fresh scores
// against the matrix labels. Used when an evaluate request supplies a matrix
// instead of precomputed scores.
func (s *ScoringService) PredictAndEvaluate(ctx context.Context, modelID string, store matrix.Store, key db.EvaluationKey, matrixType models.MatrixType) ([]db.EvaluationRow, error) {
	scores, err := s.Predict(ctx, modelID, store)
	if err != nil {
		return nil, err
	}
	m, err := store.Matrix(ctx)
	if err != nil {
		observability.ScoringErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return nil, err
	}
	return s.Evaluate(ctx, scores, m.LabelVector(), key, matrixType)
}
