// Package predictor scores feature matrices with stored models and persists
// the resulting prediction rows.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/matrix"
	"github.com/kjstillabower/model-scoring-service/internal/models"
	"github.com/kjstillabower/model-scoring-service/internal/modelstore"
	"github.com/kjstillabower/model-scoring-service/internal/observability"
)

// ErrModelNotFound is returned when no artifact is stored for a model ID.
var ErrModelNotFound = errors.New("model not found")

// Predictor loads models from a storage engine, scores matrices, and writes
// prediction rows. When replace is false it reuses predictions already in
// the database instead of re-scoring, as long as every row of the matrix is
// covered.
type Predictor struct {
	engine  modelstore.Engine
	repo    *db.Repository
	replace bool
	logger  *zap.Logger
}

// New returns a Predictor. replace controls whether stored predictions are
// overwritten (true) or reused when complete (false).
func New(engine modelstore.Engine, repo *db.Repository, replace bool, logger *zap.Logger) *Predictor {
	return &Predictor{engine: engine, repo: repo, replace: replace, logger: logger}
}

// LoadModel returns the stored artifact for modelID, or nil when absent.
func (p *Predictor) LoadModel(ctx context.Context, modelID string) (*models.ModelArtifact, error) {
	artifact, err := p.engine.Load(ctx, modelID)
	if err != nil {
		return nil, err
	}
	observability.ModelLoadsTotal.Inc()
	return artifact, nil
}

// DeleteModel removes the stored artifact for modelID. Prediction rows are
// kept; they remain valid history for the evaluations built on them.
func (p *Predictor) DeleteModel(ctx context.Context, modelID string) error {
	return p.engine.Delete(ctx, modelID)
}

// Predict scores every row of the matrix with the model and returns the
// scores in matrix index order, using the configured replace behavior.
// The stored rows for (model, as-of date) are replaced. With replace
// disabled and a complete set of stored predictions, the model is not
// loaded at all and the stored scores are returned, explicitly reordered
// to the matrix index; database row order is never trusted to match the
// matrix.
func (p *Predictor) Predict(ctx context.Context, modelID string, store matrix.Store) ([]float64, error) {
	return p.predict(ctx, modelID, store, p.replace)
}

// PredictReplace is Predict with the replace behavior chosen per call. A
// caller can force a rescore or ask for stored-prediction reuse regardless
// of how the predictor was configured.
func (p *Predictor) PredictReplace(ctx context.Context, modelID string, store matrix.Store, replace bool) ([]float64, error) {
	return p.predict(ctx, modelID, store, replace)
}

func (p *Predictor) predict(ctx context.Context, modelID string, store matrix.Store, replace bool) ([]float64, error) {
	m, err := store.Matrix(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if !replace {
		cached, ok, err := p.storedScores(ctx, modelID, m)
		if err != nil {
			return nil, err
		}
		if ok {
			if p.logger != nil {
				p.logger.Info("reusing stored predictions",
					zap.String("model_id", modelID),
					zap.String("matrix_uuid", m.Meta.UUID),
					zap.Int("rows", len(cached)))
			}
			observability.PredictionsReusedTotal.Inc()
			return cached, nil
		}
	}

	start := time.Now()
	artifact, err := p.LoadModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelID, err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}

	n := m.NumRows()
	scores := make([]float64, n)
	rows := make([]db.Prediction, n)
	labels := m.LabelVector()
	for i := 0; i < n; i++ {
		scores[i] = artifact.Score(m.Row(i))
		rows[i] = db.Prediction{
			EntityID:   m.EntityIDs[i],
			AsOfDate:   m.AsOfDate(i),
			Score:      scores[i],
			LabelValue: labelPtr(labels[i]),
			MatrixUUID: m.Meta.UUID,
		}
	}

	if p.repo != nil {
		if err := p.repo.ReplacePredictions(ctx, modelID, rows); err != nil {
			observability.PredictionWriteErrorsTotal.Inc()
			return nil, fmt.Errorf("write predictions: %w", err)
		}
	}
	observability.PredictionsTotal.Add(float64(n))
	observability.PredictionDurationSeconds.Observe(time.Since(start).Seconds())
	if p.logger != nil {
		p.logger.Info("matrix scored",
			zap.String("model_id", modelID),
			zap.String("matrix_uuid", m.Meta.UUID),
			zap.Int("rows", n),
			zap.Duration("duration", time.Since(start)))
	}
	return scores, nil
}

// storedScores fetches the model's stored predictions and maps them onto the
// matrix index. Returns ok=false when any (entity, as-of date) pair of the
// matrix has no stored row.
func (p *Predictor) storedScores(ctx context.Context, modelID string, m *matrix.Matrix) ([]float64, bool, error) {
	if p.repo == nil {
		return nil, false, nil
	}
	stored, err := p.repo.ListPredictions(ctx, modelID)
	if err != nil {
		return nil, false, err
	}
	type rowKey struct {
		entityID int64
		asOfDate int64
	}
	byKey := make(map[rowKey]float64, len(stored))
	for _, row := range stored {
		byKey[rowKey{row.EntityID, row.AsOfDate.UTC().Unix()}] = row.Score
	}
	scores := make([]float64, m.NumRows())
	for i := range scores {
		score, ok := byKey[rowKey{m.EntityIDs[i], m.AsOfDate(i).UTC().Unix()}]
		if !ok {
			return nil, false, nil
		}
		scores[i] = score
	}
	return scores, true, nil
}

func labelPtr(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
