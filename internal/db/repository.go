package db

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/kjstillabower/model-scoring-service/internal/circuitbreaker"
	"github.com/kjstillabower/model-scoring-service/internal/models"
)

// ErrUnknownMatrixType is returned when a matrix type is neither train nor test.
var ErrUnknownMatrixType = errors.New("matrix type must be train or test")

// retryPolicy controls how transient database failures are retried.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

var defaultRetry = retryPolicy{attempts: 3, baseDelay: 100 * time.Millisecond, maxDelay: 2 * time.Second}

// withRetry runs fn up to p.attempts times with exponential backoff and
// jitter. Context errors are returned immediately; they never recover with
// more attempts.
func (p retryPolicy) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

// Repository persists predictions and evaluations. Writes are retried and,
// when a circuit breaker is set, short-circuited once the database has been
// failing repeatedly.
type Repository struct {
	gdb   *gorm.DB
	retry retryPolicy
	cb    *circuitbreaker.CircuitBreaker
}

// NewRepository returns a Repository over the given GORM handle.
func NewRepository(gdb *gorm.DB) *Repository {
	return &Repository{gdb: gdb, retry: defaultRetry}
}

// SetCircuitBreaker sets an optional circuit breaker for write paths.
func (r *Repository) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	r.cb = cb
}

// write runs fn through the retry policy and circuit breaker.
func (r *Repository) write(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if r.cb != nil {
			return r.cb.Call(ctx, fn)
		}
		return fn()
	}
	return r.retry.withRetry(ctx, attempt)
}

// ReplacePredictions deletes any rows for the model at the as-of dates
// covered by rows, then inserts rows, in one transaction. Re-scoring a
// matrix therefore replaces exactly the rows it covers and nothing else.
func (r *Repository) ReplacePredictions(ctx context.Context, modelID string, rows []Prediction) error {
	if len(rows) == 0 {
		return nil
	}
	dates := make(map[time.Time]struct{})
	for i := range rows {
		rows[i].ModelID = modelID
		dates[rows[i].AsOfDate] = struct{}{}
	}
	dateList := make([]time.Time, 0, len(dates))
	for d := range dates {
		dateList = append(dateList, d)
	}
	return r.write(ctx, func() error {
		return r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("model_id = ? AND as_of_date IN ?", modelID, dateList).
				Delete(&Prediction{}).Error; err != nil {
				return fmt.Errorf("delete predictions: %w", err)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("insert predictions: %w", err)
			}
			return nil
		})
	})
}

// ListPredictions returns all stored predictions for the model. Row order is
// whatever the database returns; callers that care must reorder explicitly.
func (r *Repository) ListPredictions(ctx context.Context, modelID string) ([]Prediction, error) {
	var rows []Prediction
	err := r.gdb.WithContext(ctx).Where("model_id = ?", modelID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list predictions: %w", err)
	}
	return rows, nil
}

// DeletePredictions removes every stored prediction for the model.
func (r *Repository) DeletePredictions(ctx context.Context, modelID string) error {
	return r.write(ctx, func() error {
		return r.gdb.WithContext(ctx).Where("model_id = ?", modelID).Delete(&Prediction{}).Error
	})
}

// EvaluationKey identifies the group of evaluation rows that one Evaluate
// call produces and replaces.
type EvaluationKey struct {
	ModelID             string
	EvaluationStartTime time.Time
	EvaluationEndTime   time.Time
	AsOfDateFrequency   string
}

// ReplaceEvaluations deletes all rows for the key from the train or test
// table, then inserts rows bound to the key, in one transaction.
func (r *Repository) ReplaceEvaluations(ctx context.Context, matrixType models.MatrixType, key EvaluationKey, rows []EvaluationRow) error {
	for i := range rows {
		rows[i].ModelID = key.ModelID
		rows[i].EvaluationStartTime = key.EvaluationStartTime
		rows[i].EvaluationEndTime = key.EvaluationEndTime
		rows[i].AsOfDateFrequency = key.AsOfDateFrequency
	}
	return r.write(ctx, func() error {
		return r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			del := tx.Where(
				"model_id = ? AND evaluation_start_time = ? AND evaluation_end_time = ? AND as_of_date_frequency = ?",
				key.ModelID, key.EvaluationStartTime, key.EvaluationEndTime, key.AsOfDateFrequency,
			)
			switch matrixType {
			case models.MatrixTypeTrain:
				if err := del.Delete(&TrainEvaluation{}).Error; err != nil {
					return fmt.Errorf("delete train evaluations: %w", err)
				}
				inserts := make([]TrainEvaluation, len(rows))
				for i, row := range rows {
					inserts[i] = TrainEvaluation{EvaluationRow: row}
				}
				if len(inserts) == 0 {
					return nil
				}
				if err := tx.Create(&inserts).Error; err != nil {
					return fmt.Errorf("insert train evaluations: %w", err)
				}
			case models.MatrixTypeTest:
				if err := del.Delete(&TestEvaluation{}).Error; err != nil {
					return fmt.Errorf("delete test evaluations: %w", err)
				}
				inserts := make([]TestEvaluation, len(rows))
				for i, row := range rows {
					inserts[i] = TestEvaluation{EvaluationRow: row}
				}
				if len(inserts) == 0 {
					return nil
				}
				if err := tx.Create(&inserts).Error; err != nil {
					return fmt.Errorf("insert test evaluations: %w", err)
				}
			default:
				return fmt.Errorf("%w: %q", ErrUnknownMatrixType, matrixType)
			}
			return nil
		})
	})
}

// ListEvaluations returns the stored rows for the key from the train or test table.
func (r *Repository) ListEvaluations(ctx context.Context, matrixType models.MatrixType, key EvaluationKey) ([]EvaluationRow, error) {
	q := r.gdb.WithContext(ctx).Where(
		"model_id = ? AND evaluation_start_time = ? AND evaluation_end_time = ? AND as_of_date_frequency = ?",
		key.ModelID, key.EvaluationStartTime, key.EvaluationEndTime, key.AsOfDateFrequency,
	)
	switch matrixType {
	case models.MatrixTypeTrain:
		var rows []TrainEvaluation
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("list train evaluations: %w", err)
		}
		out := make([]EvaluationRow, len(rows))
		for i, row := range rows {
			out[i] = row.EvaluationRow
		}
		return out, nil
	case models.MatrixTypeTest:
		var rows []TestEvaluation
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("list test evaluations: %w", err)
		}
		out := make([]EvaluationRow, len(rows))
		for i, row := range rows {
			out[i] = row.EvaluationRow
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMatrixType, matrixType)
	}
}
