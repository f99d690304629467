package modelstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/model-scoring-service/internal/observability"
)

// Warmer prefetches model artifacts through an Engine so the first predict
// request for a tracked model does not pay the storage round trip. With a
// MemcachedEngine in front, warming populates the shared cache.
type Warmer struct {
	engine Engine
	logger *zap.Logger
}

// NewWarmer creates a Warmer that loads through the given engine.
func NewWarmer(engine Engine, logger *zap.Logger) *Warmer {
	return &Warmer{engine: engine, logger: logger}
}

// Warm loads each model concurrently. A model ID with no stored artifact is
// counted as an error (aggregated).
func (w *Warmer) Warm(ctx context.Context, modelIDs []string) error {
	start := time.Now()
	observability.ModelWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming model cache", zap.Int("models", len(modelIDs)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(modelIDs))
	for _, id := range modelIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			artifact, err := w.engine.Load(ctx, id)
			if err != nil {
				errCh <- fmt.Errorf("warm %s: %w", id, err)
				return
			}
			if artifact == nil {
				errCh <- fmt.Errorf("warm %s: model not found", id)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.ModelWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("model warming complete", zap.Int("models", len(modelIDs)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.ModelWarmingErrorsTotal.Inc()
		return fmt.Errorf("model warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval
// until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, modelIDs []string, interval time.Duration) error {
	if err := w.Warm(ctx, modelIDs); err != nil && w.logger != nil {
		w.logger.Warn("initial model warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, modelIDs); err != nil && w.logger != nil {
				w.logger.Warn("periodic model warm failed", zap.Error(err))
			}
		}
	}
}
