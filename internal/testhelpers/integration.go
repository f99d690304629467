//go:build integration
// +build integration

package testhelpers

import (
	"testing"
	"time"

	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/evaluator"
	"github.com/kjstillabower/model-scoring-service/internal/models"
	"github.com/kjstillabower/model-scoring-service/internal/modelstore"
	"github.com/kjstillabower/model-scoring-service/internal/observability"
	"github.com/kjstillabower/model-scoring-service/internal/predictor"
	"github.com/kjstillabower/model-scoring-service/internal/service"
)

// IntegrationMetricGroups returns the metric groups used across integration
// tests: thresholded rank metrics plus an unthresholded block.
func IntegrationMetricGroups() []models.MetricGroup {
	return []models.MetricGroup{
		{
			Metrics: []string{"precision@", "recall@"},
			Thresholds: models.Thresholds{
				Percentiles: []float64{50.0, 100.0},
				TopN:        []int{2},
			},
		},
		{
			Metrics: []string{"accuracy"},
		},
	}
}

// SetupIntegrationService wires a full scoring service over an in-memory
// model store and a SQLite-backed repository. Returns the service, the
// repository for result inspection, and the engine for seeding models.
func SetupIntegrationService(t *testing.T) (*service.ScoringService, *db.Repository, modelstore.Engine) {
	t.Helper()

	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	gdb := db.SetupSQLiteTestDB(t)
	repo := db.NewRepository(gdb)
	engine := modelstore.NewInMemoryEngine()

	p := predictor.New(engine, repo, true, logger)
	e, err := evaluator.New(evaluator.Config{
		TestMetricGroups:  IntegrationMetricGroups(),
		TrainMetricGroups: IntegrationMetricGroups(),
		Repository:        repo,
		SortSeed:          12345,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("evaluator.New() error = %v", err)
	}

	return service.NewScoringService(p, e, true, 5*time.Second), repo, engine
}
