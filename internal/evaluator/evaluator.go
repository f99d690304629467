// Package evaluator scores model predictions against true labels across
// configured metric groups and persists the results. Each Evaluate call
// replaces the evaluation rows for its (model, time range, frequency) key.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/metric"
	"github.com/kjstillabower/model-scoring-service/internal/models"
	"github.com/kjstillabower/model-scoring-service/internal/observability"
)

// ErrLengthMismatch is returned when predictions and labels differ in length.
var ErrLengthMismatch = errors.New("predictions and labels differ in length")

// Config holds everything an Evaluator needs.
type Config struct {
	// TestMetricGroups apply to test matrices, TrainMetricGroups to train
	// matrices. Groups without thresholds evaluate over all predictions.
	TestMetricGroups  []models.MetricGroup
	TrainMetricGroups []models.MetricGroup
	// CustomMetrics extends the built-in metric set.
	CustomMetrics map[string]metric.Metric
	Repository    *db.Repository
	// SortSeed seeds the tie-breaking sort. Zero means current unix time.
	SortSeed int64
	Logger   *zap.Logger
}

// Evaluator computes metric groups over predictions and writes the resulting
// rows with delete-then-insert semantics.
type Evaluator struct {
	testGroups  []models.MetricGroup
	trainGroups []models.MetricGroup
	registry    *metric.Registry
	repo        *db.Repository
	sortSeed    int64
	logger      *zap.Logger
}

// New validates custom metrics and returns an Evaluator.
func New(cfg Config) (*Evaluator, error) {
	registry, err := metric.NewRegistry(cfg.CustomMetrics)
	if err != nil {
		return nil, err
	}
	seed := cfg.SortSeed
	if seed == 0 {
		seed = time.Now().Unix()
	}
	return &Evaluator{
		testGroups:  cfg.TestMetricGroups,
		trainGroups: cfg.TrainMetricGroups,
		registry:    registry,
		repo:        cfg.Repository,
		sortSeed:    seed,
		logger:      cfg.Logger,
	}, nil
}

// SortSeed returns the seed used for tie-breaking sorts.
func (e *Evaluator) SortSeed() int64 {
	return e.sortSeed
}

// Evaluate computes the configured metric groups for matrixType over proba
// and labels (NaN labels are masked out of thresholded computations) and
// replaces the stored rows for key. labels use NaN for rows whose true
// outcome is unknown.
func (e *Evaluator) Evaluate(ctx context.Context, proba, labels []float64, key db.EvaluationKey, matrixType models.MatrixType) ([]db.EvaluationRow, error) {
	if len(proba) != len(labels) {
		return nil, fmt.Errorf("%w: %d predictions, %d labels", ErrLengthMismatch, len(proba), len(labels))
	}

	var groups []models.MetricGroup
	switch matrixType {
	case models.MatrixTypeTrain:
		groups = e.trainGroups
	case models.MatrixTypeTest:
		groups = e.testGroups
	default:
		return nil, fmt.Errorf("%w: %q", db.ErrUnknownMatrixType, matrixType)
	}

	start := time.Now()
	if e.logger != nil {
		e.logger.Info("generating evaluations",
			zap.String("model_id", key.ModelID),
			zap.Time("evaluation_start_time", key.EvaluationStartTime),
			zap.Time("evaluation_end_time", key.EvaluationEndTime),
			zap.String("as_of_date_frequency", key.AsOfDateFrequency),
			zap.String("matrix_type", string(matrixType)))
	}

	probaSorted, labelsSorted := sortPredictionsAndLabels(proba, labels, e.sortSeed)

	var rows []db.EvaluationRow
	for _, group := range groups {
		params := group.Parameters
		if len(params) == 0 {
			params = []map[string]float64{{}}
		}

		if len(group.Thresholds.Percentiles) == 0 && len(group.Thresholds.TopN) == 0 {
			generated, err := e.generate(group.Metrics, params, thresholdConfig{}, probaSorted, binaryAtX(len(probaSorted), 100, "percentile"), labelsSorted)
			if err != nil {
				return nil, err
			}
			rows = append(rows, generated...)
		}

		for _, pct := range group.Thresholds.Percentiles {
			generated, err := e.generate(group.Metrics, params, thresholdConfig{unit: "pct", value: pct}, probaSorted, binaryAtX(len(probaSorted), pct, "percentile"), labelsSorted)
			if err != nil {
				return nil, err
			}
			rows = append(rows, generated...)
		}

		for _, topN := range group.Thresholds.TopN {
			generated, err := e.generate(group.Metrics, params, thresholdConfig{unit: "abs", value: float64(topN)}, probaSorted, binaryAtX(len(probaSorted), float64(topN), "top_n"), labelsSorted)
			if err != nil {
				return nil, err
			}
			rows = append(rows, generated...)
		}
	}

	if e.repo != nil {
		if err := e.repo.ReplaceEvaluations(ctx, matrixType, key, rows); err != nil {
			observability.EvaluationWriteErrorsTotal.Inc()
			return nil, err
		}
	}
	observability.EvaluationsTotal.WithLabelValues(string(matrixType)).Inc()
	observability.EvaluationDurationSeconds.Observe(time.Since(start).Seconds())
	if e.logger != nil {
		e.logger.Info("evaluations written",
			zap.String("model_id", key.ModelID),
			zap.String("matrix_type", string(matrixType)),
			zap.Int("rows", len(rows)))
	}
	return rows, nil
}

// thresholdConfig records how the binary predictions were cut, for the
// parameter string. A zero value means no threshold (all predictions).
type thresholdConfig struct {
	unit  string // "pct" or "abs"
	value float64
}

// generate computes every (metric, parameter) combination for one threshold
// setting. Rows with unlabeled entries (NaN) are masked out first; the
// counts stored with each row describe the masked set.
func (e *Evaluator) generate(metricNames []string, params []map[string]float64, threshold thresholdConfig, probaSorted []float64, binary []int, labelsSorted []float64) ([]db.EvaluationRow, error) {
	maskedProba := make([]float64, 0, len(probaSorted))
	maskedBinary := make([]int, 0, len(binary))
	maskedLabels := make([]int, 0, len(labelsSorted))
	for i, label := range labelsSorted {
		if math.IsNaN(label) {
			continue
		}
		maskedProba = append(maskedProba, probaSorted[i])
		maskedBinary = append(maskedBinary, binary[i])
		maskedLabels = append(maskedLabels, int(label))
	}

	numLabeled := len(maskedLabels)
	numAboveThreshold := 0
	for _, b := range maskedBinary {
		if b == 1 {
			numAboveThreshold++
		}
	}
	numPositive := 0
	for _, l := range maskedLabels {
		if l == 1 {
			numPositive++
		}
	}

	var rows []db.EvaluationRow
	for _, name := range metricNames {
		m, err := e.registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		for _, paramSet := range params {
			value, err := m.Compute(maskedProba, maskedBinary, maskedLabels, paramSet)
			if err != nil {
				if errors.Is(err, metric.ErrUndefined) {
					// No defined value for this cut; skip the row rather
					// than storing a fabricated zero.
					if e.logger != nil {
						e.logger.Debug("metric undefined, skipping", zap.String("metric", name), zap.Error(err))
					}
					continue
				}
				return nil, fmt.Errorf("compute %s: %w", name, err)
			}
			paramString := formatParameters(paramSet, threshold)
			if e.logger != nil {
				e.logger.Debug("evaluation computed",
					zap.String("metric", name),
					zap.String("parameter", paramString),
					zap.Float64("value", value),
					zap.Int("num_labeled_examples", numLabeled),
					zap.Int("num_labeled_above_threshold", numAboveThreshold),
					zap.Int("num_positive_labels", numPositive))
			}
			rows = append(rows, db.EvaluationRow{
				Metric:                   name,
				Parameter:                paramString,
				Value:                    value,
				NumLabeledExamples:       numLabeled,
				NumLabeledAboveThreshold: numAboveThreshold,
				NumPositiveLabels:        numPositive,
				SortSeed:                 e.sortSeed,
			})
		}
	}
	return rows, nil
}

// formatParameters renders a parameter identifier like "0.75_beta/5.0_pct":
// metric parameters in sorted key order, then the threshold. Float values
// keep one decimal when integral so 5 and 5.0 read the same everywhere.
func formatParameters(params map[string]float64, threshold thresholdConfig) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, formatParamValue(params[k])+"_"+k)
	}
	if threshold.unit != "" {
		v := formatParamValue(threshold.value)
		if threshold.unit == "abs" {
			v = strconv.Itoa(int(threshold.value))
		}
		parts = append(parts, v+"_"+threshold.unit)
	}
	return strings.Join(parts, "/")
}

func formatParamValue(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
