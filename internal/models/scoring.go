package models

import (
	"math"
	"time"
)

// ModelArtifact is the serialized form of a trained binary classifier.
// Coefficients are keyed by feature name; missing features score as zero.
type ModelArtifact struct {
	ModelID      string             `json:"model_id"`
	ModelType    string             `json:"model_type"` // "logistic" or "linear"
	Coefficients map[string]float64 `json:"coefficients"`
	Intercept    float64            `json:"intercept"`
	TrainedAt    time.Time          `json:"trained_at,omitempty"`
}

// Score computes the model output for one feature row.
// Logistic models pass the linear combination through a sigmoid so the
// result is a probability in [0, 1]; linear models return the raw value.
func (m *ModelArtifact) Score(features map[string]float64) float64 {
	sum := m.Intercept
	for name, coef := range m.Coefficients {
		sum += coef * features[name]
	}
	if m.ModelType == "linear" {
		return sum
	}
	return 1 / (1 + math.Exp(-sum))
}

// Thresholds narrows an evaluation to the top slice of the ranked predictions,
// either by percentile or by absolute count.
type Thresholds struct {
	Percentiles []float64 `yaml:"percentiles" json:"percentiles,omitempty"`
	TopN        []int     `yaml:"top_n" json:"top_n,omitempty"`
}

// MetricGroup is one block of metrics to compute, with optional thresholds
// and metric parameters (e.g. beta for fbeta@).
type MetricGroup struct {
	Metrics    []string             `yaml:"metrics" json:"metrics"`
	Thresholds Thresholds           `yaml:"thresholds" json:"thresholds,omitempty"`
	Parameters []map[string]float64 `yaml:"parameters" json:"parameters,omitempty"`
}

// MatrixType distinguishes the train and test evaluation tables.
type MatrixType string

const (
	MatrixTypeTrain MatrixType = "train"
	MatrixTypeTest  MatrixType = "test"
)
