// Package metric implements the binary classification metrics a model
// evaluation may request. Every metric takes the raw probabilities, the
// thresholded binary predictions, the true labels, and a parameter map,
// and returns a single score. Thresholded metrics (precision@, recall@ and
// friends) read only the binary predictions; ranking metrics (roc_auc,
// average precision score) read only the probabilities.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnknownMetric is returned when an evaluation names a metric that is
// neither built in nor registered as a custom metric.
var ErrUnknownMetric = errors.New("unknown metric")

// ErrUndefined is returned when a metric has no defined value for the given
// inputs (e.g. precision with nothing predicted positive).
var ErrUndefined = errors.New("metric undefined for input")

// Func computes a metric value from predictions and labels.
type Func func(proba []float64, binary []int, labels []int, params map[string]float64) (float64, error)

// Metric pairs a computation with its orientation. GreaterIsBetter is
// required so downstream model selection can rank values consistently.
type Metric struct {
	Compute         Func
	GreaterIsBetter bool
}

// builtins maps metric names, as they appear in metric group config, to
// their implementations. Names ending in @ accept thresholds.
var builtins = map[string]Metric{
	"precision@":              {Compute: precision, GreaterIsBetter: true},
	"recall@":                 {Compute: recall, GreaterIsBetter: true},
	"fbeta@":                  {Compute: fbeta, GreaterIsBetter: true},
	"f1":                      {Compute: f1, GreaterIsBetter: true},
	"accuracy":                {Compute: accuracy, GreaterIsBetter: true},
	"roc_auc":                 {Compute: rocAUC, GreaterIsBetter: true},
	"average precision score": {Compute: avgPrecision, GreaterIsBetter: true},
	"true positives@":         {Compute: truePositives, GreaterIsBetter: true},
	"true negatives@":         {Compute: trueNegatives, GreaterIsBetter: true},
	"false positives@":        {Compute: falsePositives, GreaterIsBetter: false},
	"false negatives@":        {Compute: falseNegatives, GreaterIsBetter: false},
	"fpr@":                    {Compute: fpr, GreaterIsBetter: false},
}

// Registry resolves metric names for an evaluator. Custom metrics extend the
// built-in set and must declare their orientation.
type Registry struct {
	metrics map[string]Metric
}

// NewRegistry returns a Registry holding the built-in metrics plus the given
// custom metrics. A custom metric without a Compute func is rejected; the
// orientation field is what separates a usable custom metric from a bare
// function, so it is part of the struct rather than optional.
func NewRegistry(custom map[string]Metric) (*Registry, error) {
	r := &Registry{metrics: make(map[string]Metric, len(builtins)+len(custom))}
	for name, m := range builtins {
		r.metrics[name] = m
	}
	for name, m := range custom {
		if m.Compute == nil {
			return nil, fmt.Errorf("custom metric %s has no compute function", name)
		}
		r.metrics[name] = m
	}
	return r, nil
}

// Lookup returns the metric for name or ErrUnknownMetric.
func (r *Registry) Lookup(name string) (Metric, error) {
	m, ok := r.metrics[name]
	if !ok {
		return Metric{}, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return m, nil
}

// counts tallies the confusion matrix from binary predictions and labels.
func counts(binary []int, labels []int) (tp, tn, fp, fn int) {
	for i, pred := range binary {
		switch {
		case pred == 1 && labels[i] == 1:
			tp++
		case pred == 1 && labels[i] == 0:
			fp++
		case pred == 0 && labels[i] == 1:
			fn++
		default:
			tn++
		}
	}
	return
}

func precision(_ []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	tp, _, fp, _ := counts(binary, labels)
	if tp+fp == 0 {
		return 0, fmt.Errorf("precision: %w", ErrUndefined)
	}
	return float64(tp) / float64(tp+fp), nil
}

func recall(_ []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	tp, _, _, fn := counts(binary, labels)
	if tp+fn == 0 {
		return 0, fmt.Errorf("recall: %w", ErrUndefined)
	}
	return float64(tp) / float64(tp+fn), nil
}

func fbeta(proba []float64, binary []int, labels []int, params map[string]float64) (float64, error) {
	beta, ok := params["beta"]
	if !ok {
		return 0, fmt.Errorf("fbeta: missing beta parameter")
	}
	p, err := precision(proba, binary, labels, params)
	if err != nil {
		return 0, err
	}
	r, err := recall(proba, binary, labels, params)
	if err != nil {
		return 0, err
	}
	if p == 0 && r == 0 {
		return 0, nil
	}
	b2 := beta * beta
	return (1 + b2) * p * r / (b2*p + r), nil
}

func f1(proba []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	return fbeta(proba, binary, labels, map[string]float64{"beta": 1})
}

func accuracy(_ []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	if len(labels) == 0 {
		return 0, fmt.Errorf("accuracy: %w", ErrUndefined)
	}
	tp, tn, _, _ := counts(binary, labels)
	return float64(tp+tn) / float64(len(labels)), nil
}

func truePositives(_ []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	tp, _, _, _ := counts(binary, labels)
	return float64(tp), nil
}

func trueNegatives(_ []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	_, tn, _, _ := counts(binary, labels)
	return float64(tn), nil
}

func falsePositives(_ []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	_, _, fp, _ := counts(binary, labels)
	return float64(fp), nil
}

func falseNegatives(_ []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	_, _, _, fn := counts(binary, labels)
	return float64(fn), nil
}

func fpr(_ []float64, binary []int, labels []int, _ map[string]float64) (float64, error) {
	_, tn, fp, _ := counts(binary, labels)
	if fp+tn == 0 {
		return 0, fmt.Errorf("fpr: %w", ErrUndefined)
	}
	return float64(fp) / float64(fp+tn), nil
}

// rocAUC computes the area under the ROC curve via the rank statistic
// (Mann-Whitney U), handling ties by assigning mid-ranks.
func rocAUC(proba []float64, _ []int, labels []int, _ map[string]float64) (float64, error) {
	nPos, nNeg := 0, 0
	for _, l := range labels {
		if l == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0, fmt.Errorf("roc_auc: %w: needs both classes", ErrUndefined)
	}

	idx := make([]int, len(proba))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return proba[idx[a]] < proba[idx[b]] })

	ranks := make([]float64, len(proba))
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && proba[idx[j]] == proba[idx[i]] {
			j++
		}
		mid := float64(i+j+1) / 2 // 1-based mid-rank for the tie run [i, j)
		for k := i; k < j; k++ {
			ranks[idx[k]] = mid
		}
		i = j
	}

	var rankSum float64
	for i, l := range labels {
		if l == 1 {
			rankSum += ranks[i]
		}
	}
	u := rankSum - float64(nPos)*float64(nPos+1)/2
	return u / (float64(nPos) * float64(nNeg)), nil
}

// avgPrecision computes average precision: the precision at each positive
// hit in the ranking, weighted by the recall step it contributes.
func avgPrecision(proba []float64, _ []int, labels []int, _ map[string]float64) (float64, error) {
	nPos := 0
	for _, l := range labels {
		if l == 1 {
			nPos++
		}
	}
	if nPos == 0 {
		return 0, fmt.Errorf("average precision score: %w: no positive labels", ErrUndefined)
	}

	idx := make([]int, len(proba))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return proba[idx[a]] > proba[idx[b]] })

	var sum float64
	hits := 0
	for rank, i := range idx {
		if labels[i] == 1 {
			hits++
			sum += float64(hits) / float64(rank+1)
		}
	}
	ap := sum / float64(nPos)
	if math.IsNaN(ap) {
		return 0, fmt.Errorf("average precision score: %w", ErrUndefined)
	}
	return ap, nil
}
