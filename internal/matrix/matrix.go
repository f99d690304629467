package matrix

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var (
	// ErrEmptyMatrix is returned when a matrix has no rows.
	ErrEmptyMatrix = errors.New("matrix has no rows")
	// ErrRaggedMatrix is returned when columns, labels, or the index disagree on length.
	ErrRaggedMatrix = errors.New("matrix columns have inconsistent lengths")
	// ErrMissingUUID is returned when matrix metadata has no UUID.
	ErrMissingUUID = errors.New("matrix metadata missing uuid")
)

// Metadata describes a matrix: which column is the label, the as-of date
// applied to every row when the index is not composite, and a UUID that
// identifies the matrix across predict and evaluate calls.
type Metadata struct {
	LabelName string    `json:"label_name"`
	EndTime   time.Time `json:"end_time"`
	UUID      string    `json:"uuid"`
}

// Matrix is a feature matrix indexed by entity ID, optionally by
// (entity ID, as-of date) when AsOfDates is populated. Feature columns are
// stored downcast to float32; labels stay float64 with NaN marking rows
// whose label is unknown.
type Matrix struct {
	EntityIDs []int64
	AsOfDates []time.Time // composite index when non-empty, len == len(EntityIDs)
	Columns   map[string][]float32
	Labels    []float64
	Meta      Metadata
}

// New builds a Matrix from float64 feature columns, downcasting them for
// storage. labels may be nil when the matrix carries no label column.
func New(entityIDs []int64, asOfDates []time.Time, columns map[string][]float64, labels []float64, meta Metadata) (*Matrix, error) {
	m := &Matrix{
		EntityIDs: entityIDs,
		AsOfDates: asOfDates,
		Columns:   Downcast(columns),
		Labels:    labels,
		Meta:      meta,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that the matrix is rectangular, non-empty, and carries a UUID.
func (m *Matrix) Validate() error {
	n := len(m.EntityIDs)
	if n == 0 {
		return ErrEmptyMatrix
	}
	if m.Meta.UUID == "" {
		return ErrMissingUUID
	}
	if len(m.AsOfDates) > 0 && len(m.AsOfDates) != n {
		return fmt.Errorf("%w: %d as-of dates for %d entities", ErrRaggedMatrix, len(m.AsOfDates), n)
	}
	if m.Labels != nil && len(m.Labels) != n {
		return fmt.Errorf("%w: %d labels for %d entities", ErrRaggedMatrix, len(m.Labels), n)
	}
	for name, col := range m.Columns {
		if len(col) != n {
			return fmt.Errorf("%w: column %s has %d values for %d entities", ErrRaggedMatrix, name, len(col), n)
		}
	}
	return nil
}

// NumRows returns the number of rows in the matrix.
func (m *Matrix) NumRows() int {
	return len(m.EntityIDs)
}

// HasCompositeIndex reports whether rows are indexed by (entity ID, as-of date).
func (m *Matrix) HasCompositeIndex() bool {
	return len(m.AsOfDates) > 0
}

// AsOfDate returns the as-of date for row i: the per-row date for composite
// indexes, the metadata end time otherwise.
func (m *Matrix) AsOfDate(i int) time.Time {
	if m.HasCompositeIndex() {
		return m.AsOfDates[i]
	}
	return m.Meta.EndTime
}

// FeatureNames returns the column names in sorted order, excluding the label column.
func (m *Matrix) FeatureNames() []string {
	names := make([]string, 0, len(m.Columns))
	for name := range m.Columns {
		if name == m.Meta.LabelName {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Row returns the feature values for row i, keyed by column name.
// The label column is excluded.
func (m *Matrix) Row(i int) map[string]float64 {
	row := make(map[string]float64, len(m.Columns))
	for name, col := range m.Columns {
		if name == m.Meta.LabelName {
			continue
		}
		row[name] = float64(col[i])
	}
	return row
}

// LabelVector returns the label column as float64 values with NaN for rows
// without a label. When labels were never provided, every entry is NaN.
func (m *Matrix) LabelVector() []float64 {
	out := make([]float64, m.NumRows())
	if m.Labels == nil {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	copy(out, m.Labels)
	return out
}

// Store provides access to a matrix and its metadata. The in-memory
// implementation wraps a decoded request matrix; other implementations may
// load lazily from disk or object storage.
type Store interface {
	Matrix(ctx context.Context) (*Matrix, error)
	Metadata() Metadata
}

// InMemoryStore is a Store over a matrix already held in memory.
type InMemoryStore struct {
	m *Matrix
}

// NewInMemoryStore returns a Store backed by the given matrix.
func NewInMemoryStore(m *Matrix) *InMemoryStore {
	return &InMemoryStore{m: m}
}

// Matrix returns the wrapped matrix.
func (s *InMemoryStore) Matrix(ctx context.Context) (*Matrix, error) {
	if s.m == nil {
		return nil, ErrEmptyMatrix
	}
	return s.m, nil
}

// Metadata returns the wrapped matrix metadata.
func (s *InMemoryStore) Metadata() Metadata {
	if s.m == nil {
		return Metadata{}
	}
	return s.m.Meta
}
