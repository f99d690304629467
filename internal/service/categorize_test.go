package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/evaluator"
	"github.com/kjstillabower/model-scoring-service/internal/matrix"
	"github.com/kjstillabower/model-scoring-service/internal/predictor"
)

// TestCategorizeError verifies that CategorizeError maps errors to the correct
// ErrorCategory for metrics labeling, including sentinel errors, wrapped
// errors, and message-based heuristics.
func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"deadline exceeded", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled context", context.Canceled, ErrorCategoryTimeout},
		{"model not found", predictor.ErrModelNotFound, ErrorCategoryModelNotFound},
		{"wrapped model not found", fmt.Errorf("load: %w", predictor.ErrModelNotFound), ErrorCategoryModelNotFound},
		{"length mismatch", evaluator.ErrLengthMismatch, ErrorCategoryValidation},
		{"unknown matrix type", fmt.Errorf("%w: %q", db.ErrUnknownMatrixType, "validate"), ErrorCategoryValidation},
		{"empty matrix", matrix.ErrEmptyMatrix, ErrorCategoryValidation},
		{"ragged matrix", matrix.ErrRaggedMatrix, ErrorCategoryValidation},
		{"missing uuid", matrix.ErrMissingUUID, ErrorCategoryValidation},
		{"timeout in message", errors.New("write predictions: timeout"), ErrorCategoryTimeout},
		{"cache in message", errors.New("memcache: no servers configured"), ErrorCategoryCache},
		{"connection in message", errors.New("dial tcp: connection refused"), ErrorCategoryStorage},
		{"database in message", errors.New("database is locked"), ErrorCategoryStorage},
		{"invalid in message", errors.New("invalid model id"), ErrorCategoryValidation},
		{"unknown", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CategorizeError(tt.err)
			if got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}
