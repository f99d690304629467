package service

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/evaluator"
	"github.com/kjstillabower/model-scoring-service/internal/matrix"
	"github.com/kjstillabower/model-scoring-service/internal/predictor"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (scoringErrorsTotal).
const (
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryModelNotFound ErrorCategory = "model_not_found"
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryStorage       ErrorCategory = "storage"
	ErrorCategoryCache         ErrorCategory = "cache"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	if errors.Is(err, predictor.ErrModelNotFound) {
		return ErrorCategoryModelNotFound
	}

	if errors.Is(err, evaluator.ErrLengthMismatch) ||
		errors.Is(err, db.ErrUnknownMatrixType) ||
		errors.Is(err, matrix.ErrEmptyMatrix) ||
		errors.Is(err, matrix.ErrRaggedMatrix) ||
		errors.Is(err, matrix.ErrMissingUUID) {
		return ErrorCategoryValidation
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCategoryTimeout
	}

	if strings.Contains(errStr, "cache") || strings.Contains(errStr, "memcache") {
		return ErrorCategoryCache
	}

	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "database") {
		return ErrorCategoryStorage
	}

	if strings.Contains(errStr, "invalid") || strings.Contains(errStr, "validation") {
		return ErrorCategoryValidation
	}

	return ErrorCategoryUnknown
}
