package validation

import (
	"errors"
	"strings"
	"unicode"

	"github.com/kjstillabower/model-scoring-service/internal/models"
)

// ErrModelIDEmpty is returned when a model ID is empty or whitespace-only after trim.
var ErrModelIDEmpty = errors.New("model id is required")

// ErrModelIDTooShort is returned when a model ID length is below the minimum.
var ErrModelIDTooShort = errors.New("model id too short")

// ErrModelIDTooLong is returned when a model ID length exceeds the maximum.
var ErrModelIDTooLong = errors.New("model id too long")

// ErrModelIDInvalidChars is returned when a model ID contains disallowed characters.
var ErrModelIDInvalidChars = errors.New("model id contains invalid characters")

// ErrInvalidMatrixType is returned when a matrix type is neither train nor test.
var ErrInvalidMatrixType = errors.New("matrix type must be train or test")

// ErrFrequencyEmpty is returned when an as-of-date frequency is empty.
var ErrFrequencyEmpty = errors.New("as_of_date_frequency is required")

// ValidateModelID trims the input, enforces length bounds (minLen, maxLen in
// runes), and restricts to characters safe for storage keys and file names:
// letters, digits, hyphen, underscore, dot (no leading dot). Returns the
// trimmed string or an error suitable for 400 INVALID_MODEL_ID responses.
func ValidateModelID(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrModelIDEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrModelIDTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrModelIDTooLong
	}
	if r[0] == '.' {
		return "", ErrModelIDInvalidChars
	}
	for _, c := range r {
		if !isAllowedModelIDRune(c) {
			return "", ErrModelIDInvalidChars
		}
	}
	return s, nil
}

// isAllowedModelIDRune returns true for ASCII letters, digits, hyphen, underscore, dot.
func isAllowedModelIDRune(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.':
		return true
	}
	return false
}

// ValidateMatrixType normalizes and validates a matrix type string.
// Accepts any casing of train/test; empty defaults to test.
func ValidateMatrixType(input string) (models.MatrixType, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case string(models.MatrixTypeTrain):
		return models.MatrixTypeTrain, nil
	case string(models.MatrixTypeTest), "":
		return models.MatrixTypeTest, nil
	default:
		return "", ErrInvalidMatrixType
	}
}

// ValidateFrequency checks an as-of-date frequency string (e.g. "1d", "3month").
// Only presence is enforced; the value is opaque to this service and stored
// as part of the evaluation key.
func ValidateFrequency(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrFrequencyEmpty
	}
	return s, nil
}
