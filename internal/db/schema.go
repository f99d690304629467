package db

import (
	"time"

	"gorm.io/gorm"
)

// Prediction is one scored row: the score a model gave an entity as of a
// date. Rows are replaced per (model_id, as_of_date) when a matrix is
// re-scored.
type Prediction struct {
	ID         uint      `gorm:"primaryKey"`
	ModelID    string    `gorm:"size:64;index:idx_predictions_model_date,priority:1"`
	EntityID   int64     `gorm:"index"`
	AsOfDate   time.Time `gorm:"index:idx_predictions_model_date,priority:2"`
	Score      float64
	LabelValue *float64
	MatrixUUID string `gorm:"size:64"`
	CreatedAt  time.Time
}

// EvaluationRow is one computed metric value with the counts needed to
// interpret it. Rows are keyed by (model_id, evaluation_start_time,
// evaluation_end_time, as_of_date_frequency) and replaced as a group.
type EvaluationRow struct {
	ID                       uint      `gorm:"primaryKey"`
	ModelID                  string    `gorm:"size:64;index"`
	EvaluationStartTime      time.Time `gorm:"index"`
	EvaluationEndTime        time.Time
	AsOfDateFrequency        string `gorm:"size:32"`
	Metric                   string `gorm:"size:64"`
	Parameter                string `gorm:"size:128"`
	Value                    float64
	NumLabeledExamples       int
	NumLabeledAboveThreshold int
	NumPositiveLabels        int
	SortSeed                 int64
	CreatedAt                time.Time
}

// TestEvaluation holds metric rows computed on test matrices.
type TestEvaluation struct {
	EvaluationRow `gorm:"embedded"`
}

// TableName maps TestEvaluation to its table.
func (TestEvaluation) TableName() string { return "test_evaluations" }

// TrainEvaluation holds metric rows computed on train matrices.
type TrainEvaluation struct {
	EvaluationRow `gorm:"embedded"`
}

// TableName maps TrainEvaluation to its table.
func (TrainEvaluation) TableName() string { return "train_evaluations" }

// AutoMigrate creates or updates the results tables.
func AutoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&Prediction{},
		&TestEvaluation{},
		&TrainEvaluation{},
	)
}
