package modelstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/model-scoring-service/internal/models"
)

type failingEngine struct {
	err error
}

func (e *failingEngine) Write(ctx context.Context, artifact *models.ModelArtifact) error {
	return e.err
}

func (e *failingEngine) Load(ctx context.Context, modelID string) (*models.ModelArtifact, error) {
	return nil, e.err
}

func (e *failingEngine) Delete(ctx context.Context, modelID string) error {
	return e.err
}

func (e *failingEngine) Exists(ctx context.Context, modelID string) (bool, error) {
	return false, e.err
}

func TestWarmer_Warm_Success(t *testing.T) {
	engine := NewInMemoryEngine()
	ctx := context.Background()
	for _, id := range []string{"risk_v1", "risk_v2"} {
		if err := engine.Write(ctx, artifact(id)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	warmer := NewWarmer(engine, nil)

	if err := warmer.Warm(ctx, []string{"risk_v1", "risk_v2"}); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
}

func TestWarmer_Warm_EmptyModels(t *testing.T) {
	warmer := NewWarmer(NewInMemoryEngine(), nil)
	ctx := context.Background()

	if err := warmer.Warm(ctx, nil); err != nil {
		t.Fatalf("Warm() with nil models error = %v, want nil", err)
	}
	if err := warmer.Warm(ctx, []string{}); err != nil {
		t.Fatalf("Warm() with empty models error = %v, want nil", err)
	}
}

func TestWarmer_Warm_MissingModelIsError(t *testing.T) {
	warmer := NewWarmer(NewInMemoryEngine(), nil)

	if err := warmer.Warm(context.Background(), []string{"ghost"}); err == nil {
		t.Fatal("Warm() error = nil, want error for missing model")
	}
}

func TestWarmer_Warm_EngineError(t *testing.T) {
	warmer := NewWarmer(&failingEngine{err: errors.New("storage down")}, nil)

	if err := warmer.Warm(context.Background(), []string{"risk_v1"}); err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
}

func TestWarmer_WarmPeriodic_StopsOnContextCancel(t *testing.T) {
	engine := NewInMemoryEngine()
	if err := engine.Write(context.Background(), artifact("risk_v1")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	warmer := NewWarmer(engine, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := warmer.WarmPeriodic(ctx, []string{"risk_v1"}, 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WarmPeriodic() error = %v, want context.DeadlineExceeded", err)
	}
}
