package modelstore

import (
	"context"
	"testing"
)

// BenchmarkInMemoryEngine_Load_Hit benchmarks artifact Load when the model exists.
func BenchmarkInMemoryEngine_Load_Hit(b *testing.B) {
	e := NewInMemoryEngine()
	ctx := context.Background()
	if err := e.Write(ctx, artifact("risk_v1")); err != nil {
		b.Fatalf("Write() error = %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Load(ctx, "risk_v1")
	}
}

// BenchmarkInMemoryEngine_Load_Miss benchmarks Load for an unknown model ID.
func BenchmarkInMemoryEngine_Load_Miss(b *testing.B) {
	e := NewInMemoryEngine()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Load(ctx, "nonexistent")
	}
}

// BenchmarkInMemoryEngine_Write benchmarks artifact Write.
func BenchmarkInMemoryEngine_Write(b *testing.B) {
	e := NewInMemoryEngine()
	ctx := context.Background()
	a := artifact("risk_v1")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = e.Write(ctx, a)
	}
}

// BenchmarkInMemoryEngine_Concurrent benchmarks concurrent Loads, the shape
// of traffic the engine sees when many scoring requests hit one model.
func BenchmarkInMemoryEngine_Concurrent(b *testing.B) {
	e := NewInMemoryEngine()
	ctx := context.Background()
	if err := e.Write(ctx, artifact("risk_v1")); err != nil {
		b.Fatalf("Write() error = %v", err)
	}

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = e.Load(ctx, "risk_v1")
		}
	})
}
