package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/model-scoring-service/internal/modelstore"
	"github.com/kjstillabower/model-scoring-service/internal/observability"
)

func TestMiddleware_ThroughHandler(t *testing.T) {
	engine := modelstore.NewInMemoryEngine()
	seedModel(t, engine, "risk_v1")
	handler := newTestHandler(t, engine, nil, nil)

	logger := zap.NewNop()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/models/{modelID}/predictions", handler.PostPredictions)

	req := httptest.NewRequest("POST", "/models/risk_v1/predictions", predictBody(t))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d, body %s", w.Code, http.StatusOK, w.Body.String())
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	handler := newTestHandler(t, nil, nil, nil)

	logger := zap.NewNop()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/models/{modelID}/predictions", handler.PostPredictions)

	req := httptest.NewRequest("POST", "/models/risk_v1/predictions", predictBody(t))
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
}

func TestMiddleware_ErrorResponseCarriesRequestID(t *testing.T) {
	handler := newTestHandler(t, nil, nil, nil)

	logger := zap.NewNop()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/models/{modelID}/predictions", handler.PostPredictions)

	// No model stored, so the handler writes an error body
	req := httptest.NewRequest("POST", "/models/ghost/predictions", predictBody(t))
	req.Header.Set("X-Correlation-ID", "corr-42")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.RequestID != "corr-42" {
		t.Errorf("error.requestId = %q, want corr-42", errResp.Error.RequestID)
	}
}

func TestMiddleware_HealthThroughChain(t *testing.T) {
	handler := newTestHandler(t, nil, nil, nil)

	logger := zap.NewNop()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	engine := &slowEngine{inner: modelstore.NewInMemoryEngine()}
	handler := newTestHandler(t, engine, nil, nil)

	logger := zap.NewNop()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(TimeoutMiddleware(50 * time.Millisecond))
	router.HandleFunc("/models/{modelID}/predictions", handler.PostPredictions)

	req := httptest.NewRequest("POST", "/models/risk_v1/predictions", predictBody(t))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d (timeout should surface as storage error)", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	engine := modelstore.NewInMemoryEngine()
	seedModel(t, engine, "risk_v1")
	handler := newTestHandler(t, engine, nil, nil)

	limiter := rate.NewLimiter(1, 2)

	logger := zap.NewNop()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(limiter))
	router.HandleFunc("/models/{modelID}/predictions", handler.PostPredictions)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/models/risk_v1/predictions", predictBody(t))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
		} else {
			if w.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: status = %d, want 429", i, w.Code)
			}
			var errResp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode 429 response: %v", err)
			}
			if errResp.Error.Code != "RATE_LIMITED" {
				t.Errorf("error.code = %q, want RATE_LIMITED", errResp.Error.Code)
			}
		}
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	engine := modelstore.NewInMemoryEngine()
	seedModel(t, engine, "risk_v1")
	handler := newTestHandler(t, engine, nil, nil)

	logger := zap.NewNop()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/models/{modelID}/predictions", handler.PostPredictions)

	req := httptest.NewRequest("POST", "/models/risk_v1/predictions", predictBody(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (nil limiter should allow)", w.Code)
	}
}

func TestMiddleware_GetRouteDefaultPath(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/foo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/foo", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Handle("/metrics", observability.MetricsHandler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSubrouter_ModelRoutesWithTimeoutAndRateLimit(t *testing.T) {
	engine := modelstore.NewInMemoryEngine()
	seedModel(t, engine, "risk_v1")
	handler := newTestHandler(t, engine, nil, nil)

	limiter := rate.NewLimiter(10, 10)

	logger := zap.NewNop()
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	modelRouter := router.PathPrefix("/models").Subrouter()
	modelRouter.Use(RateLimitMiddleware(limiter))
	modelRouter.Use(TimeoutMiddleware(5 * time.Second))
	modelRouter.HandleFunc("/{modelID}/predictions", handler.PostPredictions).Methods("POST")

	router.HandleFunc("/health", handler.GetHealth).Methods("GET")

	req := httptest.NewRequest("POST", "/models/risk_v1/predictions", predictBody(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (subrouter should route /models/{modelID}/predictions)", w.Code)
	}
}
