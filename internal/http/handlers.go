package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/model-scoring-service/internal/db"
	"github.com/kjstillabower/model-scoring-service/internal/degraded"
	"github.com/kjstillabower/model-scoring-service/internal/evaluator"
	"github.com/kjstillabower/model-scoring-service/internal/idle"
	"github.com/kjstillabower/model-scoring-service/internal/lifecycle"
	"github.com/kjstillabower/model-scoring-service/internal/matrix"
	"github.com/kjstillabower/model-scoring-service/internal/models"
	"github.com/kjstillabower/model-scoring-service/internal/modelstore"
	"github.com/kjstillabower/model-scoring-service/internal/observability"
	"github.com/kjstillabower/model-scoring-service/internal/overload"
	"github.com/kjstillabower/model-scoring-service/internal/predictor"
	"github.com/kjstillabower/model-scoring-service/internal/service"
	"github.com/kjstillabower/model-scoring-service/internal/traffic"
	"github.com/kjstillabower/model-scoring-service/internal/validation"
)

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// DBPing, when set, is called to check database reachability.
	DBPing func() error
	// CachePing, when set, is called to check model cache reachability.
	// Used when the model cache backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	scoring          *service.ScoringService
	engine           modelstore.Engine
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	modelIDMinLen    int
	modelIDMaxLen    int
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	scoring *service.ScoringService,
	engine modelstore.Engine,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
	modelIDMinLen, modelIDMaxLen int,
) *Handler {
	return &Handler{
		scoring:       scoring,
		engine:        engine,
		healthConfig:  healthConfig,
		logger:        logger,
		rateLimiter:   rateLimiter,
		modelIDMinLen: modelIDMinLen,
		modelIDMaxLen: modelIDMaxLen,
	}
}

// matrixPayload is the wire form of a feature matrix. Labels use null for
// rows whose true outcome is unknown.
type matrixPayload struct {
	EntityIDs []int64              `json:"entity_ids"`
	AsOfDates []time.Time          `json:"as_of_dates,omitempty"`
	Columns   map[string][]float64 `json:"columns"`
	Labels    []*float64           `json:"labels,omitempty"`
	Metadata  matrix.Metadata      `json:"metadata"`
}

// toMatrix converts the payload into a validated, downcast matrix.
func (p *matrixPayload) toMatrix() (*matrix.Matrix, error) {
	var labels []float64
	if p.Labels != nil {
		labels = make([]float64, len(p.Labels))
		for i, l := range p.Labels {
			if l == nil {
				labels[i] = math.NaN()
			} else {
				labels[i] = *l
			}
		}
	}
	return matrix.New(p.EntityIDs, p.AsOfDates, p.Columns, labels, p.Metadata)
}

// modelID extracts and validates the model ID path variable.
func (h *Handler) modelID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := validation.ValidateModelID(mux.Vars(r)["modelID"], h.modelIDMinLen, h.modelIDMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MODEL_ID", err.Error())
		return "", false
	}
	return id, true
}

// PutModel handles PUT /models/{modelID}. Stores the model artifact.
func (h *Handler) PutModel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}
	var artifact models.ModelArtifact
	if err := json.NewDecoder(r.Body).Decode(&artifact); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARTIFACT", "malformed model artifact")
		return
	}
	if len(artifact.Coefficients) == 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARTIFACT", "artifact has no coefficients")
		return
	}
	artifact.ModelID = id
	if artifact.ModelType == "" {
		artifact.ModelType = "logistic"
	}
	existed, err := h.engine.Exists(r.Context(), id)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	if err := h.engine.Write(r.Context(), &artifact); err != nil {
		writeStorageError(w, r, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"model_id": id,
		"features": len(artifact.Coefficients),
	})
}

// DeleteModel handles DELETE /models/{modelID}. Removes the stored artifact;
// prediction history stays.
func (h *Handler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Delete(r.Context(), id); err != nil {
		writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id": id,
		"deleted":  true,
	})
}

// predictionsResponse is the wire form of a predict result.
type predictionsResponse struct {
	ModelID    string    `json:"model_id"`
	MatrixUUID string    `json:"matrix_uuid"`
	Rows       int       `json:"rows"`
	Scores     []float64 `json:"scores"`
}

// PostPredictions handles POST /models/{modelID}/predictions.
// Scores the submitted matrix and returns the scores in matrix index order.
// An optional replace flag in the body overrides the configured
// stored-prediction behavior for this request.
func (h *Handler) PostPredictions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}
	var body struct {
		Replace *bool         `json:"replace,omitempty"`
		Matrix  matrixPayload `json:"matrix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MATRIX", "malformed request body")
		return
	}
	m, err := body.Matrix.toMatrix()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MATRIX", err.Error())
		return
	}

	idle.RecordRequest()
	store := matrix.NewInMemoryStore(m)
	var scores []float64
	if body.Replace != nil {
		scores, err = h.scoring.PredictReplace(r.Context(), id, store, *body.Replace)
	} else {
		scores, err = h.scoring.Predict(r.Context(), id, store)
	}
	if err != nil {
		if errors.Is(err, predictor.ErrModelNotFound) {
			degraded.RecordSuccess()
			writeError(w, r, http.StatusNotFound, "MODEL_NOT_FOUND", "no model stored for id "+id)
			return
		}
		degraded.RecordError()
		writeStorageError(w, r, err)
		return
	}
	degraded.RecordSuccess()
	writeJSON(w, http.StatusOK, predictionsResponse{
		ModelID:    id,
		MatrixUUID: m.Meta.UUID,
		Rows:       len(scores),
		Scores:     scores,
	})
}

// evaluationsRequest is the wire form of an evaluate call. Either scores and
// labels are supplied directly, or a matrix is supplied and scored first.
type evaluationsRequest struct {
	Scores              []float64      `json:"scores,omitempty"`
	Labels              []*float64     `json:"labels,omitempty"`
	Matrix              *matrixPayload `json:"matrix,omitempty"`
	EvaluationStartTime time.Time      `json:"evaluation_start_time"`
	EvaluationEndTime   time.Time      `json:"evaluation_end_time"`
	AsOfDateFrequency   string         `json:"as_of_date_frequency"`
	MatrixType          string         `json:"matrix_type,omitempty"`
}

// evaluationValue is one computed metric in the response.
type evaluationValue struct {
	Metric                   string  `json:"metric"`
	Parameter                string  `json:"parameter"`
	Value                    float64 `json:"value"`
	NumLabeledExamples       int     `json:"num_labeled_examples"`
	NumLabeledAboveThreshold int     `json:"num_labeled_above_threshold"`
	NumPositiveLabels        int     `json:"num_positive_labels"`
}

// PostEvaluations handles POST /models/{modelID}/evaluations.
func (h *Handler) PostEvaluations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.modelID(w, r)
	if !ok {
		return
	}
	var body evaluationsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_EVALUATION", "malformed request body")
		return
	}
	matrixType, err := validation.ValidateMatrixType(body.MatrixType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MATRIX_TYPE", err.Error())
		return
	}
	frequency, err := validation.ValidateFrequency(body.AsOfDateFrequency)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_FREQUENCY", err.Error())
		return
	}
	key := db.EvaluationKey{
		ModelID:             id,
		EvaluationStartTime: body.EvaluationStartTime,
		EvaluationEndTime:   body.EvaluationEndTime,
		AsOfDateFrequency:   frequency,
	}

	idle.RecordRequest()
	var rows []db.EvaluationRow
	switch {
	case body.Matrix != nil:
		m, convErr := body.Matrix.toMatrix()
		if convErr != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_MATRIX", convErr.Error())
			return
		}
		rows, err = h.scoring.PredictAndEvaluate(r.Context(), id, matrix.NewInMemoryStore(m), key, matrixType)
	case len(body.Scores) > 0:
		labels := make([]float64, len(body.Labels))
		for i, l := range body.Labels {
			if l == nil {
				labels[i] = math.NaN()
			} else {
				labels[i] = *l
			}
		}
		rows, err = h.scoring.Evaluate(r.Context(), body.Scores, labels, key, matrixType)
	default:
		writeError(w, r, http.StatusBadRequest, "INVALID_EVALUATION", "either matrix or scores must be supplied")
		return
	}
	if err != nil {
		if errors.Is(err, predictor.ErrModelNotFound) {
			degraded.RecordSuccess()
			writeError(w, r, http.StatusNotFound, "MODEL_NOT_FOUND", "no model stored for id "+id)
			return
		}
		if errors.Is(err, evaluator.ErrLengthMismatch) || errors.Is(err, db.ErrUnknownMatrixType) {
			degraded.RecordSuccess()
			writeError(w, r, http.StatusBadRequest, "INVALID_EVALUATION", err.Error())
			return
		}
		degraded.RecordError()
		writeStorageError(w, r, err)
		return
	}
	degraded.RecordSuccess()

	values := make([]evaluationValue, len(rows))
	for i, row := range rows {
		values[i] = evaluationValue{
			Metric:                   row.Metric,
			Parameter:                row.Parameter,
			Value:                    row.Value,
			NumLabeledExamples:       row.NumLabeledExamples,
			NumLabeledAboveThreshold: row.NumLabeledAboveThreshold,
			NumPositiveLabels:        row.NumPositiveLabels,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id":    id,
		"matrix_type": string(matrixType),
		"evaluations": values,
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if h.healthConfig != nil && h.healthConfig.DBPing != nil {
		if h.healthConfig.DBPing() == nil {
			checks["database"] = "healthy"
		} else {
			checks["database"] = "unhealthy"
		}
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["modelCache"] = "healthy"
		} else {
			checks["modelCache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "model-scoring-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order.
// Decision order: shutting-down > database unreachable > overloaded > idle > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	// Priority 1: Check if service is shutting down
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	// Priority 2: If no health config, only check database reachability
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Priority 3: Database must be reachable; nothing works without it
	if h.healthConfig.DBPing != nil {
		if err := h.healthConfig.DBPing(); err != nil {
			degraded.NotifyDegraded()
			return healthResult{"degraded", http.StatusServiceUnavailable, "database_unreachable"}
		}
	}
	// Priority 4: Check overload threshold (rate limit denials exceed configured percentage)
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if float64(overload.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	// Priority 5: Check idle conditions (only if uptime exceeds minimum lifespan)
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if idle.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	// Priority 6: Check degraded state (error rate exceeds configured threshold)
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := degraded.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				degraded.NotifyDegraded()
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeStorageError writes a 503 Service Unavailable error response for
// storage failures. Logs the underlying error at DEBUG level if logger is
// available in request context.
func writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Unable to reach model storage or database")
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("storage error", zap.Error(err))
	}
}

// GetTestStatus handles GET /test. Returns current simulated state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errs, _ := degraded.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	resp := map[string]interface{}{
		"total_requests_in_window":  overload.RequestCount(window),
		"denied_requests_in_window": overload.DenialCount(window),
		"errors_in_window":          errs,
		"window_length":             window.String(),
		"auto_clear":                !degraded.IsRecoveryDisabled(),
		"config":                    cfg,
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostTestAction handles POST /test/{action} for load, error, reset, shutdown, prevent_clear, fail_clear, clear.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	case "prevent_clear":
		h.postTestPreventClear(w, r)
	case "fail_clear":
		h.postTestFailClear(w, r)
	case "clear":
		h.postTestClear(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestLoad simulates load by recording the specified number of requests,
// respecting rate limits if configured. Returns accepted/denied counts and current health state.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 10
	}
	var accepted, denied int
	if h.rateLimiter != nil {
		for i := 0; i < body.Count; i++ {
			if h.rateLimiter.Allow() {
				traffic.RecordSuccess()
				idle.RecordRequest()
				accepted++
			} else {
				overload.RecordDenial()
				observability.RateLimitDeniedTotal.Inc()
				denied++
			}
		}
	} else {
		traffic.RecordSuccessN(body.Count)
		for i := 0; i < body.Count; i++ {
			idle.RecordRequest()
		}
		accepted = body.Count
	}
	result := h.computeHealthStatus(r.Context())
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    result.status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError simulates errors by recording the specified number of error events.
// Returns current error rate percentage and health state after recording errors.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 1
	}
	traffic.RecordErrorN(body.Count)
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errs, total := degraded.ErrorRate(window)
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}
	result := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         "error",
		"message":        "Recorded " + strconv.Itoa(body.Count) + " errors",
		"state":          result.status,
		"error_rate_pct": pct,
	})
}

// postTestReset clears all simulated state including overload, degraded, idle tracking,
// recovery overrides, and shutdown flag. Used for test cleanup.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	overload.Reset()
	degraded.Reset()
	idle.Reset()
	degraded.ClearRecoveryOverrides()
	lifecycle.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "All simulated state cleared",
	})
}

// postTestShutdown sets the service shutdown flag, triggering graceful shutdown behavior.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}

// postTestPreventClear disables automatic recovery clearing for degraded state testing.
func (h *Handler) postTestPreventClear(w http.ResponseWriter, r *http.Request) {
	degraded.SetRecoveryDisabled(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "prevent_clear",
		"message": "Auto-recovery disabled",
	})
}

// postTestFailClear simulates a failed recovery attempt and advances the recovery delay sequence.
// Returns the next recovery delay time. If recovery sequence is exhausted, sets shutting-down flag.
func (h *Handler) postTestFailClear(w http.ResponseWriter, r *http.Request) {
	degraded.SetForceFailNextAttempt(true)
	resp := map[string]interface{}{
		"ok":      true,
		"action":  "fail_clear",
		"message": "Simulated failed recovery attempt",
	}
	if h.healthConfig != nil && h.healthConfig.DegradedRetryInitial > 0 && h.healthConfig.DegradedRetryMax >= h.healthConfig.DegradedRetryInitial {
		if d, ok := degraded.GetAndAdvanceNextRecoveryDelay(h.healthConfig.DegradedRetryInitial, h.healthConfig.DegradedRetryMax); ok {
			resp["next_recovery"] = d.String()
		} else {
			resp["next_recovery"] = "shutting-down"
			lifecycle.SetShuttingDown(true)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// postTestClear forces successful recovery by clearing degraded state and recovery overrides.
func (h *Handler) postTestClear(w http.ResponseWriter, r *http.Request) {
	degraded.Reset()
	degraded.ClearRecoveryOverrides()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "clear",
		"message": "Recovery forced successful",
	})
}
