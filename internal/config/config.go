package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/model-scoring-service/internal/models"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string
	DBMaxOpenConns int
	DBMaxIdleConns int

	ModelStorageBackend string // "in_memory" or "filesystem"
	ModelStoragePath    string

	ModelCacheBackend     string // "none" or "memcached"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	ModelCacheTTL         time.Duration

	// ReplacePredictions controls whether predict overwrites stored rows
	// (true) or reuses them when the matrix is fully covered (false).
	ReplacePredictions bool

	// SortSeed seeds the evaluation tie-breaking sort. Zero picks the
	// current unix time at startup.
	SortSeed int64

	TestMetricGroups  []models.MetricGroup
	TrainMetricGroups []models.MetricGroup

	RequestTimeout time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration

	ModelIDMinLength int
	ModelIDMaxLength int

	WarmModels    bool
	WarmInterval  time.Duration
	TrackedModels []string
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		Host         string `yaml:"host"`
		Port         string `yaml:"port"`
		User         string `yaml:"user"`
		Name         string `yaml:"name"`
		SSLMode      string `yaml:"sslmode"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
	} `yaml:"database"`

	ModelStorage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"model_storage"`

	ModelCache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"model_cache"`

	Scoring struct {
		ReplacePredictions *bool `yaml:"replace_predictions"`
		SortSeed           int64 `yaml:"sort_seed"`
		ModelIDMinLength   int   `yaml:"model_id_min_length"`
		ModelIDMaxLength   int   `yaml:"model_id_max_length"`
	} `yaml:"scoring"`

	Evaluation struct {
		MetricGroups         []models.MetricGroup `yaml:"metric_groups"`
		TrainingMetricGroups []models.MetricGroup `yaml:"training_metric_groups"`
	} `yaml:"evaluation"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Reliability struct {
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   *bool  `yaml:"circuit_breaker"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		BreakerTimeout   string `yaml:"breaker_timeout"`
		Coalesce         *bool  `yaml:"coalesce"`
		CoalesceTimeout  string `yaml:"coalesce_timeout"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial   string `yaml:"degraded_retry_initial"`
		DegradedRetryMax       string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`

	Warming struct {
		Enabled  *bool  `yaml:"enabled"`
		Interval string `yaml:"interval"`
	} `yaml:"warming"`

	Metrics struct {
		TrackedModels []string `yaml:"tracked_models"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	DBPassword string `yaml:"db_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), a .env
// file when present, and config/secrets.yaml. The database password comes
// from DB_PASSWORD env or the secrets file. Call from project root.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional; env already set wins

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{
		TestingMode: false,
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.DBHost = envOr("DB_HOST", fc.Database.Host, "localhost")
	cfg.DBPort = envOr("DB_PORT", fc.Database.Port, "5432")
	cfg.DBUser = envOr("DB_USER", fc.Database.User, "postgres")
	cfg.DBName = envOr("DB_NAME", fc.Database.Name, "results")
	cfg.DBSSLMode = envOr("DB_SSLMODE", fc.Database.SSLMode, "disable")
	cfg.DBMaxOpenConns = fc.Database.MaxOpenConns
	if cfg.DBMaxOpenConns <= 0 {
		cfg.DBMaxOpenConns = 25
	}
	cfg.DBMaxIdleConns = fc.Database.MaxIdleConns
	if cfg.DBMaxIdleConns <= 0 {
		cfg.DBMaxIdleConns = 5
	}

	cfg.DBPassword = os.Getenv("DB_PASSWORD")
	if cfg.DBPassword == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.DBPassword = sec.DBPassword
		}
	}

	cfg.ModelStorageBackend = strings.TrimSpace(strings.ToLower(envOr("MODEL_STORAGE_BACKEND", fc.ModelStorage.Backend, "filesystem")))
	cfg.ModelStoragePath = envOr("MODEL_STORAGE_PATH", fc.ModelStorage.Path, "models")

	cfg.ModelCacheBackend = strings.TrimSpace(strings.ToLower(envOr("MODEL_CACHE_BACKEND", fc.ModelCache.Backend, "none")))
	cfg.ModelCacheTTL = parseDuration(fc.ModelCache.TTL, time.Hour)
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", fc.ModelCache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.ModelCache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.ModelCache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.ReplacePredictions = true
	if fc.Scoring.ReplacePredictions != nil {
		cfg.ReplacePredictions = *fc.Scoring.ReplacePredictions
	}
	cfg.SortSeed = fc.Scoring.SortSeed
	cfg.ModelIDMinLength = fc.Scoring.ModelIDMinLength
	if cfg.ModelIDMinLength <= 0 {
		cfg.ModelIDMinLength = 1
	}
	cfg.ModelIDMaxLength = fc.Scoring.ModelIDMaxLength
	if cfg.ModelIDMaxLength <= 0 {
		cfg.ModelIDMaxLength = 64
	}

	cfg.TestMetricGroups = fc.Evaluation.MetricGroups
	cfg.TrainMetricGroups = fc.Evaluation.TrainingMetricGroups

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreaker != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreaker
	}
	cfg.CircuitBreakerFailureThreshold = fc.Reliability.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.Reliability.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)

	cfg.CoalesceEnabled = true
	if fc.Reliability.Coalesce != nil {
		cfg.CoalesceEnabled = *fc.Reliability.Coalesce
	}
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.CoalesceTimeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Lifecycle.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 5
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, 1*time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	cfg.WarmModels = false
	if fc.Warming.Enabled != nil {
		cfg.WarmModels = *fc.Warming.Enabled
	}
	cfg.WarmInterval = parseDurationOrZero(fc.Warming.Interval, 0)
	cfg.TrackedModels = fc.Metrics.TrackedModels

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOr returns the env value for key, falling back to the file value, then
// to the default.
func envOr(key, fileVal, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(fileVal); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values: backend
// names, metric group shape, and model ID length bounds.
func validate(cfg *Config) error {
	switch cfg.ModelStorageBackend {
	case "in_memory", "filesystem":
		// valid
	default:
		return fmt.Errorf("model_storage.backend must be in_memory or filesystem, got %q", cfg.ModelStorageBackend)
	}
	switch cfg.ModelCacheBackend {
	case "none", "memcached":
		// valid
	default:
		return fmt.Errorf("model_cache.backend must be none or memcached, got %q", cfg.ModelCacheBackend)
	}
	if cfg.ModelIDMaxLength < cfg.ModelIDMinLength {
		return fmt.Errorf("scoring.model_id_max_length (%d) below model_id_min_length (%d)", cfg.ModelIDMaxLength, cfg.ModelIDMinLength)
	}
	for _, group := range append(append([]models.MetricGroup{}, cfg.TestMetricGroups...), cfg.TrainMetricGroups...) {
		if len(group.Metrics) == 0 {
			return fmt.Errorf("evaluation metric group has no metrics")
		}
	}
	return nil
}
