package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kjstillabower/model-scoring-service/internal/models"
)

// ErrInvalidModelID is returned when a model ID would escape the storage root.
var ErrInvalidModelID = errors.New("invalid model id")

// Engine stores and retrieves trained model artifacts by model ID.
// Load returns (nil, nil) when no artifact exists for the ID.
type Engine interface {
	Write(ctx context.Context, artifact *models.ModelArtifact) error
	Load(ctx context.Context, modelID string) (*models.ModelArtifact, error)
	Delete(ctx context.Context, modelID string) error
	Exists(ctx context.Context, modelID string) (bool, error)
}

// InMemoryEngine implements Engine with a map. Used in tests and for
// single-process deployments without shared storage.
type InMemoryEngine struct {
	mu        sync.RWMutex
	artifacts map[string]*models.ModelArtifact
}

// NewInMemoryEngine returns an empty in-memory engine.
func NewInMemoryEngine() *InMemoryEngine {
	return &InMemoryEngine{
		artifacts: make(map[string]*models.ModelArtifact),
	}
}

// Write stores the artifact under its model ID.
func (e *InMemoryEngine) Write(ctx context.Context, artifact *models.ModelArtifact) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.artifacts[artifact.ModelID] = artifact
	return nil
}

// Load returns the artifact for modelID, or (nil, nil) when absent.
func (e *InMemoryEngine) Load(ctx context.Context, modelID string) (*models.ModelArtifact, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.artifacts[modelID], nil
}

// Delete removes the artifact for modelID. Deleting an absent model is a no-op.
func (e *InMemoryEngine) Delete(ctx context.Context, modelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.artifacts, modelID)
	return nil
}

// Exists reports whether an artifact is stored for modelID.
func (e *InMemoryEngine) Exists(ctx context.Context, modelID string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.artifacts[modelID]
	return ok, nil
}

// FilesystemEngine implements Engine with JSON artifact files under a
// project path, one file per model ID.
type FilesystemEngine struct {
	projectPath string
}

// NewFilesystemEngine creates the project path if needed and returns an
// engine rooted there.
func NewFilesystemEngine(projectPath string) (*FilesystemEngine, error) {
	if err := os.MkdirAll(projectPath, 0o755); err != nil {
		return nil, fmt.Errorf("create project path: %w", err)
	}
	return &FilesystemEngine{projectPath: projectPath}, nil
}

// artifactPath maps a model ID to its file, rejecting IDs that would
// resolve outside the project path.
func (e *FilesystemEngine) artifactPath(modelID string) (string, error) {
	if modelID == "" || strings.ContainsAny(modelID, "/\\") || strings.Contains(modelID, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidModelID, modelID)
	}
	return filepath.Join(e.projectPath, modelID+".json"), nil
}

// Write serializes the artifact to <projectPath>/<modelID>.json.
func (e *FilesystemEngine) Write(ctx context.Context, artifact *models.ModelArtifact) error {
	path, err := e.artifactPath(artifact.ModelID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal model %s: %w", artifact.ModelID, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write model %s: %w", artifact.ModelID, err)
	}
	return nil
}

// Load reads and parses the artifact file, or returns (nil, nil) when absent.
func (e *FilesystemEngine) Load(ctx context.Context, modelID string) (*models.ModelArtifact, error) {
	path, err := e.artifactPath(modelID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read model %s: %w", modelID, err)
	}
	var artifact models.ModelArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", modelID, err)
	}
	return &artifact, nil
}

// Delete removes the artifact file. Deleting an absent model is a no-op.
func (e *FilesystemEngine) Delete(ctx context.Context, modelID string) error {
	path, err := e.artifactPath(modelID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete model %s: %w", modelID, err)
	}
	return nil
}

// Exists reports whether an artifact file is present for modelID.
func (e *FilesystemEngine) Exists(ctx context.Context, modelID string) (bool, error) {
	path, err := e.artifactPath(modelID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat model %s: %w", modelID, err)
	}
	return true, nil
}
