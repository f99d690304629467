package modelstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/model-scoring-service/internal/models"
)

const keyPrefix = "model:"

// MemcachedEngine is a read-through cache over another Engine. Artifacts are
// small JSON blobs, so they fit comfortably under the memcached item limit.
// Cache errors degrade to the underlying engine rather than failing the call.
type MemcachedEngine struct {
	client *memcache.Client
	next   Engine
	ttl    time.Duration
}

// NewMemcachedEngine wraps next with a memcached cache. addrs is a
// comma-separated list (e.g. "localhost:11211" or "host1:11211,host2:11211").
// timeout and maxIdleConns configure the client; both use package defaults
// if zero.
func NewMemcachedEngine(next Engine, addrs string, timeout time.Duration, maxIdleConns int, ttl time.Duration) (*MemcachedEngine, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedEngine{client: client, next: next, ttl: ttl}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (e *MemcachedEngine) key(modelID string) string {
	return keyPrefix + modelID
}

// Write stores through to the underlying engine, then refreshes the cache.
// A failed cache set is ignored; the next Load repopulates it.
func (e *MemcachedEngine) Write(ctx context.Context, artifact *models.ModelArtifact) error {
	if err := e.next.Write(ctx, artifact); err != nil {
		return err
	}
	e.cacheSet(artifact)
	return nil
}

// Load returns the cached artifact when present, falling back to the
// underlying engine and populating the cache on the way back.
func (e *MemcachedEngine) Load(ctx context.Context, modelID string) (*models.ModelArtifact, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	item, err := e.client.Get(e.key(modelID))
	if err == nil {
		var artifact models.ModelArtifact
		if jsonErr := json.Unmarshal(item.Value, &artifact); jsonErr == nil {
			return &artifact, nil
		}
		// Corrupt cache entry; drop it and fall through to the engine.
		_ = e.client.Delete(e.key(modelID))
	}
	artifact, err := e.next.Load(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if artifact != nil {
		e.cacheSet(artifact)
	}
	return artifact, nil
}

// Delete removes the artifact from the engine and invalidates the cache entry.
func (e *MemcachedEngine) Delete(ctx context.Context, modelID string) error {
	if err := e.next.Delete(ctx, modelID); err != nil {
		return err
	}
	if err := e.client.Delete(e.key(modelID)); err != nil && err != memcache.ErrCacheMiss {
		return err
	}
	return nil
}

// Exists reports whether an artifact is stored for modelID. A cache hit
// answers without touching the underlying engine; a miss delegates, since
// an uncached artifact may still exist in storage.
func (e *MemcachedEngine) Exists(ctx context.Context, modelID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if _, err := e.client.Get(e.key(modelID)); err == nil {
		return true, nil
	}
	return e.next.Exists(ctx, modelID)
}

func (e *MemcachedEngine) cacheSet(artifact *models.ModelArtifact) {
	raw, err := json.Marshal(artifact)
	if err != nil {
		return
	}
	expSec := int32(e.ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600
	}
	_ = e.client.Set(&memcache.Item{
		Key:        e.key(artifact.ModelID),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (e *MemcachedEngine) Ping() error {
	return e.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (e *MemcachedEngine) Close() error {
	return e.client.Close()
}
