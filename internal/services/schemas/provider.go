package schemas

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/models"
)

// CachingProvider is the worker-side schema read path: a process-local
// cache keyed by (schema_id, version) over the registry. Misses read
// through; errors are never cached, so a failed read re-attempts next time.
// Cached schemas are shared and must be treated as read-only.
type CachingProvider struct {
	service interfaces.SchemaService
	cache   map[string]*models.ParsingSchema
	fetched map[string]time.Time
	ttl     time.Duration
	mu      sync.RWMutex
	logger  arbor.ILogger
}

// NewCachingProvider creates a provider over the schema service
func NewCachingProvider(service interfaces.SchemaService, logger arbor.ILogger) *CachingProvider {
	return &CachingProvider{
		service: service,
		cache:   make(map[string]*models.ParsingSchema),
		fetched: make(map[string]time.Time),
		logger:  logger,
	}
}

// WithTTL bounds cache entry age. Zero keeps entries until invalidation,
// which is enough in-process; the TTL guards multi-node deployments where
// registry events from other nodes are not seen.
func (p *CachingProvider) WithTTL(ttl time.Duration) *CachingProvider {
	p.ttl = ttl
	return p
}

// GetSchema returns the schema for (id, version); version 0 reads through
// to the current version and caches under the resolved version number
func (p *CachingProvider) GetSchema(ctx context.Context, id string, version int) (*models.ParsingSchema, error) {
	if version > 0 {
		key := models.SchemaKey(id, version)
		p.mu.RLock()
		cached, present := p.cache[key]
		fetchedAt := p.fetched[key]
		p.mu.RUnlock()
		if present && (p.ttl <= 0 || time.Since(fetchedAt) < p.ttl) {
			return cached, nil
		}
	}

	schema, err := p.service.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}

	key := models.SchemaKey(schema.ID, schema.Version)
	p.mu.Lock()
	p.cache[key] = schema
	p.fetched[key] = time.Now()
	p.mu.Unlock()

	p.logger.Debug().
		Str("schema_id", schema.ID).
		Int("version", schema.Version).
		Msg("Schema cached")

	return schema, nil
}

// Invalidate drops all cached versions of a schema id
func (p *CachingProvider) Invalidate(id string) {
	prefix := id + "@"

	p.mu.Lock()
	for key := range p.cache {
		if strings.HasPrefix(key, prefix) {
			delete(p.cache, key)
			delete(p.fetched, key)
		}
	}
	p.mu.Unlock()

	p.logger.Debug().Str("schema_id", id).Msg("Schema cache invalidated")
}

// SubscribeInvalidation drops cached versions whenever the registry
// publishes a schema change
func (p *CachingProvider) SubscribeInvalidation(events interfaces.EventService) error {
	return events.Subscribe(interfaces.EventSchemaUpdated, func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(map[string]interface{})
		if !ok {
			return nil
		}
		if id, ok := payload["schema_id"].(string); ok && id != "" {
			p.Invalidate(id)
		}
		return nil
	})
}
