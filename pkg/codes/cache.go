package codes

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/canopy-network/statex/pkg/db/models"
)

// DefaultEntityCacheSize bounds the number of cached entities.
const DefaultEntityCacheSize = 10_000

// EntityGetter loads one entity. It returns nil when the entity is unknown.
type EntityGetter interface {
	GetEntity(ctx context.Context, address string) (*models.Entity, error)
}

// EntityCache is a process-scoped LRU of entity code identities. Unknown entities are cached
// as nil, so writers must Evict addresses they register.
type EntityCache struct {
	source EntityGetter
	cache  *lru.Cache[string, *models.Entity]
}

func NewEntityCache(source EntityGetter, size int) (*EntityCache, error) {
	if size <= 0 {
		size = DefaultEntityCacheSize
	}
	cache, err := lru.New[string, *models.Entity](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity cache: %w", err)
	}
	return &EntityCache{source: source, cache: cache}, nil
}

// GetEntity returns the cached entity, loading it on a miss.
func (c *EntityCache) GetEntity(ctx context.Context, address string) (*models.Entity, error) {
	if e, ok := c.cache.Get(address); ok {
		return e, nil
	}
	e, err := c.source.GetEntity(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load entity %s: %w", address, err)
	}
	c.cache.Add(address, e)
	return e, nil
}

// Evict drops the given addresses.
func (c *EntityCache) Evict(addresses ...string) {
	for _, a := range addresses {
		c.cache.Remove(a)
	}
}

// Purge drops every entry.
func (c *EntityCache) Purge() {
	c.cache.Purge()
}

func (c *EntityCache) Len() int {
	return c.cache.Len()
}
