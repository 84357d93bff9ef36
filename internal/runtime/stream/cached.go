package stream

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
)

const DefaultModelCacheSize = 256

// CachedSource memoises GetModel. Models are immutable once published, so
// entries never expire. Streams are always loaded fresh.
type CachedSource struct {
	inner  Source
	models *lru.Cache
}

func NewCachedSource(inner Source, size int) (*CachedSource, error) {
	if size <= 0 {
		size = DefaultModelCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedSource{inner: inner, models: cache}, nil
}

func (c *CachedSource) LoadStream(ctx context.Context, streamID string) (Stream, error) {
	return c.inner.LoadStream(ctx, streamID)
}

func (c *CachedSource) GetModel(ctx context.Context, modelID string) (Model, error) {
	if v, ok := c.models.Get(modelID); ok {
		return v.(Model), nil
	}
	model, err := c.inner.GetModel(ctx, modelID)
	if err != nil {
		return Model{}, err
	}
	c.models.Add(modelID, model)
	return model, nil
}

// Purge drops every cached model.
func (c *CachedSource) Purge() {
	c.models.Purge()
}
