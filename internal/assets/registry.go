// Package assets holds synthesized audio produced by the remote backend until the consumer
// plays or releases it.
package assets

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrNotFound = errors.New("asset not found")

type Asset struct {
	ID          string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// URL is the path the HTTP API serves the asset from.
func (a *Asset) URL() string {
	return "/v1/audio/" + a.ID
}

// Registry keeps the most recent assets. Once full, the least recently used asset is
// evicted, which also invalidates its URL.
type Registry struct {
	cache   *lru.Cache[string, *Asset]
	evicted atomic.Int64
	now     func() time.Time
}

func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		return nil, fmt.Errorf("asset registry size must be positive, got %d", size)
	}
	r := &Registry{now: time.Now}
	cache, err := lru.NewWithEvict[string, *Asset](size, func(string, *Asset) {
		r.evicted.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("create asset cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

func (r *Registry) Put(data []byte, contentType string) (*Asset, error) {
	if len(data) == 0 {
		return nil, errors.New("asset payload is empty")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	asset := &Asset{
		ID:          uuid.NewString(),
		ContentType: contentType,
		Data:        data,
		CreatedAt:   r.now().UTC(),
	}
	r.cache.Add(asset.ID, asset)
	return asset, nil
}

func (r *Registry) Get(id string) (*Asset, error) {
	asset, ok := r.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return asset, nil
}

// Release drops the asset. Releasing an unknown id is a no-op.
func (r *Registry) Release(id string) {
	r.cache.Remove(id)
}

func (r *Registry) Len() int {
	return r.cache.Len()
}

// Evicted reports how many assets were dropped for capacity or released.
func (r *Registry) Evicted() int {
	return int(r.evicted.Load())
}
