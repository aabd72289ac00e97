package wcs

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/couchcryptid/field-series-etl/internal/domain"
	"github.com/couchcryptid/field-series-etl/internal/observability"
)

// CachedCoverage wraps a CoverageClient with an in-memory LRU cache.
// The ±1 day fallback asks for the same (layer, date, polygon) more than
// once per field, so both payloads and no-data answers are kept. Transport
// errors are never cached.
type CachedCoverage struct {
	inner   domain.CoverageClient
	cache   *payloadCache
	metrics *observability.Metrics
}

// NewCachedCoverage creates a cache decorator around a coverage client. The
// cache holds at most maxEntries answers and maxBytes of payload; either
// bound <= 0 disables caching.
func NewCachedCoverage(inner domain.CoverageClient, maxEntries int, maxBytes int64, metrics *observability.Metrics) *CachedCoverage {
	return &CachedCoverage{
		inner:   inner,
		cache:   newPayloadCache(maxEntries, maxBytes),
		metrics: metrics,
	}
}

// Fetch returns the cached answer for req or asks the inner client.
func (c *CachedCoverage) Fetch(ctx context.Context, req domain.AcquisitionRequest) ([]byte, error) {
	key := keyOf(req)
	if a, ok := c.cache.get(key); ok {
		c.metrics.CoverageCache.WithLabelValues("hit").Inc()
		if a.noData {
			return nil, fmt.Errorf("%s %s (cached): %w", req.Layer, req.Date, domain.ErrNoData)
		}
		return a.payload, nil
	}
	c.metrics.CoverageCache.WithLabelValues("miss").Inc()

	payload, err := c.inner.Fetch(ctx, req)
	switch {
	case errors.Is(err, domain.ErrNoData):
		c.store(key, answer{noData: true})
		return nil, err
	case err != nil:
		return nil, err
	}
	c.store(key, answer{payload: payload})
	return payload, nil
}

func (c *CachedCoverage) store(key coverageKey, a answer) {
	if n := c.cache.put(key, a); n > 0 {
		c.metrics.CoverageCache.WithLabelValues("evicted").Add(float64(n))
	}
}

// coverageKey identifies one clip request.
type coverageKey struct {
	layer      string
	date       string
	epsg       int
	bandSubset bool
	polygon    string
}

func keyOf(req domain.AcquisitionRequest) coverageKey {
	return coverageKey{
		layer:      req.Layer,
		date:       req.Date,
		epsg:       req.EPSG,
		bandSubset: req.BandSubset,
		polygon:    req.Polygon,
	}
}

// answer is a payload or a remembered "no data" for a key.
type answer struct {
	payload []byte
	noData  bool
}

func (a answer) size() int64 { return int64(len(a.payload)) }

type cached struct {
	key    coverageKey
	answer answer
}

// payloadCache is an LRU bounded by entry count and total payload bytes.
type payloadCache struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	bytes      int64
	order      *list.List // front is most recently used
	index      map[coverageKey]*list.Element
}

func newPayloadCache(maxEntries int, maxBytes int64) *payloadCache {
	return &payloadCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		index:      make(map[coverageKey]*list.Element),
	}
}

func (c *payloadCache) get(key coverageKey) (answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return answer{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cached).answer, true
}

// put stores a under key and returns the number of evicted entries. A
// payload larger than the byte budget is not stored.
func (c *payloadCache) put(key coverageKey, a answer) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries <= 0 || c.maxBytes <= 0 || a.size() > c.maxBytes {
		return 0
	}
	if el, ok := c.index[key]; ok {
		e := el.Value.(*cached)
		c.bytes += a.size() - e.answer.size()
		e.answer = a
		c.order.MoveToFront(el)
	} else {
		c.index[key] = c.order.PushFront(&cached{key: key, answer: a})
		c.bytes += a.size()
	}

	evicted := 0
	for c.order.Len() > c.maxEntries || c.bytes > c.maxBytes {
		c.removeElement(c.order.Back())
		evicted++
	}
	return evicted
}

func (c *payloadCache) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*cached)
	delete(c.index, e.key)
	c.bytes -= e.answer.size()
}

func (c *payloadCache) len() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), c.bytes
}
