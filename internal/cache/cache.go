package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Kind partitions cached values by fetch type.
type Kind string

const (
	KindPage  Kind = "page"
	KindAsset Kind = "asset"
)

// Cache is a TTL-bounded LRU keyed by (kind, tenant, url). The tenant id is
// part of every key, so two tenants never observe each other's entries even
// for identical upstream URLs. Callers only write entries for successful
// upstream responses; the cache itself does not judge.
type Cache[V any] struct {
	lru *expirable.LRU[string, V]
}

// New creates a cache holding at most size entries, each expiring after ttl.
func New[V any](size int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Get looks up the entry for (kind, tenant, url).
func (c *Cache[V]) Get(kind Kind, tenantID, url string) (V, bool) {
	return c.lru.Get(key(kind, tenantID, url))
}

// Put stores an entry, replacing any previous value for the key.
func (c *Cache[V]) Put(kind Kind, tenantID, url string, value V) {
	c.lru.Add(key(kind, tenantID, url), value)
}

// Len reports the number of live entries.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Purge drops all entries.
func (c *Cache[V]) Purge() {
	c.lru.Purge()
}

func key(kind Kind, tenantID, url string) string {
	return string(kind) + "\x00" + tenantID + "\x00" + url
}
