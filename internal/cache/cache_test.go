package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTenantsDoNotShareEntries(t *testing.T) {
	c := New[string](16, time.Minute)
	c.Put(KindPage, "ov1", "https://a.example/", "alpha page")

	_, ok := c.Get(KindPage, "ov2", "https://a.example/")
	assert.False(t, ok)

	got, ok := c.Get(KindPage, "ov1", "https://a.example/")
	assert.True(t, ok)
	assert.Equal(t, "alpha page", got)
}

func TestKindsArePartitioned(t *testing.T) {
	c := New[string](16, time.Minute)
	c.Put(KindPage, "ov1", "https://a.example/x", "page")

	_, ok := c.Get(KindAsset, "ov1", "https://a.example/x")
	assert.False(t, ok)
}

func TestEntriesExpire(t *testing.T) {
	c := New[int](16, 30*time.Millisecond)
	c.Put(KindAsset, "ov1", "u", 42)

	_, ok := c.Get(KindAsset, "ov1", "u")
	assert.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get(KindAsset, "ov1", "u")
	assert.False(t, ok)
}

func TestPurge(t *testing.T) {
	c := New[int](16, time.Minute)
	c.Put(KindAsset, "ov1", "u", 1)
	c.Put(KindPage, "ov2", "v", 2)
	assert.Equal(t, 2, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}
