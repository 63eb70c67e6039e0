package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTTLCache[string, int](func() time.Time { return now })

	c.Set("basic", 1000, time.Minute)
	v, ok := c.Get("basic")
	assert.True(t, ok)
	assert.Equal(t, 1000, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("basic")
	assert.False(t, ok)
}

func TestTTLCacheDeleteAndPurge(t *testing.T) {
	c := NewTTLCache[string, string]()
	c.Set("a", "x", 0)
	c.Set("b", "y", time.Hour)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Purge()
	_, ok = c.Get("b")
	assert.False(t, ok)
}
