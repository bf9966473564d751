package ratelimits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheMissWhenTTLZero(t *testing.T) {
	c := NewCache(0, nil)
	c.Set("fp", ConfigRecord{Limits: []Limit{PerSecond("rps", 1)}})
	_, _, ok := c.Get("fp")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestCacheSetThenGet(t *testing.T) {
	c := NewCache(time.Minute, nil)
	rec := ConfigRecord{Limits: []Limit{PerSecond("rps", 7)}}
	c.Set("fp", rec)

	got, negative, ok := c.Get("fp")
	assert.True(t, ok)
	assert.False(t, negative)
	assert.Equal(t, rec, got)
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestCacheNegativeMarker(t *testing.T) {
	c := NewCache(time.Minute, nil)
	c.SetNegative("fp")
	_, negative, ok := c.Get("fp")
	assert.True(t, ok)
	assert.True(t, negative)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(time.Minute, nil)
	c.Set("fp", ConfigRecord{})
	c.Invalidate("fp")
	_, _, ok := c.Get("fp")
	assert.False(t, ok)
}

func TestCacheInvalidatePrefix(t *testing.T) {
	c := NewCache(time.Minute, nil)
	c.Set("a", ConfigRecord{})
	c.Set("b", ConfigRecord{})
	c.InvalidatePrefix("a", "b")
	_, _, okA := c.Get("a")
	_, _, okB := c.Get("b")
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestCacheStatsSize(t *testing.T) {
	c := NewCache(time.Minute, nil)
	c.Set("a", ConfigRecord{})
	c.Set("b", ConfigRecord{})
	assert.Equal(t, 2, c.Stats().Size)
}
