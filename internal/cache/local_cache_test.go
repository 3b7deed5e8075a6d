package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache(t *testing.T) {
	t.Run("读写与删除", func(t *testing.T) {
		c := NewLocalCache(10, time.Minute)
		defer c.Stop()

		c.Set("stats", 42, 0)
		v, ok := c.Get("stats")
		assert.True(t, ok)
		assert.Equal(t, 42, v)

		c.Delete("stats")
		_, ok = c.Get("stats")
		assert.False(t, ok)
	})

	t.Run("过期", func(t *testing.T) {
		c := NewLocalCache(10, time.Minute)
		defer c.Stop()

		now := time.Now()
		c.now = func() time.Time { return now }
		c.Set("k", "v", time.Second)

		c.now = func() time.Time { return now.Add(2 * time.Second) }
		_, ok := c.Get("k")
		assert.False(t, ok)
	})

	t.Run("容量上限", func(t *testing.T) {
		c := NewLocalCache(2, time.Minute)
		defer c.Stop()

		c.Set("a", 1, time.Second)
		c.Set("b", 2, time.Hour)
		c.Set("c", 3, time.Hour)
		assert.Equal(t, 2, c.Len())
		_, ok := c.Get("a")
		assert.False(t, ok)
	})

	t.Run("Clear 与重复 Stop", func(t *testing.T) {
		c := NewLocalCache(2, time.Minute)
		c.Set("a", 1, 0)
		c.Clear()
		assert.Equal(t, 0, c.Len())
		c.Stop()
		c.Stop()
	})
}
