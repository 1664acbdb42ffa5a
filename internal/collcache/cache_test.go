package collcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_GetMiss(t *testing.T) {
	var c Cache[string, int32]
	v, ok := c.Get("missing")
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestCache_PutThenGet(t *testing.T) {
	var c Cache[string, int32]
	c.Put("clients", 1)
	v, ok := c.Get("clients")
	assert.True(t, ok)
	assert.Equal(t, int32(1), v)
}

func TestCache_LastWriteWins(t *testing.T) {
	var c Cache[string, int64]
	c.Put("bob", 10)
	c.Put("bob", 11)
	v, ok := c.Get("bob")
	assert.True(t, ok)
	assert.Equal(t, int64(11), v)
}

// TestCache_ConcurrentAccess races many goroutines racing to populate the
// same key, mirroring the "immutable binding, last write wins" property
// internal/storage/mysql relies on.
func TestCache_ConcurrentAccess(t *testing.T) {
	var c Cache[string, int32]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Put("history", 4)
			_, _ = c.Get("history")
		}()
	}
	wg.Wait()
	v, ok := c.Get("history")
	assert.True(t, ok)
	assert.Equal(t, int32(4), v)
}

func TestCache_ZeroValueReady(t *testing.T) {
	c := &Cache[string, int32]{}
	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int32(1), v)
}
