package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_PutGetDelete(t *testing.T) {
	// Given: an empty cache
	c, err := NewLRU[string, int](4)
	require.NoError(t, err)

	// When: inserting and reading
	c.Put("a", 1)
	c.Put("b", 2)
	v, ok := c.Get("a")

	// Then: values round-trip
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// And: delete removes the entry
	assert.True(t, c.Delete("a"))
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	// Given: a full cache where "a" was recently promoted by a Get
	c, err := NewLRU[string, int](3)
	require.NoError(t, err)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	_, _ = c.Get("a")

	// When: inserting beyond capacity
	c.Put("d", 4)

	// Then: the least recently used entry ("b") is gone, "a" survives
	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestLRU_StatsConsistentWithOperations(t *testing.T) {
	c, err := NewLRU[string, int](2)
	require.NoError(t, err)

	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a")      // hit
	_, _ = c.Get("missing") // miss
	c.Put("c", 3) // evicts "b"

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Evictions)
	assert.Equal(t, 2, s.Size)
	assert.Equal(t, 2, s.Capacity)
}

func TestLRU_ClearPreservesCounters(t *testing.T) {
	c, err := NewLRU[string, int](2)
	require.NoError(t, err)
	c.Put("a", 1)
	_, _ = c.Get("a")

	c.Clear()

	s := c.Stats()
	assert.Equal(t, 0, s.Size)
	assert.Equal(t, uint64(1), s.Hits)
}

func TestLRU_CapacityNeverExceededUnderConcurrency(t *testing.T) {
	// Given: a small cache hammered by concurrent writers and readers
	const capacity = 16
	c, err := NewLRU[string, int](capacity)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (w*31+i)%64)
				switch i % 4 {
				case 0:
					c.Put(key, i)
				case 1:
					_, _ = c.Get(key)
				case 2:
					c.Delete(key)
				default:
					// Observation point: size must never exceed capacity.
					assert.LessOrEqual(t, c.Len(), capacity)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Stats().Size, capacity)
}
