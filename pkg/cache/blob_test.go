package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobCache_GetPut(t *testing.T) {
	c := NewBlobCache(10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("qm-abc", []byte("payload"))
	got, ok := c.Get("qm-abc")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)

	// Re-put refreshes in place.
	c.Put("qm-abc", []byte("payload-2"))
	got, _ = c.Get("qm-abc")
	assert.Equal(t, []byte("payload-2"), got)
	assert.Equal(t, 1, c.Len())
}

func TestBlobCache_CopiesOnBothSides(t *testing.T) {
	c := NewBlobCache(10, time.Minute)

	src := []byte("pristine")
	c.Put("qm-abc", src)
	src[0] = 'X'

	got, ok := c.Get("qm-abc")
	require.True(t, ok)
	assert.Equal(t, []byte("pristine"), got, "mutating the put slice must not reach the cache")

	got[0] = 'Y'
	again, ok := c.Get("qm-abc")
	require.True(t, ok)
	assert.Equal(t, []byte("pristine"), again, "mutating a fetched slice must not reach the cache")
}

func TestBlobCache_Expiry(t *testing.T) {
	c := NewBlobCache(10, 20*time.Millisecond)
	c.Put("k", []byte("v"))

	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must miss")
	assert.Equal(t, 0, c.Len(), "expired entry is lazily deleted on Get")
}

func TestBlobCache_EvictsOldestAtCapacity(t *testing.T) {
	c := NewBlobCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), []byte{byte(i)})
	}

	c.Put("k3", []byte{3})
	assert.Equal(t, 3, c.Len())

	_, ok := c.Get("k0")
	assert.False(t, ok, "longest-resident entry should have been evicted")
	_, ok = c.Get("k3")
	assert.True(t, ok)

	// A dropped hash leaves a stale slot in the age queue; eviction
	// skips it instead of counting it as the victim.
	c.Drop("k1")
	c.Put("k4", []byte{4})
	c.Put("k5", []byte{5})
	_, ok = c.Get("k2")
	assert.False(t, ok)
	_, ok = c.Get("k5")
	assert.True(t, ok)
}

func TestBlobCache_DropAndReset(t *testing.T) {
	c := NewBlobCache(10, time.Minute)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	c.Drop("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.Reset()
	assert.Equal(t, 0, c.Len())
}

func TestBlobCache_ConcurrentAccess(t *testing.T) {
	c := NewBlobCache(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", n%5)
			for j := 0; j < 100; j++ {
				c.Put(key, []byte{byte(j)})
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
}

func TestNewBlobCache_Defaults(t *testing.T) {
	c := NewBlobCache(0, 0)
	c.Put("k", []byte("v"))
	_, ok := c.Get("k")
	assert.True(t, ok)
}
