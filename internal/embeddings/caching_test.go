package embeddings

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-electra/internal/cache"
)

type countingCache struct {
	*cache.MapCache
	gets, puts atomic.Int64
}

func (c *countingCache) Get(key string) ([]float32, bool) {
	c.gets.Add(1)
	return c.MapCache.Get(key)
}

func (c *countingCache) Put(key string, vec []float32) {
	c.puts.Add(1)
	c.MapCache.Put(key, vec)
}

func TestEncoder_Caching(t *testing.T) {
	c := &countingCache{MapCache: cache.NewMapCache()}
	e := testEncoder(t, Options{Cache: c})
	ctx := context.Background()

	hello := []int{2, 7, 3}
	world := []int{2, 9, 9, 3}

	res1, err := e.Encode(ctx, Batch{InputIDs: [][]int{hello}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.puts.Load())
	assert.Equal(t, 1, c.Size())

	res2, err := e.Encode(ctx, Batch{InputIDs: [][]int{hello, world}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.puts.Load(), "only the new sequence is encoded")
	assert.EqualValues(t, 3, c.gets.Load())
	assert.Equal(t, res1[0], res2[0])

	// Pooling mode is part of the key.
	cls, err := NewEncoder(e.Model(), Options{Pooling: PoolingCLS, Cache: c})
	require.NoError(t, err)
	_, err = cls.Encode(ctx, Batch{InputIDs: [][]int{hello}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, c.puts.Load())
}

func TestEncoder_CacheHitSkipsModel(t *testing.T) {
	c := cache.NewMapCache()
	e := testEncoder(t, Options{Cache: c})

	ids := []int{4, 5, 6}
	sentinel := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	c.Put(cache.Key(string(PoolingPooler), ids, nil), sentinel)

	vecs, err := e.Encode(context.Background(), Batch{InputIDs: [][]int{ids}})
	require.NoError(t, err)
	assert.Equal(t, sentinel, vecs[0])

	// Explicit zero token types share the entry.
	vecs, err = e.Encode(context.Background(), Batch{InputIDs: [][]int{ids}, TokenTypeIDs: [][]int{{0, 0, 0}}})
	require.NoError(t, err)
	assert.Equal(t, sentinel, vecs[0])
}

func TestEncoder_CacheWrongDimIsMiss(t *testing.T) {
	c := cache.NewMapCache()
	e := testEncoder(t, Options{Cache: c})

	ids := []int{4, 5, 6}
	key := cache.Key(string(PoolingPooler), ids, nil)
	c.Put(key, []float32{1, 2})

	vecs, err := e.Encode(context.Background(), Batch{InputIDs: [][]int{ids}})
	require.NoError(t, err)
	assert.Len(t, vecs[0], 8)

	cached, ok := c.Get(key)
	require.True(t, ok)
	assert.Len(t, cached, 8)
}
