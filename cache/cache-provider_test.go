package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	memSQLite, err := NewSQLiteProvider("")
	require.NoError(t, err)
	fileSQLite, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		memSQLite.Close()
		fileSQLite.Close()
	})
	return map[string]Provider{
		"memory":        NewMemProvider(),
		"sqlite-memory": memSQLite,
		"sqlite-file":   fileSQLite,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p1, err := provider.Open(ctx, "static-v1")
			require.NoError(t, err)
			require.NoError(t, p1.Put(ctx, "GET https://example.com/", []byte("root")))

			p2, err := provider.Open(ctx, "static-v1")
			require.NoError(t, err)
			entry, ok, err := p2.Get(ctx, "GET https://example.com/")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "root", string(entry.Bytes))

			names, err := provider.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v1"}, names)
		})
	}
}

func TestPutReplacesAndMovesToEnd(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := provider.Open(ctx, "dynamic-v1")
			require.NoError(t, err)
			require.NoError(t, p.Put(ctx, "a", []byte("1")))
			require.NoError(t, p.Put(ctx, "b", []byte("2")))
			require.NoError(t, p.Put(ctx, "a", []byte("3")))

			count, err := p.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			keys, err := p.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a"}, keys)

			entry, ok, err := p.Get(ctx, "a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "3", string(entry.Bytes))
		})
	}
}

func TestKeysInInsertionOrder(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := provider.Open(ctx, "images-v1")
			require.NoError(t, err)
			expected := make([]string, 0)
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("GET https://example.com/%d.png", 9-i)
				expected = append(expected, key)
				require.NoError(t, p.Put(ctx, key, []byte{byte(i)}))
			}
			keys, err := p.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, expected, keys)
		})
	}
}

func TestDeleteEntry(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := provider.Open(ctx, "static-v1")
			require.NoError(t, err)
			require.NoError(t, p.Put(ctx, "a", []byte("1")))

			deleted, err := p.Delete(ctx, "a")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = p.Delete(ctx, "a")
			require.NoError(t, err)
			assert.False(t, deleted)

			_, ok, err := p.Get(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDeletePartition(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := provider.Open(ctx, "static-v1")
			require.NoError(t, err)
			require.NoError(t, p.Put(ctx, "a", []byte("1")))
			_, err = provider.Open(ctx, "static-v2")
			require.NoError(t, err)

			deleted, err := provider.Delete(ctx, "static-v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = provider.Delete(ctx, "does-not-exist")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err := provider.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v2"}, names)

			// the stale handle is empty now
			count, err := p.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
			_, ok, err := p.Get(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)

			// and writing recreates the partition
			require.NoError(t, p.Put(ctx, "b", []byte("2")))
			names, err = provider.List(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"static-v1", "static-v2"}, names)
		})
	}
}

func TestConcurrentWritesSameKey(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, err := provider.Open(ctx, "dynamic-v1")
			require.NoError(t, err)
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, p.Put(ctx, "same", []byte("body")))
				}()
			}
			wg.Wait()
			count, err := p.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestPartitionsAreIsolated(t *testing.T) {
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := provider.Open(ctx, "static-v1")
			require.NoError(t, err)
			b, err := provider.Open(ctx, "dynamic-v1")
			require.NoError(t, err)
			require.NoError(t, a.Put(ctx, "k", []byte("static")))

			_, ok, err := b.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, "dynamic-v1", b.Name())
		})
	}
}
