package cache

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	sqlite, err := OpenSQLiteStorage(t.TempDir(), clock.Fake(epoch))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func TestSQLiteStorage_namesStampedByClock(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(epoch)
	storage, err := OpenSQLiteStorage(t.TempDir(), clk)
	require.NoError(t, err)
	defer storage.Close()

	_, err = storage.Open(ctx, "celebra-static-v1")
	require.NoError(t, err)

	var createdAt int64
	require.NoError(t, storage.db.QueryRowContext(ctx,
		"SELECT created_at FROM cache_names WHERE name = ?", "celebra-static-v1").Scan(&createdAt))
	assert.Equal(t, epoch.UnixMilli(), createdAt)
}

func entry(key, body string) *Entry {
	resp := &http.Response{StatusCode: http.StatusOK, Header: http.Header{"Content-Type": []string{"text/html"}}}
	return NewEntry(key, resp, []byte(body), epoch)
}

func TestStorage_contract(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := storage.Open(ctx, "celebra-static-v1")
			require.NoError(t, err)

			missing, err := c.Match(ctx, "GET http://app.test/none")
			require.NoError(t, err)
			assert.Nil(t, missing)

			big := strings.Repeat("<p>offline shell</p>", 500)
			require.NoError(t, c.Put(ctx, entry("a", big)))
			require.NoError(t, c.Put(ctx, entry("b", "tiny")))
			require.NoError(t, c.Put(ctx, entry("c", "")))

			got, err := c.Match(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, big, string(got.Body))
			assert.Equal(t, http.StatusOK, got.Status)
			assert.Equal(t, "text/html", got.Header.Get("Content-Type"))
			ts, ok := got.Timestamp()
			assert.True(t, ok)
			assert.True(t, ts.Equal(epoch))

			empty, err := c.Match(ctx, "c")
			require.NoError(t, err)
			assert.Empty(t, empty.Body)

			// A superseding write moves the key to the end.
			require.NoError(t, c.Put(ctx, entry("a", "newer")))
			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c", "a"}, keys)

			require.NoError(t, c.Delete(ctx, "b"))
			require.NoError(t, c.Delete(ctx, "b"))
			keys, err = c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "a"}, keys)

			other, err := storage.Open(ctx, "celebra-images-v1")
			require.NoError(t, err)
			otherKeys, err := other.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, otherKeys, "namespaces are independent")

			names, err := storage.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"celebra-images-v1", "celebra-static-v1"}, names)

			require.NoError(t, storage.Delete(ctx, "celebra-static-v1"))
			names, err = storage.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"celebra-images-v1"}, names)

			reopened, err := storage.Open(ctx, "celebra-static-v1")
			require.NoError(t, err)
			keys, err = reopened.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys, "deleting a namespace removes its entries")
		})
	}
}

func TestStorage_matchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryStorage().Open(ctx, "ns")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, entry("k", "body")))

	got, err := c.Match(ctx, "k")
	require.NoError(t, err)
	got.Body[0] = 'X'
	got.Header.Set("Content-Type", "changed")

	again, err := c.Match(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "body", string(again.Body))
	assert.Equal(t, "text/html", again.Header.Get("Content-Type"))
}

func TestCompress(t *testing.T) {
	data := []byte(strings.Repeat("abc", 1000))
	compressed, ok := compress(data)
	require.True(t, ok)
	assert.Less(t, len(compressed), len(data))

	out, err := decompress(compressed, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, ok = compress([]byte("x"))
	assert.False(t, ok, "incompressible bodies are stored raw")

	_, err = decompress(compressed, len(data)+1)
	assert.Error(t, err)
}
