// Package storagetest holds the behaviour every storage.Provider must share.
// Each provider's tests call Run with a constructor.
package storagetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/storage"
)

// Run exercises p against the Provider contract. newProvider must return an
// empty store; Run closes it.
func Run(t *testing.T, newProvider func(t *testing.T) storage.Provider) {
	t.Run("GetMissing", func(t *testing.T) {
		p := newProvider(t)
		defer p.Close()

		_, err := p.Get(context.Background(), "nope")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err), "got %v", err)
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		p := newProvider(t)
		defer p.Close()
		ctx := context.Background()

		require.NoError(t, p.Apply(ctx, storage.Put("op/1", []byte(`{"a":1}`))))
		v, err := p.Get(ctx, "op/1")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(v))

		require.NoError(t, p.Apply(ctx, storage.Put("op/1", []byte(`{"a":2}`))))
		v, err = p.Get(ctx, "op/1")
		require.NoError(t, err)
		assert.Equal(t, `{"a":2}`, string(v))

		require.NoError(t, p.Apply(ctx, storage.Del("op/1")))
		_, err = p.Get(ctx, "op/1")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("ScanPrefixInKeyOrder", func(t *testing.T) {
		p := newProvider(t)
		defer p.Close()
		ctx := context.Background()

		writes := []storage.Write{
			storage.Put("st/b", []byte("2")),
			storage.Put("op/c", []byte("3")),
			storage.Put("op/a", []byte("1")),
			storage.Put("op/b", []byte("2")),
			storage.Put("opx", []byte("x")),
			storage.Put("oo/z", []byte("z")),
		}
		require.NoError(t, p.Apply(ctx, writes...))

		var keys []string
		err := p.Scan(ctx, "op/", func(k string, v []byte) error {
			keys = append(keys, k)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"op/a", "op/b", "op/c"}, keys)

		keys = nil
		require.NoError(t, p.Scan(ctx, "", func(k string, v []byte) error {
			keys = append(keys, k)
			return nil
		}))
		assert.Equal(t, []string{"oo/z", "op/a", "op/b", "op/c", "opx", "st/b"}, keys)
	})

	t.Run("ScanStop", func(t *testing.T) {
		p := newProvider(t)
		defer p.Close()
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			require.NoError(t, p.Apply(ctx, storage.Put(fmt.Sprintf("seq/%020d", i), []byte("x"))))
		}
		n := 0
		require.NoError(t, p.Scan(ctx, "seq/", func(string, []byte) error {
			n++
			if n == 2 {
				return storage.ErrStopScan
			}
			return nil
		}))
		assert.Equal(t, 2, n)

		boom := fmt.Errorf("boom")
		err := p.Scan(ctx, "seq/", func(string, []byte) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("ApplyIsAllOrNothingAcrossKeys", func(t *testing.T) {
		p := newProvider(t)
		defer p.Close()
		ctx := context.Background()

		require.NoError(t, p.Apply(ctx,
			storage.Put("op/1", []byte("a")),
			storage.Put("st/1", []byte("b")),
			storage.Del("missing"),
		))
		for _, k := range []string{"op/1", "st/1"} {
			_, err := p.Get(ctx, k)
			assert.NoError(t, err, k)
		}
	})

	t.Run("ClosedStoreFails", func(t *testing.T) {
		p := newProvider(t)
		require.NoError(t, p.Close())

		err := p.Apply(context.Background(), storage.Put("k", []byte("v")))
		require.Error(t, err)
		assert.True(t, errors.IsStorage(err))
	})
}
