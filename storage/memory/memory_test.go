package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/offsync/errors"
	"github.com/c0deZ3R0/offsync/storage"
	"github.com/c0deZ3R0/offsync/storage/storagetest"
)

func TestProviderContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Provider { return New() })
}

func TestFailApplyLeavesStoreUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.FailApply = func([]storage.Write) error { return fmt.Errorf("disk full") }

	err := s.Apply(ctx, storage.Put("a", []byte("1")), storage.Put("b", []byte("2")))
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
	assert.Equal(t, 0, s.Len())
}

func TestValuesAreCopied(t *testing.T) {
	s := New()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Apply(ctx, storage.Put("k", buf)))
	buf[0] = 'z'

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "op0", storage.PrefixEnd("op/"))
	assert.Equal(t, "b", storage.PrefixEnd("a\xff"))
	assert.Equal(t, "", storage.PrefixEnd("\xff\xff"))
	assert.Equal(t, "", storage.PrefixEnd(""))
}
