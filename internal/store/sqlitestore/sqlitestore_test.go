package sqlitestore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mantle/internal/store/sealed"
	"mantle/internal/store/sqlitestore"
)

func open(t *testing.T, path string) *sqlitestore.Store {
	t.Helper()
	st, err := sqlitestore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	st := open(t, path)
	require.NoError(t, st.PutHeader(ctx, []byte("header")))
	require.NoError(t, st.Put(ctx, "t", "k1", []byte{1}))
	require.NoError(t, st.Put(ctx, "t", "k1", []byte{2})) // upsert
	require.NoError(t, st.Put(ctx, "u", "k1", []byte{3})) // same key, other table
	require.NoError(t, st.Close())

	st = open(t, path)
	header, ok, err := st.Header(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("header"), header)

	v, ok, err := st.Get(ctx, "t", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{2}, v)

	values, err := st.List(ctx, "u")
	require.NoError(t, err)
	require.Len(t, values, 1)
	require.Equal(t, []byte{3}, values[0])
}

func TestDeleteAndMiss(t *testing.T) {
	st := open(t, filepath.Join(t.TempDir(), "store.db"))
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "t", "k", []byte{1}))
	require.NoError(t, st.Delete(ctx, "t", "k"))
	_, ok, err := st.Get(ctx, "t", "k")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = st.Header(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransactionRollsBack(t *testing.T) {
	st := open(t, filepath.Join(t.TempDir(), "store.db"))
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, "t", "k", []byte{1}))

	boom := errors.New("boom")
	err := st.Transaction(ctx, func(tx sealed.Backend) error {
		require.NoError(t, tx.Put(ctx, "t", "k", []byte{9}))
		// Nested transactions fold into the outer one.
		require.NoError(t, tx.Transaction(ctx, func(inner sealed.Backend) error {
			return inner.Put(ctx, "t", "nested", []byte{9})
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, _, err := st.Get(ctx, "t", "k")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, v)
	_, ok, err := st.Get(ctx, "t", "nested")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.Transaction(ctx, func(tx sealed.Backend) error {
		return tx.Put(ctx, "t", "k", []byte{9})
	}))
	v, _, err = st.Get(ctx, "t", "k")
	require.NoError(t, err)
	require.Equal(t, []byte{9}, v)
}
