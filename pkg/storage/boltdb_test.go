package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestBoltStorePutGet(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("ns", "key1", []byte("value1")))

	value, ok, err := store.Get("ns", "key1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value1"), value)
}

func TestBoltStoreGetMissing(t *testing.T) {
	store := openTestStore(t)

	value, ok, err := store.Get("ns", "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, value)
}

func TestBoltStoreGetMissingNamespace(t *testing.T) {
	store := openTestStore(t)

	value, ok, err := store.Get("never-created", "key")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, value)
}

func TestBoltStoreDelete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("ns", "key1", []byte("value1")))
	require.NoError(t, store.Delete("ns", "key1"))

	_, ok, err := store.Get("ns", "key1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBoltStoreDeleteMissingNamespace(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Delete("never-created", "key"))
}

func TestBoltStoreScanPrefix(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Put("ns", "log/00000001", []byte("a")))
	require.NoError(t, store.Put("ns", "log/00000002", []byte("b")))
	require.NoError(t, store.Put("ns", "log/00000003", []byte("c")))
	require.NoError(t, store.Put("ns", "meta/term", []byte("1")))

	var keys []string
	err := store.Scan("ns", "log/", func(e Entry) error {
		keys = append(keys, e.Key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"log/00000001", "log/00000002", "log/00000003"}, keys)
}

func TestBoltStoreBatchPut(t *testing.T) {
	store := openTestStore(t)

	err := store.BatchPut("ns", []Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	})
	require.NoError(t, err)

	value, ok, err := store.Get("ns", "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), value)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put("ns", "key", []byte("persisted")))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	value, ok, err := reopened.Get("ns", "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), value)
}
