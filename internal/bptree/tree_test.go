package bptree

import (
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, poolSize int) (*Tree, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")
	tr, err := Open(path, poolSize, nil)
	require.NoError(t, err)
	return tr, path
}

func TestTree_EmptyThenOneThenMany_SurvivesReopen(t *testing.T) {
	tr, path := newTestTree(t, 4)

	require.True(t, tr.Insert([]byte("a"), []byte("1")))
	v, ok := tr.Search([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.True(t, tr.Insert([]byte("b"), []byte("2")))
	v, ok = tr.Search([]byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, tr.Close())

	reopened, err := Open(path, 4, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	v, ok = reopened.Search([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	v, ok = reopened.Search([]byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestTree_LeafSplit_AllSearchesHit(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	defer func() { _ = tr.Close() }()

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("hello%d", i))
		val := []byte(fmt.Sprintf("world%d", i))
		require.True(t, tr.Insert(key, val))
	}
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("hello%d", i))
		want := []byte(fmt.Sprintf("world%d", i))
		got, ok := tr.Search(key)
		require.True(t, ok, "missing key %s", key)
		require.Equal(t, want, got)
	}
}

func TestTree_ManySplits_AllSearchesHit(t *testing.T) {
	tr, _ := newTestTree(t, 32)
	defer func() { _ = tr.Close() }()

	const n = 10000
	for i := 0; i < n; i++ {
		s := strconv.Itoa(i)
		require.True(t, tr.Insert([]byte(s), []byte(s)))
	}
	for i := 0; i < n; i++ {
		s := strconv.Itoa(i)
		got, ok := tr.Search([]byte(s))
		require.True(t, ok, "missing key %s", s)
		require.Equal(t, s, string(got))
	}
}

func TestTree_InsertSameKeyTwice_UpdatesValue(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	defer func() { _ = tr.Close() }()

	require.True(t, tr.Insert([]byte("a"), []byte("1")))
	require.True(t, tr.Insert([]byte("a"), []byte("2")))

	v, ok := tr.Search([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestTree_Remove_KeyNoLongerFound(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	defer func() { _ = tr.Close() }()

	require.True(t, tr.Insert([]byte("a"), []byte("1")))
	require.True(t, tr.Insert([]byte("b"), []byte("2")))

	require.True(t, tr.Remove([]byte("a")))
	_, ok := tr.Search([]byte("a"))
	require.False(t, ok)

	v, ok := tr.Search([]byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	require.False(t, tr.Remove([]byte("a")))
}

func TestTree_Keys_AscendingAcrossLeafSiblings(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	defer func() { _ = tr.Close() }()

	// 200 records of 16 encoded bytes each cannot fit in one leaf, so the
	// walk has to follow Next pointers across several leaves. Keys go in
	// out of order: 7 and 200 are coprime, so (i*7)%n visits every index once.
	const n = 200
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("k%03d", (i*7)%n)
		require.True(t, tr.Insert([]byte(k), []byte(k)))
	}

	keys, err := tr.Keys()
	require.NoError(t, err)
	require.Len(t, keys, n)
	for i := 1; i < len(keys); i++ {
		require.Less(t, string(keys[i-1]), string(keys[i]))
	}
}

func TestTree_Keys_EmptyTree(t *testing.T) {
	tr, _ := newTestTree(t, 4)
	defer func() { _ = tr.Close() }()

	keys, err := tr.Keys()
	require.NoError(t, err)
	require.Nil(t, keys)
}

func TestTree_RemoveAcrossManySplits(t *testing.T) {
	tr, _ := newTestTree(t, 16)
	defer func() { _ = tr.Close() }()

	const n = 2000
	for i := 0; i < n; i++ {
		s := strconv.Itoa(i)
		require.True(t, tr.Insert([]byte(s), []byte(s)))
	}
	for i := 0; i < n; i += 2 {
		s := strconv.Itoa(i)
		require.True(t, tr.Remove([]byte(s)))
	}
	for i := 0; i < n; i++ {
		s := strconv.Itoa(i)
		_, ok := tr.Search([]byte(s))
		if i%2 == 0 {
			require.False(t, ok, "key %s should have been removed", s)
		} else {
			require.True(t, ok, "key %s should still be present", s)
		}
	}
}
