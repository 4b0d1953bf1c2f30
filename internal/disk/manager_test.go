package disk

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tuannm99/kvtree/internal/page"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_AllocPage_Monotonic(t *testing.T) {
	m := newTestManager(t)

	id0, err := m.AllocPage()
	require.NoError(t, err)
	require.Equal(t, page.ID(0), id0)

	id1, err := m.AllocPage()
	require.NoError(t, err)
	require.Equal(t, page.ID(1), id1)

	require.Equal(t, int64(2), m.PageCount())
}

func TestManager_WriteThenRead_RoundTrips(t *testing.T) {
	m := newTestManager(t)

	id, err := m.AllocPage()
	require.NoError(t, err)

	p := page.New()
	p.Reset(id, page.TypeLeaf)
	copy(p.Data(), []byte("hello world"))

	require.NoError(t, m.WritePage(id, p))

	got := page.New()
	require.NoError(t, m.ReadPage(id, got))
	require.Equal(t, id, got.ID())
	require.Equal(t, page.TypeLeaf, got.Type())
	require.Equal(t, []byte("hello world"), got.Data()[:len("hello world")])
}

func TestManager_ReadPage_BeyondAllocated_IsZeroed(t *testing.T) {
	m := newTestManager(t)

	_, err := m.AllocPage()
	require.NoError(t, err)

	got := page.New()
	require.NoError(t, m.ReadPage(page.ID(5), got))
	for _, b := range got.Raw() {
		require.Equal(t, byte(0), b)
	}
}

func TestManager_WritePage_NegativeID_Errors(t *testing.T) {
	m := newTestManager(t)
	require.ErrorIs(t, m.WritePage(page.NoID, page.New()), ErrNegativePage)
}

func TestManager_OperationsAfterClose_Error(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = m.AllocPage()
	require.ErrorIs(t, err, ErrClosed)
}

func TestManager_Reopen_ResumesPageCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	m1, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 21; i++ {
		_, err := m1.AllocPage()
		require.NoError(t, err)
	}
	require.NoError(t, m1.Close())

	m2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = m2.Close() }()
	require.Equal(t, int64(21), m2.PageCount())
}
