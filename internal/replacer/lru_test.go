package replacer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	r := NewLRU(4)
	for _, x := range []int{1, 2, 3, 4, 5} {
		r.Put(x)
	}

	// capacity 4, 5 puts: 1 was dropped silently when 5 arrived.
	require.Equal(t, 4, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 3, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 4, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 5, v)

	_, ok = r.Victim()
	require.False(t, ok)
}

func TestLRU_TouchPromotes(t *testing.T) {
	r := NewLRU(4)
	r.Put(1)
	r.Put(2)
	r.Put(3)

	require.True(t, r.Touch(2))

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 3, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestLRU_TouchAbsent_ReturnsFalse(t *testing.T) {
	r := NewLRU(2)
	require.False(t, r.Touch(42))
}

func TestLRU_Remove(t *testing.T) {
	r := NewLRU(4)
	r.Put(1)
	r.Put(2)
	r.Remove(1)
	require.Equal(t, 1, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestLRU_Victim_EmptyFails(t *testing.T) {
	r := NewLRU(2)
	_, ok := r.Victim()
	require.False(t, ok)
}
