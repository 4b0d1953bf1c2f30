package replacer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFIFO_EvictsInsertionOrder(t *testing.T) {
	r := NewFIFO(4)
	for _, x := range []int{1, 2, 3, 4, 5} {
		r.Put(x)
	}
	require.Equal(t, 4, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)

	v, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestFIFO_TouchDoesNotPromote(t *testing.T) {
	r := NewFIFO(4)
	r.Put(1)
	r.Put(2)
	r.Put(3)

	require.True(t, r.Touch(1))

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestFIFO_Remove(t *testing.T) {
	r := NewFIFO(4)
	r.Put(1)
	r.Put(2)
	r.Remove(1)
	require.Equal(t, 1, r.Size())

	v, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestFIFO_Victim_EmptyFails(t *testing.T) {
	r := NewFIFO(2)
	_, ok := r.Victim()
	require.False(t, ok)
}
