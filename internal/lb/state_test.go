package lb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickPrefersLeastLoadedHealthy(t *testing.T) {
	bs := NewBackends()
	bs.Add("a:1")
	bs.Add("b:1")
	bs.Add("c:1")

	for i := 0; i < 3; i++ {
		bs.Inc("a:1")
	}
	bs.Inc("b:1")
	bs.SetHealth("c:1", false)

	addr, ok := bs.Pick()
	require.True(t, ok)
	assert.Equal(t, "b:1", addr)
}

func TestPickIsStableAcrossTies(t *testing.T) {
	bs := NewBackends()
	bs.Add("c:1")
	bs.Add("a:1")
	bs.Add("b:1")

	for i := 0; i < 20; i++ {
		addr, ok := bs.Pick()
		require.True(t, ok)
		assert.Equal(t, "a:1", addr)
	}
}

func TestPickSkipsUnhealthyAndEmptyPool(t *testing.T) {
	bs := NewBackends()
	_, ok := bs.Pick()
	assert.False(t, ok)

	bs.Add("a:1")
	bs.SetHealth("a:1", false)
	_, ok = bs.Pick()
	assert.False(t, ok)

	bs.SetHealth("a:1", true)
	addr, ok := bs.Pick()
	require.True(t, ok)
	assert.Equal(t, "a:1", addr)
}

func TestAddIsIdempotent(t *testing.T) {
	bs := NewBackends()
	bs.Add("a:1")
	bs.Inc("a:1")

	// Re-adding a known backend must not reset its splice count.
	bs.Add("a:1")

	assert.Equal(t, 1, bs.Len())
	addr, ok := bs.Pick()
	require.True(t, ok)

	b := bs.entries[addr]
	assert.EqualValues(t, 1, b.Active())
}

func TestDecSaturatesAtZero(t *testing.T) {
	bs := NewBackends()
	bs.Add("a:1")

	bs.Dec("a:1")
	bs.Dec("a:1")
	assert.EqualValues(t, 0, bs.entries["a:1"].Active())

	bs.Inc("a:1")
	assert.EqualValues(t, 1, bs.entries["a:1"].Active())
}

func TestCountersIgnoreUnknownBackends(t *testing.T) {
	bs := NewBackends()
	bs.Inc("ghost:1")
	bs.Dec("ghost:1")
	bs.SetHealth("ghost:1", true)
	assert.Equal(t, 0, bs.Len())
}

func TestRemoveEvictsEntry(t *testing.T) {
	bs := NewBackends()
	bs.Add("a:1")
	bs.Add("b:1")
	bs.Inc("a:1")

	bs.Remove("a:1")

	assert.Equal(t, 1, bs.Len())
	assert.ElementsMatch(t, []string{"b:1"}, bs.Addrs())

	addr, ok := bs.Pick()
	require.True(t, ok)
	assert.Equal(t, "b:1", addr)
}
