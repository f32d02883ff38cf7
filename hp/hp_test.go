package hp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concore/concore/atomicx"
	"github.com/concore/concore/registry"
)

func withRegistry(t *testing.T) *registry.Handle {
	t.Helper()
	registry.Init(registry.Config{ThreadMax: 16, HazardK: 4})
	t.Cleanup(func() { _ = registry.Fini() })
	h, err := registry.Attach()
	require.NoError(t, err)
	t.Cleanup(h.Detach)
	return h
}

func TestRetireFreedOnceUnprotected(t *testing.T) {
	h := withRegistry(t)
	r := New[int](4, 64)

	v := 7
	var freed bool
	r.Retire(h, &v, func(*int) { freed = true })
	allocated, _ := r.Stats()
	assert.EqualValues(t, 1, allocated)
	r.Scan(h)
	assert.True(t, freed)
	assert.Zero(t, r.OutstandingRetired())
}

func TestRetireNotFreedWhileProtected(t *testing.T) {
	h := withRegistry(t)
	r := New[int](4, 64)

	v := 7
	var freed bool
	guard := r.NewGuard(h, 0)
	guard.Assign(&v)

	r.Retire(h, &v, func(*int) { freed = true })
	r.Scan(h)
	assert.False(t, freed, "a hazard-protected pointer must not be reclaimed")
	assert.Equal(t, 1, r.OutstandingRetired())

	guard.Clear()
	r.Scan(h)
	assert.True(t, freed)
}

func TestScanTriggeredAtSoftCap(t *testing.T) {
	h := withRegistry(t)
	r := New[int](4, 4) // soft cap 4

	freedCount := 0
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		v := i
		r.Retire(h, &v, func(*int) {
			mu.Lock()
			freedCount++
			mu.Unlock()
		})
	}
	assert.Equal(t, 4, freedCount, "reaching the soft cap must trigger an implicit scan")
}

func TestDetachHandsOffStillProtectedEntries(t *testing.T) {
	registry.Init(registry.Config{ThreadMax: 16, HazardK: 4})
	defer func() { _ = registry.Fini() }()
	r := New[int](4, 64)

	h1, err := registry.Attach()
	require.NoError(t, err)
	h2, err := registry.Attach()
	require.NoError(t, err)

	v := 9
	g2 := r.NewGuard(h2, 0)
	g2.Assign(&v)

	var freed bool
	r.Retire(h1, &v, func(*int) { freed = true })
	h1.Detach() // h1's retired entry is handed off; h2 still protects it

	assert.False(t, freed)
	assert.Equal(t, 1, r.OutstandingRetired())

	g2.Clear()
	r.Scan(h2)
	assert.True(t, freed)
	h2.Detach()
}

func TestProtectRevalidatesAgainstConcurrentStore(t *testing.T) {
	h := withRegistry(t)
	r := New[int](4, 64)

	var addr atomicx.Pointer[int]
	a, b := 1, 2
	addr.Store(&b, atomicx.Release)

	guard := r.NewGuard(h, 0)
	got := guard.Protect(&addr, nil)
	assert.Same(t, &b, got)

	addr.Store(&a, atomicx.Release)
	got = guard.Protect(&addr, nil)
	assert.Same(t, &a, got)
}
