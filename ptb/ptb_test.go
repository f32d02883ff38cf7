package ptb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concore/concore/registry"
)

func withRegistry(t *testing.T) *registry.Handle {
	t.Helper()
	registry.Init(registry.Config{ThreadMax: 16, GuardChunkSize: 4})
	t.Cleanup(func() { _ = registry.Fini() })
	h, err := registry.Attach()
	require.NoError(t, err)
	t.Cleanup(h.Detach)
	return h
}

func TestAcquireReleaseReusesPoolNode(t *testing.T) {
	r := New[int](4)

	g1 := r.Acquire()
	g1.Release()
	g2 := r.Acquire()
	assert.Same(t, g1.node, g2.node, "Release must return the node to the pool for reuse")
}

func TestRetireNotFreedWhileProtected(t *testing.T) {
	h := withRegistry(t)
	r := New[int](4)

	v := 3
	guard := r.Acquire()
	guard.Protect(&v)

	var freed bool
	r.Retire(h, &v, func(*int) { freed = true })
	r.splice(r.state(h))
	r.LivenessScan()
	assert.False(t, freed)

	guard.Release()
	r.LivenessScan()
	assert.True(t, freed)
}

func TestRetireChunkSplicesAtChunkSize(t *testing.T) {
	h := withRegistry(t)
	r := New[int](4) // chunk size 4

	var freedCount int
	for i := 0; i < 4; i++ {
		v := i
		r.Retire(h, &v, func(*int) { freedCount++ })
	}
	assert.Equal(t, 4, freedCount, "reaching chunkSize must splice and scan")
	assert.Zero(t, r.OutstandingRetired())
}

func TestLivenessScanSkipsConcurrentScan(t *testing.T) {
	r := New[int](4)
	r.scanning.Store(true)
	v := 1
	r.queue = append(r.queue, retiredEntry[int]{ptr: &v, deleter: func(*int) {}})
	r.LivenessScan() // must return immediately without touching r.queue
	assert.Len(t, r.queue, 1)
	r.scanning.Store(false)
}
