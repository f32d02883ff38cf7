package hrc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concore/concore/registry"
)

func withRegistry(t *testing.T) *registry.Handle {
	t.Helper()
	registry.Init(registry.Config{ThreadMax: 16, HazardK: 4, HRCLinkCount: 2})
	t.Cleanup(func() { _ = registry.Fini() })
	h, err := registry.Attach()
	require.NoError(t, err)
	t.Cleanup(h.Detach)
	return h
}

func TestRemoveDefersCleanUpUntilUnreferenced(t *testing.T) {
	h := withRegistry(t)
	r := New(4)

	var cleanedUp, terminated bool
	n := &Node{}
	InitNode(n, 2, func(*Node) { cleanedUp = true }, func(*Node) { terminated = true })
	n.rc.Store(1) // simulate one outstanding reference (e.g. a link slot)

	r.Remove(h, n)
	assert.True(t, n.IsDeleted())
	assert.False(t, cleanedUp, "CleanUp must wait for rc to reach 0")

	r.ReleaseRef(h, n)
	assert.True(t, cleanedUp)

	r.hp.Scan(h)
	assert.True(t, terminated, "Terminate runs once CleanUp's retirement is reclaimed")
}

func TestCleanUpCascadesThroughLinks(t *testing.T) {
	h := withRegistry(t)
	r := New(4)

	var childTerminated bool
	child := &Node{}
	InitNode(child, 2, nil, func(*Node) { childTerminated = true })

	var parentCleanedUp bool
	parent := &Node{}
	InitNode(parent, 2, func(n *Node) {
		parentCleanedUp = true
		// ClearLink alone only adjusts child's rc; after dropping the
		// last reference to an already-deleted node, CheckAndReclaim must
		// follow so the cascade actually runs child's own
		// CleanUp/Terminate once its rc reaches 0.
		dropped := n.Link(0)
		n.ClearLink(0)
		if dropped != nil {
			r.CheckAndReclaim(h, dropped)
		}
	}, nil)

	parent.SetLink(0, child) // child.rc becomes 1
	assert.EqualValues(t, 1, child.RC())

	r.Remove(h, child)  // child is logically deleted, but rc still 1 (parent's link)
	r.Remove(h, parent) // parent.rc is 0 already (nothing references parent)
	assert.True(t, parentCleanedUp)
	assert.EqualValues(t, 0, child.RC(), "the cascade must drop child's refcount via ClearLink")

	r.hp.Scan(h)
	assert.True(t, childTerminated, "child must itself be torn down once its rc reaches 0 and it was deleted")
}

func TestSetLinkReplacesPreviousOccupant(t *testing.T) {
	n := &Node{}
	InitNode(n, 1, nil, nil)
	a, b := &Node{}, &Node{}
	n.SetLink(0, a)
	assert.EqualValues(t, 1, a.rc.Load())

	n.SetLink(0, b)
	assert.EqualValues(t, 0, a.rc.Load(), "replacing a link must drop the previous occupant's rc")
	assert.EqualValues(t, 1, b.rc.Load())
}

func TestProtectAndAcquireReturnsNilForDeletedNode(t *testing.T) {
	h := withRegistry(t)
	r := New(4)

	n := &Node{}
	InitNode(n, 1, nil, nil)
	n.deleted.Store(true)

	var addr atomic.Pointer[Node]
	addr.Store(n)

	got := ProtectAndAcquire(r, h, 0, &addr)
	assert.Nil(t, got)
}

func TestProtectAndAcquireIncrementsRC(t *testing.T) {
	h := withRegistry(t)
	r := New(4)

	n := &Node{}
	InitNode(n, 1, nil, nil)
	n.rc.Store(1) // one existing reference (e.g. a link slot) keeps n live

	var addr atomic.Pointer[Node]
	addr.Store(n)

	got := ProtectAndAcquire(r, h, 0, &addr)
	require.NotNil(t, got)
	assert.EqualValues(t, 2, got.RC())
}
