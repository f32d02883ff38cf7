package atomicx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointerLoadStoreCAS(t *testing.T) {
	var p Pointer[int]
	a, b := 1, 2

	assert.Nil(t, p.Load(Acquire))

	p.Store(&a, Release)
	assert.Same(t, &a, p.Load(Acquire))

	assert.True(t, p.CompareAndSwapStrong(&a, &b, AcqRel, Relaxed))
	assert.Same(t, &b, p.Load(Acquire))
	assert.False(t, p.CompareAndSwapStrong(&a, &b, AcqRel, Relaxed))

	old := p.Exchange(&a, AcqRel)
	assert.Same(t, &b, old)
	assert.Same(t, &a, p.Load(Acquire))
}

func TestUint64FetchAdd(t *testing.T) {
	var u Uint64
	u.Store(10, Relaxed)
	prev := u.FetchAdd(5, AcqRel)
	assert.EqualValues(t, 10, prev)
	assert.EqualValues(t, 15, u.Load(Acquire))

	prev = u.FetchSub(3, AcqRel)
	assert.EqualValues(t, 15, prev)
	assert.EqualValues(t, 12, u.Load(Acquire))
}

func TestMarkPtrSetGetCAS(t *testing.T) {
	var m MarkPtr[int]
	a, b := 1, 2

	ptr, marked := m.Get()
	assert.Nil(t, ptr)
	assert.False(t, marked)

	m.Set(&a, false)
	ptr, marked = m.Get()
	assert.Same(t, &a, ptr)
	assert.False(t, marked)

	assert.True(t, m.CAS(&a, false, &b, false))
	assert.Same(t, &b, m.Ptr())

	assert.False(t, m.CAS(&a, false, &b, true), "stale expectation must fail")

	assert.True(t, m.SetMark())
	assert.True(t, m.Marked())
	assert.Same(t, &b, m.Ptr(), "SetMark must not disturb the pointer half")

	assert.True(t, m.SetMark(), "SetMark on an already-marked slot is a no-op success")
}

func TestMarkPtrCASFromNil(t *testing.T) {
	var m MarkPtr[int]
	a := 1
	assert.False(t, m.CAS(&a, false, &a, true), "CAS against a wrong expected pointer on a nil slot must fail")
	assert.True(t, m.CAS(nil, false, &a, false))
	assert.Same(t, &a, m.Ptr())
}
