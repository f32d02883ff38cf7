package skiplist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertDeleteOrdering(t *testing.T) {
	s := New()
	for _, k := range []uint64{5, 1, 4, 2, 3} {
		s.Insert(IntItem(k))
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, Snapshot(s))

	s.Delete(IntItem(3))
	assert.Equal(t, []uint64{1, 2, 4, 5}, Snapshot(s))
}

func TestIntItemCompare(t *testing.T) {
	assert.Equal(t, -1, IntItem(1).Compare(IntItem(2)))
	assert.Equal(t, 1, IntItem(2).Compare(IntItem(1)))
	assert.Equal(t, 0, IntItem(2).Compare(IntItem(2)))
}
