package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackAndOutstanding(t *testing.T) {
	var s Stats
	Track(&s, 3, 0)
	Track(&s, 0, 1)
	assert.EqualValues(t, 3, s.Allocated())
	assert.EqualValues(t, 1, s.Freed())
	assert.EqualValues(t, 2, s.Outstanding())
}
