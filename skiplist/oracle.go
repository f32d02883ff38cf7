package skiplist

import "sort"

// IntItem is a minimal Item implementation over uint64 keys, added so
// this package can serve as crange's single-key reference oracle (spec
// §8's "nlevel=1 degenerates to a sorted linked list" boundary case):
// a crange.Map where every inserted range has Size 1 behaves exactly
// like a Skiplist keyed on IntItem, and the two can be cross-checked
// against each other in crange's own tests.
type IntItem uint64

func (i IntItem) Compare(other Item) int {
	o := other.(IntItem)
	switch {
	case i < o:
		return -1
	case i > o:
		return 1
	default:
		return 0
	}
}

// Snapshot walks s's bottom level and returns every live key in
// increasing order, skipping the sentinel head/tail nodes. It takes no
// lock and is intended for use only once all inserting/deleting
// goroutines have quiesced (test-oracle use, not a concurrent API).
func Snapshot(s *Skiplist) []uint64 {
	var out []uint64
	n, _ := s.head.getNext(0)
	for n != nil && n != s.tail {
		if it, ok := n.itm.(IntItem); ok {
			out = append(out, uint64(it))
		}
		n, _ = n.getNext(0)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
