package crange

import "github.com/concore/concore/registry"

// lockRange implements spec §4.7's lock_range: finds and locks a
// maximal run of currently-linked ranges overlapping [k, k+sz),
// returning that run in increasing-key order already locked. ok is
// false if a node in the run was found already marked after locking
// (caller must re-descend and retry).
func lockRange(m *Map, h *registry.Handle, k, sz uint64) (preds, succs []*Range, locked []*Range, ok bool) {
	preds, succs = m.descend(h, k, true)
	overlaps := m.collectOverlaps(h, preds, succs, k, sz)
	locked, ok = lockOverlaps(overlaps)
	return preds, succs, locked, ok
}

// delIndex implements spec §4.7's del_index: CAS-unlinks node from
// pred's next pointer at level, returning success. Retries are
// caller-driven, matching the spec note that del_index itself never
// loops.
func delIndex(pred, node *Range, level int) bool {
	next, _ := node.next[level].Get()
	return pred.next[level].CAS(node, false, next, false)
}

// addIndex implements spec §4.7's add_index: CAS-links node between
// pred and oldSucc at level.
func addIndex(level int, node, pred, oldSucc *Range) bool {
	node.next[level].Set(oldSucc, false)
	return pred.next[level].CAS(oldSucc, false, node, false)
}
