package crange

import (
	"testing"

	"github.com/concore/concore/hp"
	"github.com/concore/concore/registry"
)

// FuzzAddDelSearch replaces the teacher's mayhem byte-dispatch harness
// (mayhem/fuzz.go) with native go test fuzzing over crange's core
// mutating operations: every input decodes to a sequence of Add/Del/
// Search calls against random half-open ranges, and the only
// correctness property fuzzed here is that the structure never panics
// and always passes its own consistency audit.
func FuzzAddDelSearch(f *testing.F) {
	f.Add([]byte{0, 10, 5, 1, 10, 5, 2, 12, 1})
	f.Add([]byte{2, 0, 255})

	registry.Init(registry.Config{ThreadMax: 8, HazardK: 4})
	defer func() { _ = registry.Fini() }()

	f.Fuzz(func(t *testing.T, data []byte) {
		m := New(8, WithHP(hp.New[Range](4, 32)), nil)
		h, err := registry.Attach()
		if err != nil {
			t.Skip(err)
		}
		defer h.Detach()

		for len(data) >= 3 {
			op, k, sz := data[0], uint64(data[1]), uint64(data[2])%32+1
			data = data[3:]
			switch op % 3 {
			case 0:
				m.Add(h, uint64(k), sz, nil)
			case 1:
				m.Del(h, uint64(k), sz)
			case 2:
				m.Search(h, uint64(k), sz, Lookup)
			}
			if err := m.Check(); err != nil {
				t.Fatal(err)
			}
		}
	})
}
