package lbmap

import "errors"

var errIDsExhausted = errors.New("no free identifiers left")

// idAllocator hands out identifiers in [1, max], preferring ones that were not
// used recently so a released ID is not immediately reused by a new frontend.
type idAllocator struct {
	next  uint32
	max   uint32
	inUse map[uint32]struct{}
}

func newIDAllocator(max uint32) *idAllocator {
	return &idAllocator{
		next:  1,
		max:   max,
		inUse: make(map[uint32]struct{}),
	}
}

func (a *idAllocator) allocate() (uint32, error) {
	for i := uint32(0); i < a.max; i++ {
		id := a.next
		a.next++
		if a.next > a.max {
			a.next = 1
		}
		if _, used := a.inUse[id]; !used {
			a.inUse[id] = struct{}{}
			return id, nil
		}
	}
	return 0, errIDsExhausted
}

func (a *idAllocator) release(id uint32) {
	delete(a.inUse, id)
}
