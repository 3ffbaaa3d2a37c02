package wcdb

// Ref is a stable handle to a descriptor held by the coordinator. The zero
// Ref refers to nothing. A Ref from an earlier epoch, or to a reclaimed slot,
// is stale: lookups fail and releasing it is a no-op.
type Ref struct {
	epoch uint64
	slot  int32
	gen   uint32
}

// Valid reports whether r was issued at all.
func (r Ref) Valid() bool { return r.gen != 0 }

type arenaSlot struct {
	info *Info
	refs int
	gen  uint32
	live bool
}

// arena stores descriptors in reusable slots. It is not safe for concurrent
// use; the coordinator guards it.
type arena struct {
	epoch uint64
	slots []arenaSlot
	free  []int32
}

func newArena(epoch uint64) *arena {
	return &arena{epoch: epoch}
}

func (a *arena) alloc(info *Info) Ref {
	var idx int32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot{})
		idx = int32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	s.info = info
	s.refs = 0
	s.live = true
	return Ref{epoch: a.epoch, slot: idx, gen: s.gen}
}

func (a *arena) get(r Ref) (*arenaSlot, bool) {
	if r.epoch != a.epoch || r.slot < 0 || int(r.slot) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[r.slot]
	if !s.live || s.gen != r.gen {
		return nil, false
	}
	return s, true
}

// reclaim frees the slot of r once nothing references it.
func (a *arena) reclaim(r Ref) bool {
	s, ok := a.get(r)
	if !ok || s.refs > 0 {
		return false
	}
	s.info = nil
	s.live = false
	a.free = append(a.free, r.slot)
	return true
}

func (a *arena) len() int {
	return len(a.slots) - len(a.free)
}
