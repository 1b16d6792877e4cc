package preview

import (
	"sort"
	"time"
)

// PortAllocator issues preview ports counting up from a base.
//
// It is not safe for concurrent use; the Manager only calls it from its
// event loop.
type PortAllocator struct {
	next       int
	quarantine time.Duration
	released   []releasedPort
	now        func() time.Time
}

type releasedPort struct {
	port int
	at   time.Time
}

// NewPortAllocator returns an allocator starting at base. With a zero
// quarantine ports are never handed out twice. With a positive quarantine a
// released port becomes available again once it has been idle that long.
func NewPortAllocator(base int, quarantine time.Duration) *PortAllocator {
	return &PortAllocator{
		next:       base,
		quarantine: quarantine,
		now:        time.Now,
	}
}

// Next returns a port that no live session holds.
func (a *PortAllocator) Next() int {
	if a.quarantine > 0 && len(a.released) > 0 {
		now := a.now()
		for i, r := range a.released {
			if now.Sub(r.at) >= a.quarantine {
				a.released = append(a.released[:i], a.released[i+1:]...)
				return r.port
			}
		}
	}

	port := a.next
	a.next++
	return port
}

// Release hands a port back. It is ignored unless reuse is enabled.
func (a *PortAllocator) Release(port int) {
	if a.quarantine <= 0 {
		return
	}
	a.released = append(a.released, releasedPort{port: port, at: a.now()})
	sort.Slice(a.released, func(i, j int) bool {
		return a.released[i].port < a.released[j].port
	})
}
