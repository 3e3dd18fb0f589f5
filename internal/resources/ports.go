package resources

import (
	"fmt"
	"net"
)

// PortExhaustionError reports that no free port pair exists in the range.
// Like AllocationError it is structural and never retried.
type PortExhaustionError struct {
	Start, End int
}

func (e *PortExhaustionError) Error() string {
	return fmt.Sprintf("port allocation: no free pair in range %d-%d", e.Start, e.End)
}

// PortAllocator scans a TCP port range for unbound ports.
//
// Allocation is check-then-reserve, not atomic against the OS: a port probed
// free here can be taken by another process before the hypervisor binds it.
// That narrow race is accepted; a bind conflict at launch time surfaces as a
// retryable launch error and the lifecycle controller re-allocates.
type PortAllocator struct {
	Start, End int

	// probe reports whether a port is currently unbound. Overridable in tests.
	probe func(port int) bool
}

// NewPortAllocator creates an allocator over [start, end] inclusive.
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{Start: start, End: end, probe: probeTCP}
}

// AllocatePair returns two distinct unbound ports from the range. The first
// is the lowest free port; the second is found scanning forward from the
// first, wrapping around the range once.
func (a *PortAllocator) AllocatePair() (int, int, error) {
	first := 0
	for p := a.Start; p <= a.End; p++ {
		if a.probe(p) {
			first = p
			break
		}
	}
	if first == 0 {
		return 0, 0, &PortExhaustionError{Start: a.Start, End: a.End}
	}

	span := a.End - a.Start + 1
	for i := 1; i < span; i++ {
		p := first + i
		if p > a.End {
			p = a.Start + (p - a.End - 1)
		}
		if p == first {
			continue
		}
		if a.probe(p) {
			return first, p, nil
		}
	}
	return 0, 0, &PortExhaustionError{Start: a.Start, End: a.End}
}

// probeTCP reports whether a loopback listener can bind the port right now.
func probeTCP(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
