// Package resources computes memory/CPU allocations for an instance from a
// request plus host capacity, and finds free TCP port pairs for guest-service
// forwarding.
//
// Allocation is two-tier: an in-bounds request that leaves the host enough
// headroom is honored exactly; anything else is scaled to a safe value.
// Callers can hint a preference without ever being able to starve the host,
// and CI-sized instances never fail on small machines.
package resources

import (
	"fmt"

	"github.com/ckoehler/usbipvm/internal/hostinfo"
)

// Static bounds for a single instance.
const (
	MinMemoryMB = 256
	MaxMemoryMB = 4096
	MinCPU      = 1
	MaxCPU      = 8
)

// Shares of host capacity.
const (
	// HostMemoryShare caps an instance at 75% of available host memory.
	HostMemoryShare = 0.75
	// DefaultMemoryShare sizes an unrequested instance at 25% of available.
	DefaultMemoryShare = 0.25
	// DefaultCPUShare sizes an unrequested instance at half the host cores.
	DefaultCPUShare = 0.5
)

// AllocationError reports that the host cannot satisfy the absolute minimums.
// It is structural: the lifecycle controller never retries it.
type AllocationError struct {
	Reason string
}

func (e *AllocationError) Error() string {
	return "resource allocation: " + e.Reason
}

// Request carries the caller's sizing hints. Zero values mean "no preference".
type Request struct {
	MemoryMB int
	CPUs     int
}

// Allocation is the per-instance resource grant. Created once at start time
// and immutable thereafter.
type Allocation struct {
	MemoryMB    int
	CPUs        int
	ControlPort int // host port forwarded to the guest control-plane service
	DataPort    int // host port forwarded to the guest data-plane service
}

func (a Allocation) String() string {
	return fmt.Sprintf("mem=%dMB cpus=%d ports=%d/%d", a.MemoryMB, a.CPUs, a.ControlPort, a.DataPort)
}

// AllocateMemory resolves the memory grant for one instance.
//
// An in-bounds request at or under 75% of available host memory is honored
// exactly. A request over the ceiling is scaled down to the ceiling. No
// request defaults to 25% of available, clamped to [MinMemoryMB, MaxMemoryMB].
// The absolute minimum always holds: if the ceiling itself is below
// MinMemoryMB the host cannot run an instance at all.
func AllocateMemory(requestedMB int, host hostinfo.Capabilities) (int, error) {
	ceiling := int(float64(host.AvailableMemoryMB) * HostMemoryShare)
	if ceiling > MaxMemoryMB {
		ceiling = MaxMemoryMB
	}
	if ceiling < MinMemoryMB {
		return 0, &AllocationError{Reason: fmt.Sprintf(
			"host has %d MB available; 75%% ceiling %d MB is below the %d MB minimum",
			host.AvailableMemoryMB, ceiling, MinMemoryMB)}
	}

	if requestedMB >= MinMemoryMB && requestedMB <= MaxMemoryMB && requestedMB <= ceiling {
		return requestedMB, nil
	}

	if requestedMB <= 0 {
		mb := int(float64(host.AvailableMemoryMB) * DefaultMemoryShare)
		if mb < MinMemoryMB {
			mb = MinMemoryMB
		}
		if mb > ceiling {
			mb = ceiling
		}
		return mb, nil
	}

	// Out-of-bounds or over-ceiling request: scale to the nearest safe value.
	if requestedMB < MinMemoryMB {
		return MinMemoryMB, nil
	}
	return ceiling, nil
}

// AllocateCPUs resolves the CPU grant. An in-bounds request that leaves at
// least one core for the host is honored; otherwise half the host cores,
// clamped to [MinCPU, MaxCPU] and to cores-1.
func AllocateCPUs(requested int, host hostinfo.Capabilities) (int, error) {
	hostCeiling := host.CPUs - 1
	if hostCeiling < MinCPU {
		return 0, &AllocationError{Reason: fmt.Sprintf(
			"host has %d cores; at least %d must remain free for the host", host.CPUs, 1)}
	}

	if requested >= MinCPU && requested <= MaxCPU && requested <= hostCeiling {
		return requested, nil
	}

	cpus := int(float64(host.CPUs) * DefaultCPUShare)
	if cpus < MinCPU {
		cpus = MinCPU
	}
	if cpus > MaxCPU {
		cpus = MaxCPU
	}
	if cpus > hostCeiling {
		cpus = hostCeiling
	}
	return cpus, nil
}

// Allocate resolves memory and CPUs together. Ports are allocated separately
// by a PortAllocator and filled in by the caller.
func Allocate(req Request, host hostinfo.Capabilities) (Allocation, error) {
	mem, err := AllocateMemory(req.MemoryMB, host)
	if err != nil {
		return Allocation{}, err
	}
	cpus, err := AllocateCPUs(req.CPUs, host)
	if err != nil {
		return Allocation{}, err
	}
	return Allocation{MemoryMB: mem, CPUs: cpus}, nil
}
