// Package hostinfo reads host memory and CPU capacity.
// The result is a snapshot taken once per orchestration run; callers cache it.
package hostinfo

import (
	"bufio"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Conservative fallbacks for platforms where /proc/meminfo is unavailable.
const (
	fallbackTotalMB = 2048
	fallbackCPUs    = 2
)

// Capabilities is an immutable snapshot of host capacity.
type Capabilities struct {
	TotalMemoryMB     int
	AvailableMemoryMB int
	CPUs              int
}

// Detect reads host memory from /proc/meminfo and the CPU count from the
// runtime. It never fails: if the platform cannot report memory, it falls
// back to 2048 MB total with 50% available.
func Detect() Capabilities {
	caps := Capabilities{
		TotalMemoryMB:     fallbackTotalMB,
		AvailableMemoryMB: fallbackTotalMB / 2,
		CPUs:              runtime.NumCPU(),
	}
	if caps.CPUs <= 0 {
		caps.CPUs = fallbackCPUs
	}

	total, avail, err := readMeminfo("/proc/meminfo")
	if err != nil {
		log.Printf("hostinfo: cannot read memory capacity, using fallback %d MB: %v", fallbackTotalMB, err)
		return caps
	}
	caps.TotalMemoryMB = total
	caps.AvailableMemoryMB = avail
	return caps
}

// readMeminfo parses MemTotal and MemAvailable (kB) out of a meminfo file.
// When MemAvailable is missing (pre-3.14 kernels), half of MemTotal is used.
func readMeminfo(path string) (totalMB, availMB int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalMB = kbFieldToMB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availMB = kbFieldToMB(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	if totalMB == 0 {
		totalMB = fallbackTotalMB
	}
	if availMB == 0 {
		availMB = totalMB / 2
	}
	return totalMB, availMB, nil
}

func kbFieldToMB(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return kb / 1024
}
