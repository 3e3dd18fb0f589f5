// Package cleanup tears down instance resources and captures diagnostics.
//
// Teardown is idempotent and best-effort: every registered resource is
// attempted regardless of earlier failures, and a second Teardown is a
// no-op. The console log and diagnostics snapshot are deliberately never
// registered — they outlive the instance.
package cleanup

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ckoehler/usbipvm/internal/console"
	"github.com/ckoehler/usbipvm/internal/launcher"
)

// termWait is how long a process gets to honor SIGTERM before SIGKILL.
const termWait = 5 * time.Second

// Registry accumulates resources to release for one instance.
type Registry struct {
	mu    sync.Mutex
	files []string
	pids  []int
	done  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddFile registers a path for removal at teardown.
func (r *Registry) AddFile(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, path)
}

// AddProcess registers a pid for termination at teardown.
func (r *Registry) AddProcess(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids = append(r.pids, pid)
}

// Teardown releases everything registered: processes first (SIGTERM, then
// SIGKILL after a wait), then files. Safe to call more than once.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true

	for _, pid := range r.pids {
		terminate(pid)
	}
	for _, path := range r.files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("cleanup: remove %s: %v", path, err)
		}
	}
}

// terminate stops one process, escalating from SIGTERM to SIGKILL.
func terminate(pid int) {
	if !launcher.ProcessAlive(pid) {
		return
	}
	log.Printf("cleanup: sending SIGTERM to pid %d", pid)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return
	}

	deadline := time.Now().Add(termWait)
	for time.Now().Before(deadline) {
		if !launcher.ProcessAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	log.Printf("cleanup: pid %d ignored SIGTERM, sending SIGKILL", pid)
	syscall.Kill(pid, syscall.SIGKILL)
}

// DiagnosticsInfo carries the inputs for a failure snapshot.
type DiagnosticsInfo struct {
	InstanceID     string
	Reason         string
	State          string
	PID            int
	ControlPort    int
	DataPort       int
	ConsoleLogPath string
	StateDir       string
}

// SnapshotDiagnostics writes a human-readable failure report to path. It
// never returns an error: diagnostics capture must not mask the failure
// that triggered it, so probe failures degrade to "unknown" lines.
func SnapshotDiagnostics(path string, info DiagnosticsInfo) {
	var b strings.Builder
	fmt.Fprintf(&b, "instance:  %s\n", info.InstanceID)
	fmt.Fprintf(&b, "captured:  %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "reason:    %s\n", info.Reason)
	fmt.Fprintf(&b, "state:     %s\n", info.State)

	if info.PID > 0 {
		fmt.Fprintf(&b, "process:   pid %d, alive=%v\n", info.PID, launcher.ProcessAlive(info.PID))
	} else {
		b.WriteString("process:   never launched\n")
	}

	fmt.Fprintf(&b, "ports:     control %d (%s), data %d (%s)\n",
		info.ControlPort, portStatus(info.ControlPort),
		info.DataPort, portStatus(info.DataPort))

	if free, err := launcher.DiskFreeMB(info.StateDir); err == nil {
		fmt.Fprintf(&b, "disk free: %d MB under %s\n", free, info.StateDir)
	} else {
		fmt.Fprintf(&b, "disk free: unknown (%v)\n", err)
	}

	b.WriteString("\n--- last console lines ---\n")
	lines := console.LastLines(info.ConsoleLogPath, 20)
	if len(lines) == 0 {
		b.WriteString("(no console output)\n")
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var fatal []string
	for _, line := range lines {
		for _, pattern := range console.FatalPatterns {
			if strings.Contains(line, pattern) {
				fatal = append(fatal, pattern+": "+line)
			}
		}
	}
	if len(fatal) > 0 {
		b.WriteString("\n--- fatal patterns ---\n")
		for _, f := range fatal {
			b.WriteString(f)
			b.WriteByte('\n')
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		log.Printf("cleanup: write diagnostics %s: %v", path, err)
	}
}

// portStatus probes whether a port is currently bindable.
func portStatus(port int) string {
	if port == 0 {
		return "unallocated"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return "in use"
	}
	ln.Close()
	return "free"
}
